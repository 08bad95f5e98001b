//go:build linux

package main

import (
	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/can"
	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/driver/socketcan"
)

func newSocketCANDriver(ifname string) (can.Driver, error) {
	return socketcan.New(ifname), nil
}
