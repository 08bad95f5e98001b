//go:build !linux

package main

import (
	"errors"

	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/can"
)

func newSocketCANDriver(string) (can.Driver, error) {
	return nil, errors.New("socketcan channels require linux")
}
