package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/can"
	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/config"
	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/driver/mem"
	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/driver/netbridge"
	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/hardware"
	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/observability"
	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/trace"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("canhal-node started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	hw := hardware.New(hardware.Options{
		PeriodicUpdateInterval: time.Duration(cfg.CAN.UpdateIntervalMS) * time.Millisecond,
		TxRetryLimit:           cfg.CAN.TxRetryLimit,
		Logger:                 logger,
	})
	if err := hw.SetChannelCount(uint8(len(cfg.CAN.Channels))); err != nil {
		zap.L().Error("failed to size channel table", zap.Error(err))
		return 1
	}

	// all mem channels share one in-process bus so they see each other
	var virtualBus *mem.Bus
	for i, cc := range cfg.CAN.Channels {
		driver, err := buildDriver(cc, &virtualBus)
		if err != nil {
			zap.L().Error("failed to build driver", zap.Int("channel", i), zap.Error(err))
			return 1
		}
		if err := hw.AssignDriver(uint8(i), driver); err != nil {
			zap.L().Error("failed to assign driver", zap.Int("channel", i), zap.Error(err))
			return 1
		}
	}

	hw.FrameReceived().Subscribe(func(f can.Frame) {
		zap.L().Debug("frame received", zap.String("frame", f.String()))
	})
	hw.FrameTransmitted().Subscribe(func(f can.Frame) {
		zap.L().Debug("frame transmitted", zap.String("frame", f.String()))
	})

	if cfg.CAN.TraceFile != "" {
		f, err := os.Create(cfg.CAN.TraceFile)
		if err != nil {
			zap.L().Error("failed to open trace file", zap.Error(err))
			return 1
		}
		defer f.Close()
		detach := trace.Attach(hw, trace.NewRecorder(f))
		defer detach()
		zap.L().Info("tracing frames", zap.String("file", cfg.CAN.TraceFile))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.CAN.BridgeListen != "" {
		gw := netbridge.NewGateway(hw, cfg.CAN.BridgeChannel, logger)
		go func() {
			if err := gw.ListenAndServe(ctx, cfg.CAN.BridgeListen); err != nil {
				zap.L().Error("bridge gateway failed", zap.Error(err))
			}
		}()
	}

	if err := hw.Start(); err != nil {
		zap.L().Error("failed to start hardware interface", zap.Error(err))
		return 1
	}

	zap.L().Info("node is running; press Ctrl+C to exit")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	cancel()
	if err := hw.Stop(); err != nil {
		zap.L().Error("failed to stop hardware interface", zap.Error(err))
		return 1
	}
	return 0
}

// buildDriver constructs the driver for one configured channel. The shared
// virtual bus is created lazily on the first mem channel.
func buildDriver(cc config.ChannelConfig, virtualBus **mem.Bus) (can.Driver, error) {
	switch cc.Kind {
	case "mem":
		if *virtualBus == nil {
			*virtualBus = mem.NewBus()
		}
		return (*virtualBus).NewDriver(), nil
	case "socketcan":
		return newSocketCANDriver(cc.Interface)
	case "netbridge":
		return netbridge.Dial(cc.Address), nil
	default:
		return nil, fmt.Errorf("unknown driver kind %q", cc.Kind)
	}
}
