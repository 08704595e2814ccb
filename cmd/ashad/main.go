// Command ashad is the ASHA Bluetooth hearing-aid audio daemon: it
// wires configuration, logging, the Bluetooth enumerator, the
// Coordinator, and the advertisement monitor together, then blocks
// until SIGINT/SIGTERM, mirroring the start/block/graceful-stop
// lifecycle robot.go gives every Robot in the teacher package.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/pflag"

	"github.com/asha-audio/asha/internal/asha"
	"github.com/asha-audio/asha/internal/bluez"
	ashaerrors "github.com/asha-audio/asha/internal/errors"
	"github.com/asha-audio/asha/internal/buffer"
	"github.com/asha-audio/asha/internal/config"
	"github.com/asha-audio/asha/internal/logging"
	"github.com/asha-audio/asha/internal/monitor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ashad:", err)
		os.Exit(1)
	}
}

func run() error {
	// flags holds whatever the command line actually set, parsed onto
	// its own Config so an unset flag's default value can never be
	// mistaken for an explicit override; fs.Changed tells them apart.
	// cfg starts from the built-in defaults, the config file overrides
	// those, and finally only the flags the user actually passed
	// override the file — never the reverse.
	flags := config.Default()

	fs := pflag.NewFlagSet("ashad", pflag.ContinueOnError)
	configPath := fs.String("config", "/etc/asha/ashad.conf", "path to the key-value config file")
	flags.BindFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	flags.PostParse()

	cfg := config.Default()
	if err := cfg.LoadFilePath(*configPath); err != nil {
		return fmt.Errorf("loading config file: %w", err)
	}
	cfg.Merge(fs, flags)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ashaerrors.ErrConfigInvalid, err)
	}

	var logOutput = os.Stdout
	switch cfg.LogOutput {
	case "stderr":
		logOutput = os.Stderr
	case "stdout", "":
	default:
		f, err := os.OpenFile(cfg.LogOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log output %q: %w", cfg.LogOutput, err)
		}
		defer f.Close()
		logOutput = f
	}
	log := logging.NewLogger(logging.ParseLogLevel(cfg.LogLevel), parseLogFormat(cfg.LogFormat), logOutput)
	log.Info("starting ashad", map[string]interface{}{"buffer_algorithm": string(cfg.BufferAlgorithm)})

	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("%w: %w", ashaerrors.ErrBluetoothUnavailable, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tuning := asha.LinkTuning{
		Phy1M:    cfg.Phy1M,
		Phy2M:    cfg.Phy2M,
		Interval: cfg.Interval,
		Timeout:  cfg.Timeout,
		CELength: cfg.CELength,
	}
	coordinator := asha.NewCoordinator(asha.NewSilenceEncoder, cfg.Volume, tuning, log)
	coordinator.Run(ctx)
	defer coordinator.Stop()

	enumerator := bluez.New(conn, log,
		func(c bluez.Candidate) {
			coordinator.OnAddDevice(ctx, asha.PeripheralInfo{
				Path:       c.DevicePath,
				MAC:        c.MAC,
				Name:       c.Name,
				Alias:      c.Alias,
				Properties: c.Properties,
				Chars:      c.Chars,
			})
		},
		func(path dbus.ObjectPath, hiSyncID uint64) {
			coordinator.OnRemoveDevice(ctx, hiSyncID, path)
		},
	)

	if err := enumerator.ScanExisting(ctx); err != nil {
		log.Warn("initial Bluetooth scan failed", map[string]interface{}{"err": err.Error()})
	}
	go func() {
		if err := enumerator.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("enumerator stopped unexpectedly", map[string]interface{}{"err": err.Error()})
		}
	}()

	if cfg.Reconnect {
		mon := monitor.New(conn, cfg.RSSIPaired, cfg.RSSIUnpaired, log)
		if err := mon.Start(ctx); err != nil {
			log.Warn("advertisement monitor registration failed, auto-reconnect disabled", map[string]interface{}{"err": err.Error()})
		} else {
			defer mon.Stop(context.Background())
			go func() {
				if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("advertisement monitor stopped unexpectedly", map[string]interface{}{"err": err.Error()})
				}
			}()
		}

		profile := monitor.NewGattProfile(conn, log)
		if err := profile.Start(ctx); err != nil {
			log.Warn("GATT profile registration failed", map[string]interface{}{"err": err.Error()})
		} else {
			defer profile.Stop(context.Background())
		}
	}

	pcmBuffer := buffer.New(buffer.Algorithm(cfg.BufferAlgorithm), func(frame *buffer.Frame) bool {
		delivered := false
		for _, dev := range coordinator.Devices() {
			if dev.SendAudio(frame.Left[:], frame.Right[:]) {
				delivered = true
			}
		}
		return delivered
	})
	defer pcmBuffer.Close()

	log.Info("ashad ready")
	return waitForShutdown(log)
}

func waitForShutdown(log *logging.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")
	// allow in-flight D-Bus calls a moment to settle before run returns
	// and its deferred Close/Stop calls execute.
	time.Sleep(50 * time.Millisecond)
	return nil
}

func parseLogFormat(s string) logging.LogFormat {
	if s == "json" {
		return logging.JSONFormat
	}
	return logging.TextFormat
}
