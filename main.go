//go:build linux

// Command tuntapd creates and manages one TUN/TAP interface, moves its frames
// to a configurable bridge and exposes it over a small HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tuntap/config"
	"tuntap/internal/logging"
	"tuntap/internal/netconfig"
)

func main() {
	var cfgPath, ifaceURL, remove string
	flag.StringVar(&cfgPath, "config", "", "Path to configuration file (.json, .yaml or .toml; '-' for stdin)")
	flag.StringVar(&ifaceURL, "iface", "", "Interface as a URL, e.g. tap://tap0?mtu=1400&addr=10.0.0.1 (overrides the file)")
	flag.StringVar(&remove, "remove", "", "Delete the named persistent tun/tap interface and exit")
	flag.Parse()

	if remove != "" {
		if err := netconfig.Remove(remove); err != nil {
			log.Fatalf("failed to remove %s: %v", remove, err)
		}
		return
	}

	cfg, err := loadConfig(cfgPath, ifaceURL)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	output, closeOutput, err := logOutput(cfg.Logging.Output)
	if err != nil {
		log.Fatalf("failed to open log output: %v", err)
	}
	defer closeOutput()
	baseLogger := logging.New(logging.ParseLevel(cfg.NormalisedLevel()), output)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfgPath, cfg, baseLogger, daemonOptions{pinned: ifaceURL != ""}); err != nil {
		baseLogger.Error("tuntapd exit", map[string]interface{}{"error": err.Error()})
		closeOutput()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string, cfg *config.Config, baseLogger *logging.Logger, opts daemonOptions) error {
	d, err := newDaemon(cfg, baseLogger, opts)
	if err != nil {
		return err
	}
	runErr, err := d.start(ctx)
	if err != nil {
		return errors.Join(err, d.stop())
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		d.watch(watchCtx, cfgPath)
	}()

	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received", nil)
		err = nil
	case err = <-runErr:
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			d.logger.Error("device loop failed", map[string]interface{}{"error": err.Error()})
		}
	}
	cancelWatch()
	<-watchDone
	return errors.Join(err, d.stop())
}

// loadConfig reads path, or starts from defaults when path is empty, and
// replaces the interface section with ifaceURL when one is given.
func loadConfig(path, ifaceURL string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = config.Parse([]byte("{}"), "json")
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}
	if ifaceURL == "" {
		return cfg, nil
	}
	iface, err := config.ParseURL(ifaceURL)
	if err != nil {
		return nil, fmt.Errorf("-iface: %w", err)
	}
	cfg.Interface = iface
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func logOutput(target string) (io.Writer, func(), error) {
	switch target {
	case "", "stdout":
		return os.Stdout, func() {}, nil
	case "stderr":
		return os.Stderr, func() {}, nil
	}
	file, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	return file, func() { _ = file.Close() }, nil
}
