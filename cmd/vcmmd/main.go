// vcmmd is the host memory-management daemon: it owns the Load Manager
// worker loop and exposes it over a Unix control socket for vcmmdctl.
//
// Build: go build -o vcmmd ./cmd/vcmmd
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/OpenVZ/vcmmd/pkg/config"
	"github.com/OpenVZ/vcmmd/pkg/ctlsock"
	"github.com/OpenVZ/vcmmd/pkg/host"
	"github.com/OpenVZ/vcmmd/pkg/loadmgr"
	"github.com/OpenVZ/vcmmd/pkg/metrics"
	"github.com/OpenVZ/vcmmd/pkg/persist"
	"github.com/OpenVZ/vcmmd/pkg/policy"
)

const defaultSocketPath = "/run/vcmmd/vcmmd.sock"

func main() {
	configPath := flag.String("config", "/etc/vcmmd.toml", "path to the TOML configuration file")
	socketPath := flag.String("socket", defaultSocketPath, "control socket path")
	flag.Parse()

	log := logrus.New()
	entry := logrus.NewEntry(log)

	cfg := config.LoadFromFile(*configPath, entry)
	cfg = config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "vcmmd: invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ApplyToLogger(log); err != nil {
		fmt.Fprintf(os.Stderr, "vcmmd: invalid log configuration: %v\n", err)
		os.Exit(1)
	}

	inv, err := host.New(hostConfigFrom(cfg), entry)
	if err != nil {
		entry.WithError(err).Fatal("failed to compute host memory inventory")
	}
	entry.WithFields(logrus.Fields{
		"total_ram": inv.TotalRAM,
		"ve_pool":   inv.VEPool,
	}).Info("host memory inventory computed")

	pol, err := policyByName(cfg.LoadManager.Policy, cfg.Interval(), entry)
	if err != nil {
		entry.WithError(err).Fatal("failed to construct load manager policy")
	}

	var store *persist.Store
	if cfg.Persist.Enabled {
		store = persist.NewStore(cfg.Persist.Path)
	}

	mcol := metrics.NewCollector(entry)

	lm := loadmgr.New(loadmgr.Options{
		Inventory: inv,
		Policy:    pol,
		Store:     store,
		Metrics:   mcol,
		Log:       entry,
	})

	if records, err := lm.LoadPersisted(); err != nil {
		entry.WithError(err).Warn("failed to load persisted VE registry; starting empty")
	} else if len(records) > 0 {
		entry.WithField("count", len(records)).
			Warn("persisted VE registrations found; an external integration must re-register them with live knob handles before activation")
	}

	go lm.Run()

	srv, err := ctlsock.NewServer(*socketPath, lm, entry)
	if err != nil {
		entry.WithError(err).Fatal("failed to bind control socket")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		entry.Info("received shutdown signal")
		cancel()
	}()

	entry.WithField("socket", *socketPath).Info("vcmmd started")

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Serve(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		if err != nil {
			entry.WithError(err).Error("control socket server exited")
		}
	}

	srv.Close()
	go lm.Shutdown()

	select {
	case <-lm.Done():
	case <-time.After(10 * time.Second):
		entry.Warn("timed out waiting for load manager to drain; exiting anyway")
	}

	entry.Info("vcmmd stopped")
}

func hostConfigFrom(cfg config.Config) host.Config {
	return host.Config{
		Host: host.SliceConfig{Share: cfg.Host.HostMem.Share, Min: uint64(cfg.Host.HostMem.Min), Max: uint64(cfg.Host.HostMem.Max)},
		Sys:  host.SliceConfig{Share: cfg.Host.SysMem.Share, Min: uint64(cfg.Host.SysMem.Min), Max: uint64(cfg.Host.SysMem.Max)},
		User: host.SliceConfig{Share: cfg.Host.UserMem.Share, Min: uint64(cfg.Host.UserMem.Min), Max: uint64(cfg.Host.UserMem.Max)},
	}
}

func policyByName(name string, interval time.Duration, log *logrus.Entry) (policy.Policy, error) {
	switch name {
	case "wfb":
		return policy.NewWFB(interval, log), nil
	case "static":
		return policy.NewStatic(interval), nil
	case "noop":
		return policy.NewNoOp(interval), nil
	default:
		return nil, fmt.Errorf("unknown load_manager.policy %q", name)
	}
}
