package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quentingllmt/hostsupervisor/internal/applyloop"
	"github.com/quentingllmt/hostsupervisor/internal/cloudreporter"
	"github.com/quentingllmt/hostsupervisor/internal/config"
	"github.com/quentingllmt/hostsupervisor/internal/controlapi"
	"github.com/quentingllmt/hostsupervisor/internal/eventbus"
	"github.com/quentingllmt/hostsupervisor/internal/executor"
	"github.com/quentingllmt/hostsupervisor/internal/hostprimitive"
	"github.com/quentingllmt/hostsupervisor/internal/infra/docker"
	"github.com/quentingllmt/hostsupervisor/internal/infra/keystore"
	"github.com/quentingllmt/hostsupervisor/internal/infra/locks"
	"github.com/quentingllmt/hostsupervisor/internal/infra/statestore"
	"github.com/quentingllmt/hostsupervisor/internal/planner"
	"github.com/quentingllmt/hostsupervisor/internal/runtimesync"
	"github.com/quentingllmt/hostsupervisor/internal/version"
	log "github.com/quentingllmt/hostsupervisor/pkg/log"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	configPath := flag.String("config", "supervisor.config.json", "Path to configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hostsupervisor version: %s (#%d)\n", version.GetVersion(), version.GetNumericVersion())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	advisory := locks.NewManager(cfg.LockRoot)

	store, err := statestore.Open(cfg.StatePath, advisory.Keys())
	if err != nil {
		log.Fatalf("failed to open state store: %v", err)
	}
	defer store.Close()

	keys, err := keystore.OpenShared(store.DB())
	if err != nil {
		log.Fatalf("failed to open key store: %v", err)
	}

	runtime, err := docker.New()
	if err != nil {
		log.Fatalf("failed to connect to the container runtime: %v", err)
	}
	defer runtime.Close()

	events := eventbus.New()
	plan := planner.New()
	exec := executor.New(runtime, store, advisory, events)
	sync := runtimesync.New(runtime, store)

	basePoll := time.Duration(cfg.AppUpdatePollIntervalMS) * time.Millisecond
	maxPoll := time.Duration(cfg.MaxPollIntervalMS) * time.Millisecond
	loop := applyloop.New(store, plan, exec, sync, events, advisory.Keys(), basePoll, maxPoll, cfg.LockOverride)

	host := hostprimitive.New()
	cloud := cloudreporter.NewChannel(16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := controlapi.New(ctx, cfg, store, keys, runtime, exec, loop, host, cloud)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Warn("control API shutdown error", "error", err)
		}

		advisory.ReleaseAll()
		os.Exit(0)
	}()

	loop.Trigger(ctx, false, 0, false)

	log.Info("hostsupervisor starting", "version", version.GetVersion(), "port", cfg.ListenPort)
	if err := api.Listen(); err != nil {
		log.Fatalf("control API server failed: %v", err)
	}
}
