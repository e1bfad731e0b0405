// Package controlapi implements C7: the local HTTP surface operators and
// the cloud control plane use to inspect and mutate target state. Routes
// are served with Fiber, grounded on Melihdvn-lighthouse-paas's
// internal/adapters/http handler/main wiring, since the teacher itself is
// an outbound gRPC client rather than an HTTP server.
package controlapi

import (
	"context"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/quentingllmt/hostsupervisor/internal/applyloop"
	"github.com/quentingllmt/hostsupervisor/internal/cloudreporter"
	"github.com/quentingllmt/hostsupervisor/internal/config"
	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
	"github.com/quentingllmt/hostsupervisor/internal/domain/repository"
	"github.com/quentingllmt/hostsupervisor/internal/executor"
	"github.com/quentingllmt/hostsupervisor/internal/hostprimitive"
	"github.com/quentingllmt/hostsupervisor/pkg/cqrs"
	log "github.com/quentingllmt/hostsupervisor/pkg/log"
)

// Server is C7: it owns no domain logic of its own, dispatching every
// state-changing request into the Executor's single-step path (spec.md
// §4.7 step 3) via the command bus, and every read into the State Store
// or Runtime Adapter directly.
type Server struct {
	app *fiber.App

	cfg     *config.Config
	store   repository.StateStore
	keys    repository.KeyStore
	runtime repository.RuntimeAdapter
	exec    *executor.Executor
	loop    *applyloop.Loop
	host    hostprimitive.Primitive
	cloud   cloudreporter.Reporter
	cmdBus  *cqrs.DefaultCommandBus
}

// New wires a Server over its collaborators and registers every route.
// ctx governs the lifetime of the command bus: cancelling it begins a
// graceful shutdown that rejects new commands but lets in-flight ones
// finish (pkg/cqrs.NewCommandBus).
func New(ctx context.Context, cfg *config.Config, store repository.StateStore, keys repository.KeyStore, runtime repository.RuntimeAdapter, exec *executor.Executor, loop *applyloop.Loop, host hostprimitive.Primitive, cloud cloudreporter.Reporter) *Server {
	cmdBus := cqrs.NewCommandBus(ctx)
	registerCommandHandlers(cmdBus, exec)

	s := &Server{
		cfg:     cfg,
		store:   store,
		keys:    keys,
		runtime: runtime,
		exec:    exec,
		loop:    loop,
		host:    host,
		cloud:   cloud,
		cmdBus:  cmdBus,
	}
	s.app = fiber.New(fiber.Config{DisableStartupMessage: true})
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v2 := s.app.Group("/v2", s.authMiddleware)

	v2.Get("/device/vpn", s.handleGetVPN)
	v2.Get("/version", s.handleGetVersion)
	v2.Get("/healthy", s.handleHealthy)
	v2.Get("/containerId", s.handleGetContainerID)

	v2.Get("/applications/:appId/state", s.handleGetAppState)
	v2.Get("/state/status", s.handleGetStateStatus)

	v2.Post("/applications/:appId/start-service", s.serviceActionHandler(model.ActionStart))
	v2.Post("/applications/:appId/stop-service", s.serviceActionHandler(model.ActionStop))
	v2.Post("/applications/:appId/restart-service", s.serviceActionHandler(model.ActionRestart))
	v2.Post("/applications/:appId/purge", s.handlePurge)
	v2.Post("/applications/:appId/restart", s.handleRestartApp)

	v2.Post("/blink", s.handleBlink)
	v2.Post("/regenerate-api-key", s.handleRegenerateAPIKey)
	v2.Post("/reboot", s.handleReboot)
	v2.Post("/shutdown", s.handleShutdown)

	v2.Get("/local/target-state", s.handleGetLocalTargetState)
	v2.Post("/local/target-state", s.handlePostLocalTargetState)
}

// Listen starts serving on the configured port; it blocks until the
// listener stops.
func (s *Server) Listen() error {
	addr := ":" + strconv.Itoa(s.cfg.ListenPort)
	log.Info("control API listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

const blinkDuration = 15 * time.Second
