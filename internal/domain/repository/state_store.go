// Package repository declares the contracts the reconciliation engine
// depends on: the durable/volatile State Store (C2) and the Runtime
// Adapter (C3). Concrete implementations live under internal/infra; the
// planner, executor and apply loop only ever see these interfaces.
package repository

import (
	"context"

	"github.com/quentingllmt/hostsupervisor/internal/domain/model"
)

// GetTargetOptions controls whether GetTarget returns the instantiated
// target or the currently installed intermediate target (spec.md §4.2).
type GetTargetOptions struct {
	Intermediate bool
}

// StateStore is C2: the durable target-state database and the volatile
// current-state cache.
type StateStore interface {
	// SetTarget validates and persists the full target for all apps plus
	// device config in one transaction. The bbolt implementation publishes
	// no targetStateChanged event. Validation errors are returned without
	// mutating the store.
	SetTarget(ctx context.Context, target *model.Target) error

	// GetTarget returns the instantiated target, or — when
	// opts.Intermediate is set — the currently installed intermediate
	// target used by phased applies.
	GetTarget(ctx context.Context, opts GetTargetOptions) (*model.Target, error)

	// GetTargetApp returns the stored target row for one app.
	GetTargetApp(ctx context.Context, appID int64) (*model.Application, error)

	// GetCommitForApp returns the commit of the last fully-applied
	// release for appID (spec.md invariant 5), never an in-progress one.
	GetCommitForApp(ctx context.Context, appID int64) (string, error)

	// SetCommitForApp records commit as the last fully-applied release
	// for appID.
	SetCommitForApp(ctx context.Context, appID int64, commit string) error

	// GetApps returns all apps the store currently knows about (union of
	// target and last-observed current apps).
	GetApps(ctx context.Context) ([]*model.Application, error)

	// GetCurrentApps returns current observed apps, joined from Runtime
	// Adapter snapshots cached by the caller via SetCurrentApps.
	GetCurrentApps(ctx context.Context) ([]*model.Application, error)

	// SetCurrentApps replaces the cached current-state snapshot. Called
	// by runtimesync.Syncer after it queries the Runtime Adapter.
	SetCurrentApps(ctx context.Context, apps []*model.Application) error

	// SetServiceOverlay sets the volatile overlay for a service, biasing
	// the planner without mutating the stored target (invariant 4 clears
	// it whenever target state changes for the app).
	SetServiceOverlay(ctx context.Context, appID int64, serviceName string, overlay model.VolatileOverlay) error

	// GetServiceOverlay returns the volatile overlay set for a service, or
	// nil if none is set. Called while loading the target so the Apply
	// Loop can attach it before the planner runs.
	GetServiceOverlay(ctx context.Context, appID int64, serviceName string) (*model.VolatileOverlay, error)

	// ClearOverlaysForApp clears every service's volatile overlay for an
	// app. SetTarget does not call it; it clears overlays in its own
	// transaction.
	ClearOverlaysForApp(ctx context.Context, appID int64) error

	// Close releases underlying storage resources.
	Close() error
}
