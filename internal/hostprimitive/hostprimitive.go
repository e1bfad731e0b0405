// Package hostprimitive is the external collaborator named in spec.md §6:
// the host reboot/shutdown primitives the Control API invokes once
// StopAll has completed. The real system-bus integration this would use
// in production (e.g. a systemd/logind D-Bus call) is explicitly out of
// scope per spec.md §1; this package exercises the standard host-command
// path the teacher uses for other shell-backed capabilities
// (pkg/capabilities/docker.go, pkg/capabilities/git.go) as a stand-in
// with the same interface boundary.
package hostprimitive

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	log "github.com/quentingllmt/hostsupervisor/pkg/log"
)

// Primitive is the interface the Control API depends on; each call
// returns once the host has acknowledged the request.
type Primitive interface {
	Reboot(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// Blink starts a visual identification pattern and stops it on its
	// own after the duration has elapsed; it never blocks the caller.
	Blink(duration time.Duration)
}

// Host shells out to the standard reboot(8)/shutdown(8) commands.
type Host struct{}

// New returns a Host primitive.
func New() *Host { return &Host{} }

func (h *Host) Reboot(ctx context.Context) error {
	log.Info("issuing host reboot")
	if err := exec.CommandContext(ctx, "reboot").Run(); err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	return nil
}

func (h *Host) Shutdown(ctx context.Context) error {
	log.Info("issuing host shutdown")
	if err := exec.CommandContext(ctx, "shutdown", "-h", "now").Run(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Blink sets the led0 trigger to "timer" and, once the duration has
// elapsed, to "none", best-effort: a host without that sysfs path just
// logs the pattern.
func (h *Host) Blink(duration time.Duration) {
	const ledTrigger = "/sys/class/leds/led0/trigger"
	log.Info("starting blink pattern", "durationMs", duration.Milliseconds())
	if err := exec.Command("sh", "-c", "echo timer > "+ledTrigger).Run(); err != nil {
		log.Debug("blink: no led trigger available", "error", err)
	}
	time.AfterFunc(duration, func() {
		log.Info("stopping blink pattern")
		if err := exec.Command("sh", "-c", "echo none > "+ledTrigger).Run(); err != nil {
			log.Debug("blink: no led trigger available", "error", err)
		}
	})
}

var _ Primitive = (*Host)(nil)
