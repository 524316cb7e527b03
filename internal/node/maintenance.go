package node

import (
	"context"
	"errors"

	"golang.org/x/exp/slices"

	"github.com/dreamware/tremor/internal/cluster"
)

// ErrDrainTimeout is returned when running tasks did not finish within the
// maintenance drain timeout. The node stays in PAUSE.
var ErrDrainTimeout = errors.New("node: tasks still running after drain timeout")

// EnterMaintenance stops accepting tasks, waits for running tasks to
// finish and switches to MAINTENANCE_MODE. maintenanceTask is the ID of
// the task driving the switch, if any; it is allowed to keep running.
func (n *Node) EnterMaintenance(ctx context.Context, maintenanceTask string) error {
	n.setStatus(ctx, cluster.StatusPause)
	n.log.Info("entering maintenance", "drain_timeout", n.cfg.Maintenance.DrainTimeout)

	allowed := 0
	if maintenanceTask != "" && slices.Contains(n.runner.Running(), maintenanceTask) {
		allowed = 1
	}
	if !n.runner.Drain(ctx, n.cfg.Maintenance.DrainTimeout, n.cfg.Maintenance.PollInterval, allowed) {
		n.log.Warn("maintenance drain timed out", "running", n.runner.Running())
		return ErrDrainTimeout
	}
	n.setStatus(ctx, cluster.StatusMaintenance)
	n.log.Info("node in maintenance mode")
	return nil
}

// Resume returns the node to ACTIVE.
func (n *Node) Resume(ctx context.Context) {
	n.setStatus(ctx, cluster.StatusActive)
	n.log.Info("node resumed")
}
