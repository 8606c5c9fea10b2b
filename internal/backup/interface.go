// Package backup sequences the prerequisite check and the artifact writers
// that together set up a scheduled rclone backup.
package backup

import (
	"context"

	"github.com/imedwei/rclone-backup-setup/internal/prereq"
	"github.com/imedwei/rclone-backup-setup/internal/reconcile"
)

// Artifact is a persisted file or table entry that a writer keeps in its
// desired state.
type Artifact interface {
	// Name returns a short human label for reports and metrics.
	Name() string

	// Reconcile compares the artifact with its desired state and updates it
	// when they differ. With dryRun set it only reports the change.
	Reconcile(ctx context.Context, dryRun bool) (*reconcile.Result, error)
}

// Prerequisites runs the checks that must pass before any artifact is
// touched.
type Prerequisites interface {
	Run(ctx context.Context) ([]prereq.Result, error)
}
