package backup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/imedwei/rclone-backup-setup/internal/config"
	"github.com/imedwei/rclone-backup-setup/internal/metrics"
	"github.com/imedwei/rclone-backup-setup/internal/prereq"
	"github.com/imedwei/rclone-backup-setup/internal/reconcile"
	"github.com/imedwei/rclone-backup-setup/internal/version"
)

// State is a step of the setup sequence.
type State int

const (
	StateResolveConfig State = iota
	StateCheckPrerequisite
	StateWriteRemoteConfig
	StateWriteScript
	StateInstallSchedule
	StateDone
)

func (s State) String() string {
	switch s {
	case StateResolveConfig:
		return "resolve_config"
	case StateCheckPrerequisite:
		return "check_prerequisite"
	case StateWriteRemoteConfig:
		return "write_remote_config"
	case StateWriteScript:
		return "write_script"
	case StateInstallSchedule:
		return "install_schedule"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type step struct {
	state    State
	artifact Artifact
}

// Orchestrator coordinates the setup process.
type Orchestrator struct {
	settings *config.Settings
	prereqs  Prerequisites
	steps    []step
	logger   *slog.Logger
	state    State
}

// NewOrchestrator creates a new setup orchestrator. The writers run in the
// order remote config, script, schedule.
func NewOrchestrator(settings *config.Settings, prereqs Prerequisites, remoteConfig, script, schedule Artifact, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		settings: settings,
		prereqs:  prereqs,
		steps: []step{
			{StateWriteRemoteConfig, remoteConfig},
			{StateWriteScript, script},
			{StateInstallSchedule, schedule},
		},
		logger: logger,
		state:  StateResolveConfig,
	}
}

// State returns the state the orchestrator reached. After a failed Run it is
// the state that failed.
func (o *Orchestrator) State() State {
	return o.state
}

// Run executes the setup sequence. A failure stops the sequence; artifacts
// written by earlier steps are kept, so a re-run picks up where it stopped.
func (o *Orchestrator) Run(ctx context.Context) ([]reconcile.Result, error) {
	startTime := time.Now()
	o.logger.Info("Starting backup setup", "dry_run", o.settings.DryRun)

	o.enter(StateCheckPrerequisite)
	checkStart := time.Now()
	checks, err := o.prereqs.Run(ctx)
	metrics.ObserveState(StateCheckPrerequisite.String(), time.Since(checkStart))

	rcloneVersion := "unknown"
	for _, c := range checks {
		if c.Status != prereq.StatusOK {
			if c.Required {
				metrics.PrerequisiteMissing.WithLabelValues(c.Name).Inc()
			}
			continue
		}
		if v, ok := c.Details["version"].(string); ok {
			rcloneVersion = v
		}
	}
	metrics.Info.WithLabelValues(version.Version, o.settings.RemoteName, rcloneVersion).Set(1)

	if err != nil {
		metrics.RecordRun(false)
		return nil, err
	}

	results := make([]reconcile.Result, 0, len(o.steps))
	for _, s := range o.steps {
		o.enter(s.state)
		stepStart := time.Now()

		result, err := s.artifact.Reconcile(ctx, o.settings.DryRun)
		metrics.ObserveState(s.state.String(), time.Since(stepStart))
		if err != nil {
			metrics.RecordRun(false)
			return results, fmt.Errorf("%s failed: %w", s.state, err)
		}

		metrics.RecordArtifact(result.Artifact, result.Action.String())
		o.logger.Info("Artifact reconciled",
			"artifact", result.Artifact,
			"path", result.Path,
			"action", result.Action.Verb(result.DryRun),
		)
		results = append(results, *result)
	}

	o.enter(StateDone)
	metrics.ObserveState("total", time.Since(startTime))
	metrics.RecordRun(true)

	changed := 0
	for _, r := range results {
		if r.Changed() {
			changed++
		}
	}
	o.logger.Info("Backup setup finished", "changed", changed, "duration", time.Since(startTime))

	return results, nil
}

func (o *Orchestrator) enter(s State) {
	o.logger.Debug("State transition", "from", o.state.String(), "to", s.String())
	o.state = s
}
