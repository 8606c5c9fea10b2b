// Package prereq provides prerequisite checks that run before any artifact is
// written.
package prereq

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/imedwei/rclone-backup-setup/internal/apperr"
	"github.com/imedwei/rclone-backup-setup/internal/rclone"
)

// Status represents the outcome of a check.
type Status string

const (
	// StatusOK indicates the prerequisite is satisfied.
	StatusOK Status = "ok"
	// StatusMissing indicates the prerequisite is not satisfied.
	StatusMissing Status = "missing"
)

// Check represents a check result.
type Check struct {
	Status  Status
	Details map[string]interface{}
	Err     error
}

// Result is a named check result.
type Result struct {
	Name     string
	Required bool
	Check
}

type registration struct {
	name     string
	required bool
	fn       func(context.Context) Check
}

// Checker runs registered checks in registration order.
type Checker struct {
	mu     sync.Mutex
	checks []registration
	logger *slog.Logger
}

// NewChecker creates a new checker.
func NewChecker(logger *slog.Logger) *Checker {
	return &Checker{logger: logger.With("component", "prereq")}
}

// RegisterCheck registers a check. A failing required check stops the run.
func (c *Checker) RegisterCheck(name string, required bool, fn func(context.Context) Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, registration{name: name, required: required, fn: fn})
}

// Run performs every check. It returns a KindPrerequisite error for the first
// failed required check; advisory failures are only logged.
func (c *Checker) Run(ctx context.Context) ([]Result, error) {
	c.mu.Lock()
	checks := append([]registration(nil), c.checks...)
	c.mu.Unlock()

	results := make([]Result, 0, len(checks))
	var firstErr error
	for _, reg := range checks {
		check := reg.fn(ctx)
		results = append(results, Result{Name: reg.name, Required: reg.required, Check: check})

		if check.Status == StatusOK {
			c.logger.Debug("Prerequisite satisfied", "check", reg.name, "details", check.Details)
			continue
		}

		if !reg.required {
			c.logger.Warn("Optional prerequisite missing", "check", reg.name, "error", check.Err)
			continue
		}
		if firstErr == nil {
			cause := check.Err
			if cause == nil {
				cause = fmt.Errorf("check %s failed", reg.name)
			}
			firstErr = apperr.New(apperr.KindPrerequisite, reg.name, cause)
		}
	}

	return results, firstErr
}

// BinaryCheck reports whether name resolves through lookPath.
func BinaryCheck(name string, lookPath rclone.LookPathFunc) func(context.Context) Check {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	return func(ctx context.Context) Check {
		path, err := lookPath(name)
		if err != nil {
			return Check{
				Status: StatusMissing,
				Err:    fmt.Errorf("'%s' not found in PATH: %w", name, err),
			}
		}
		return Check{
			Status:  StatusOK,
			Details: map[string]interface{}{"path": path},
		}
	}
}

// RcloneCheck locates rclone and, when found, detects its version. A failed
// version detection does not fail the check.
func RcloneCheck(lookPath rclone.LookPathFunc, detectVersion bool) func(context.Context) Check {
	return func(ctx context.Context) Check {
		path, err := rclone.Locate(lookPath)
		if err != nil {
			return Check{Status: StatusMissing, Err: err}
		}

		details := map[string]interface{}{"path": path}
		if detectVersion {
			versionCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if v, err := rclone.DetectVersion(versionCtx, path); err == nil {
				details["version"] = v.String()
				details["version_output"] = v.Full
			} else {
				details["version_error"] = err.Error()
			}
		}
		return Check{Status: StatusOK, Details: details}
	}
}
