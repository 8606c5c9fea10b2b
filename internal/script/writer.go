// Package script generates the shell script that cron runs to mirror the
// source directory to the remote bucket with rclone.
package script

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"text/template"

	"github.com/imedwei/rclone-backup-setup/internal/apperr"
	"github.com/imedwei/rclone-backup-setup/internal/reconcile"
	"github.com/imedwei/rclone-backup-setup/internal/utils"
)

// FileMode is applied on every write.
const FileMode fs.FileMode = 0o755

// Params are the values substituted into the script.
type Params struct {
	// RcloneBinary is an absolute path; cron runs with a minimal PATH.
	RcloneBinary string
	Source       string
	Remote       string
	Bucket       string
	ConfigPath   string
	LogFile      string
}

// Destination returns the rclone remote path, for example "minio:backups".
func (p Params) Destination() string {
	return p.Remote + ":" + p.Bucket
}

// sync deletes destination files missing from the source during the
// transfer, making the bucket a one-way mirror.
var scriptTemplate = template.Must(template.New("script").Funcs(template.FuncMap{
	"q": utils.ShellQuote,
}).Parse(`#!/bin/bash
# Managed by rclone-backup-setup. Changes will be overwritten.
exec {{q .RcloneBinary}} sync {{q .Source}} {{q .Destination}} --config {{q .ConfigPath}} --log-file {{q .LogFile}} --log-level INFO --delete-during
`))

// Render produces the script content for p.
func Render(p Params) ([]byte, error) {
	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("failed to render backup script: %w", err)
	}
	return buf.Bytes(), nil
}

type file struct {
	data []byte
	mode fs.FileMode
}

// Writer keeps the backup script at a fixed path up to date.
type Writer struct {
	path   string
	params Params
	logger *slog.Logger
}

// NewWriter creates a writer for the script at path.
func NewWriter(path string, params Params, logger *slog.Logger) *Writer {
	return &Writer{
		path:   path,
		params: params,
		logger: logger.With("component", "script"),
	}
}

// Name implements backup.Artifact.
func (w *Writer) Name() string {
	return "backup script"
}

// Path returns the script location.
func (w *Writer) Path() string {
	return w.path
}

// Reconcile writes the script when its content or mode differ from the
// rendered template.
func (w *Writer) Reconcile(ctx context.Context, dryRun bool) (*reconcile.Result, error) {
	rendered, err := Render(w.params)
	if err != nil {
		return nil, err
	}
	desired := file{data: rendered, mode: FileMode}

	current, exists, err := utils.ReadFileIfExists(w.path)
	if err != nil {
		return nil, apperr.IO("read backup script "+w.path, err)
	}

	// A file is a single block keyed by its path.
	var blocks []file
	if exists {
		mode, err := utils.FileMode(w.path)
		if err != nil {
			return nil, apperr.IO("stat backup script "+w.path, err)
		}
		blocks = append(blocks, file{data: current, mode: mode})
	}
	key := func(file) (string, bool) { return w.path, true }
	equal := func(cur, want file) bool {
		return bytes.Equal(cur.data, want.data) && cur.mode == want.mode
	}
	_, outcome := reconcile.Reconcile(blocks, desired, w.path, key, equal)

	result := &reconcile.Result{
		Artifact: w.Name(),
		Path:     w.path,
		Action:   outcome.Action,
		DryRun:   dryRun,
	}
	if outcome.Action == reconcile.None {
		w.logger.Debug("Backup script up to date", "path", w.path)
		return result, nil
	}

	contentChanged := outcome.Previous == nil || !bytes.Equal(outcome.Previous.data, rendered)
	if contentChanged {
		diff, err := reconcile.UnifiedDiff(filepath.Base(w.path), current, rendered)
		if err != nil {
			return nil, fmt.Errorf("failed to diff backup script: %w", err)
		}
		result.Diff = diff
	} else {
		result.Diff = fmt.Sprintf("  ~ mode %04o -> %04o\n", outcome.Previous.mode, FileMode)
	}

	if dryRun {
		return result, nil
	}

	if contentChanged {
		if err := utils.WriteFileAtomic(w.path, rendered, FileMode); err != nil {
			return nil, apperr.IO("write backup script "+w.path, err)
		}
	} else if err := os.Chmod(w.path, FileMode); err != nil {
		return nil, apperr.IO("chmod backup script "+w.path, err)
	}

	w.logger.Info("Wrote backup script",
		"path", w.path,
		"action", outcome.Action.String(),
		"source", w.params.Source,
		"destination", w.params.Destination(),
	)
	return result, nil
}
