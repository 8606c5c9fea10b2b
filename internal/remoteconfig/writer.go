// Package remoteconfig maintains the rclone remote section that describes the
// MinIO endpoint and its credentials.
package remoteconfig

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/imedwei/rclone-backup-setup/internal/apperr"
	"github.com/imedwei/rclone-backup-setup/internal/reconcile"
	"github.com/imedwei/rclone-backup-setup/internal/utils"
)

const (
	// FileMode restricts the config file to its owner; it holds secrets.
	FileMode os.FileMode = 0o600
	// DirMode is used when the config directory has to be created.
	DirMode os.FileMode = 0o700
)

// Remote describes the rclone remote to configure.
type Remote struct {
	Name      string
	Endpoint  string
	AccessKey utils.Secret
	SecretKey utils.Secret
}

// Field is one managed key of the remote section.
type Field struct {
	Key    string
	Value  string
	Secret bool
}

// Fields returns the managed keys in the order they are written.
func (r Remote) Fields() []Field {
	return []Field{
		{Key: "type", Value: "s3"},
		{Key: "provider", Value: "Minio"},
		{Key: "env_auth", Value: "false"},
		{Key: "access_key_id", Value: r.AccessKey.Reveal(), Secret: true},
		{Key: "secret_access_key", Value: r.SecretKey.Reveal(), Secret: true},
		{Key: "endpoint", Value: r.Endpoint},
	}
}

func (r Remote) managed() map[string]bool {
	m := make(map[string]bool)
	for _, f := range r.Fields() {
		m[f.Key] = true
	}
	return m
}

// Render builds the section for r. Keys in extra that are not managed are
// appended in their given order.
func (r Remote) Render(extra []KV) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "[%s]\n", r.Name)
	for _, f := range r.Fields() {
		fmt.Fprintf(&buf, "%s = %s\n", f.Key, f.Value)
	}
	managed := r.managed()
	for _, kv := range extra {
		if !managed[kv.Key] {
			fmt.Fprintf(&buf, "%s = %s\n", kv.Key, kv.Value)
		}
	}
	return buf.Bytes()
}

// Matches reports whether every managed field of b equals r. Unmanaged keys
// are ignored. A section that fails to parse never matches.
func (r Remote) Matches(b Block) bool {
	kvs, err := b.Values()
	if err != nil {
		return false
	}
	have := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		have[kv.Key] = kv.Value
	}
	for _, f := range r.Fields() {
		v, ok := have[f.Key]
		if !ok || v != f.Value {
			return false
		}
	}
	return true
}

// Plan computes the new file content for current. It has no side effects.
// It fails when a managed value would not read back unchanged.
func Plan(current []byte, r Remote) ([]byte, reconcile.Outcome[Block], string, error) {
	if err := r.checkReadBack(); err != nil {
		return nil, reconcile.Outcome[Block]{}, "", err
	}

	blocks := Parse(current)
	desired := Block{Name: r.Name, Header: true, Raw: r.Render(nil)}

	// Keep unmanaged keys and the trailing comments of an existing section.
	for _, b := range blocks {
		if b.Header && b.Name == r.Name {
			kvs, _ := b.Values()
			desired.Raw = append(r.Render(kvs), b.trailer()...)
			break
		}
	}

	equal := func(cur, want Block) bool { return r.Matches(cur) }
	next, outcome := reconcile.Reconcile(blocks, desired, r.Name, blockKey, equal)

	if outcome.Action == reconcile.Create && outcome.Index > 0 {
		next[outcome.Index].Raw = append(separator(next[outcome.Index-1].Raw), next[outcome.Index].Raw...)
	}

	if outcome.Action == reconcile.None {
		return current, outcome, "", nil
	}
	return Join(next), outcome, describe(r, outcome.Previous), nil
}

// checkReadBack parses the rendered section and requires every managed key
// to appear once with exactly its value. Otherwise the section would never
// match and be rewritten on every run.
func (r Remote) checkReadBack() error {
	kvs, err := Block{Name: r.Name, Header: true, Raw: r.Render(nil)}.Values()
	if err != nil {
		return apperr.New(apperr.KindConfig, "render rclone remote "+r.Name, err)
	}

	count := make(map[string]int, len(kvs))
	have := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		count[kv.Key]++
		have[kv.Key] = kv.Value
	}
	for _, f := range r.Fields() {
		if count[f.Key] != 1 || have[f.Key] != f.Value {
			return apperr.Config("value of %s cannot be stored in the rclone config unchanged", f.Key)
		}
	}
	if len(kvs) != len(r.Fields()) {
		return apperr.Config("rclone remote %s renders unexpected keys", r.Name)
	}
	return nil
}

// separator returns what must precede a section appended after prev so the
// file keeps one blank line between sections.
func separator(prev []byte) []byte {
	switch {
	case len(prev) == 0:
		return nil
	case !bytes.HasSuffix(prev, []byte("\n")):
		return []byte("\n\n")
	case bytes.HasSuffix(prev, []byte("\n\n")):
		return nil
	default:
		return []byte("\n")
	}
}

// describe renders a field-level diff with secrets redacted.
func describe(r Remote, prev *Block) string {
	var sb strings.Builder
	old := make(map[string]string)
	if prev != nil {
		kvs, _ := prev.Values()
		for _, kv := range kvs {
			old[kv.Key] = kv.Value
		}
	}

	for _, f := range r.Fields() {
		show := func(v string) string {
			if f.Secret {
				return utils.Mask(v)
			}
			return v
		}
		was, ok := old[f.Key]
		switch {
		case prev == nil || !ok:
			fmt.Fprintf(&sb, "  + %s = %s\n", f.Key, show(f.Value))
		case was != f.Value:
			if f.Secret {
				fmt.Fprintf(&sb, "  ~ %s changed\n", f.Key)
			} else {
				fmt.Fprintf(&sb, "  ~ %s: %s -> %s\n", f.Key, was, f.Value)
			}
		}
	}
	if sb.Len() == 0 {
		sb.WriteString("  ~ duplicate sections removed\n")
	}
	return sb.String()
}

// Writer keeps the remote section of one rclone config file up to date.
type Writer struct {
	path   string
	remote Remote
	logger *slog.Logger
}

// NewWriter creates a writer for the config file at path.
func NewWriter(path string, remote Remote, logger *slog.Logger) *Writer {
	return &Writer{
		path:   path,
		remote: remote,
		logger: logger.With("component", "remote-config"),
	}
}

// Name implements backup.Artifact.
func (w *Writer) Name() string {
	return "rclone config"
}

// Reconcile brings the config file in line with the remote. In dry-run mode
// nothing is written.
func (w *Writer) Reconcile(ctx context.Context, dryRun bool) (*reconcile.Result, error) {
	current, exists, err := utils.ReadFileIfExists(w.path)
	if err != nil {
		return nil, apperr.IO("read rclone config "+w.path, err)
	}

	next, outcome, diff, err := Plan(current, w.remote)
	if err != nil {
		return nil, err
	}
	result := &reconcile.Result{
		Artifact: w.Name(),
		Path:     w.path,
		Action:   outcome.Action,
		DryRun:   dryRun,
		Diff:     diff,
	}

	w.logger.Debug("Planned rclone config change",
		"path", w.path,
		"remote", w.remote.Name,
		"exists", exists,
		"action", outcome.Action.String(),
		"duplicates_removed", outcome.Removed,
	)

	if outcome.Action == reconcile.None {
		if exists {
			if fixed, err := w.tightenMode(dryRun); err != nil {
				return nil, err
			} else if fixed {
				result.Action = reconcile.Update
				result.Diff = fmt.Sprintf("  ~ mode -> %04o\n", FileMode)
			}
		}
		return result, nil
	}

	if dryRun {
		return result, nil
	}

	if err := os.MkdirAll(filepath.Dir(w.path), DirMode); err != nil {
		return nil, apperr.IO("create rclone config directory", err)
	}
	if err := utils.WriteFileAtomic(w.path, next, FileMode); err != nil {
		return nil, apperr.IO("write rclone config "+w.path, err)
	}

	w.logger.Info("Wrote rclone config", "path", w.path, "remote", w.remote.Name, "action", outcome.Action.String())
	return result, nil
}

// tightenMode restricts an existing file to its owner when group or other
// bits are set.
func (w *Writer) tightenMode(dryRun bool) (bool, error) {
	mode, err := utils.FileMode(w.path)
	if err != nil {
		return false, apperr.IO("stat rclone config "+w.path, err)
	}
	if mode&0o077 == 0 {
		return false, nil
	}
	if dryRun {
		return true, nil
	}
	if err := os.Chmod(w.path, FileMode); err != nil {
		return false, apperr.IO("chmod rclone config "+w.path, err)
	}
	w.logger.Info("Restricted rclone config permissions", "path", w.path, "old_mode", fmt.Sprintf("%04o", mode))
	return true, nil
}
