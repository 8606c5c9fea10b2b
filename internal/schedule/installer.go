// Package schedule installs the cron entry that runs the backup script.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/imedwei/rclone-backup-setup/internal/reconcile"
	"github.com/imedwei/rclone-backup-setup/internal/utils"
)

// Marker tags the one line this tool owns in a shared table.
const Marker = "# rclone-backup-setup"

// Entry is a scheduler line without its marker.
type Entry struct {
	Schedule string
	Command  string
}

// NewEntry builds the entry that runs scriptPath on schedule.
func NewEntry(schedule, scriptPath string) Entry {
	return Entry{
		Schedule: strings.Join(strings.Fields(schedule), " "),
		Command:  quoteIfNeeded(scriptPath),
	}
}

// Line renders the entry with the trailing marker.
func (e Entry) Line() string {
	return e.Schedule + " " + e.Command + " " + Marker
}

// Equal compares schedule and command with whitespace runs collapsed.
func (e Entry) Equal(o Entry) bool {
	return normalize(e.Schedule) == normalize(o.Schedule) && normalize(e.Command) == normalize(o.Command)
}

// ParseEntry recognizes a line carrying the marker. Commented-out lines are
// not entries.
func ParseEntry(text string) (Entry, bool) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "#") || !strings.HasSuffix(s, Marker) {
		return Entry{}, false
	}

	fields := strings.Fields(strings.TrimSuffix(s, Marker))
	n := 5
	if len(fields) > 0 && strings.HasPrefix(fields[0], "@") {
		n = 1
	}
	if len(fields) <= n {
		return Entry{Schedule: strings.Join(fields, " ")}, true
	}
	return Entry{
		Schedule: strings.Join(fields[:n], " "),
		Command:  strings.Join(fields[n:], " "),
	}, true
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// quoteIfNeeded quotes paths that the shell cron uses would split or expand.
func quoteIfNeeded(path string) string {
	if strings.ContainsAny(path, " \t'\"$`\\;&|<>()*?[]#~!{}") {
		return utils.ShellQuote(path)
	}
	return path
}

// Line is one raw line of the scheduler table.
type Line string

func lineKey(l Line) (string, bool) {
	if _, ok := ParseEntry(string(l)); ok {
		return Marker, true
	}
	return "", false
}

func lineEqual(cur, want Line) bool {
	a, _ := ParseEntry(string(cur))
	b, _ := ParseEntry(string(want))
	return a.Equal(b)
}

func splitLines(data []byte) []Line {
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil
	}
	parts := strings.Split(text, "\n")
	lines := make([]Line, len(parts))
	for i, p := range parts {
		lines[i] = Line(p)
	}
	return lines
}

func joinLines(lines []Line) []byte {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(string(l))
		sb.WriteByte('\n')
	}
	return []byte(sb.String())
}

// Plan computes the new table for current. Lines without the marker are
// kept verbatim and in order.
func Plan(current []byte, entry Entry) ([]byte, reconcile.Outcome[Line], string) {
	lines := splitLines(current)
	desired := Line(entry.Line())
	next, outcome := reconcile.Reconcile(lines, desired, Marker, lineKey, lineEqual)

	var diff strings.Builder
	switch outcome.Action {
	case reconcile.Create:
		fmt.Fprintf(&diff, "  + %s\n", desired)
	case reconcile.Update:
		if string(*outcome.Previous) != string(next[outcome.Index]) {
			fmt.Fprintf(&diff, "  ~ %s\n    -> %s\n", *outcome.Previous, desired)
		} else {
			fmt.Fprintf(&diff, "  = %s\n", desired)
		}
	default:
		fmt.Fprintf(&diff, "  = %s\n", next[outcome.Index])
	}
	if outcome.Removed > 0 {
		fmt.Fprintf(&diff, "  - %d duplicate entr%s removed\n", outcome.Removed, plural(outcome.Removed))
	}

	if outcome.Action == reconcile.None {
		return current, outcome, diff.String()
	}
	return joinLines(next), outcome, diff.String()
}

func plural(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}

// Installer keeps one marker-tagged entry in a Table.
type Installer struct {
	table  Table
	entry  Entry
	logger *slog.Logger
}

// NewInstaller creates an installer that schedules scriptPath.
func NewInstaller(table Table, schedule, scriptPath string, logger *slog.Logger) *Installer {
	return &Installer{
		table:  table,
		entry:  NewEntry(schedule, scriptPath),
		logger: logger.With("component", "scheduler"),
	}
}

// Name implements backup.Artifact.
func (i *Installer) Name() string {
	return "crontab entry"
}

// Reconcile reads the table, and writes it back only when the entry is
// missing or differs. Dry-run never writes.
func (i *Installer) Reconcile(ctx context.Context, dryRun bool) (*reconcile.Result, error) {
	current, err := i.table.Read(ctx)
	if err != nil {
		return nil, err
	}

	next, outcome, diff := Plan(current, i.entry)
	result := &reconcile.Result{
		Artifact: i.Name(),
		Path:     "crontab",
		Action:   outcome.Action,
		DryRun:   dryRun,
		Diff:     diff,
	}

	i.logger.Debug("Planned crontab change",
		"action", outcome.Action.String(),
		"existing_lines", len(splitLines(current)),
		"duplicates_removed", outcome.Removed,
	)

	if outcome.Action == reconcile.None || dryRun {
		return result, nil
	}

	if err := i.table.Write(ctx, next); err != nil {
		return nil, err
	}

	i.logger.Info("Updated crontab",
		"action", outcome.Action.String(),
		"schedule", i.entry.Schedule,
		"command", i.entry.Command,
	)
	return result, nil
}
