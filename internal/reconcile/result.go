package reconcile

import (
	"fmt"
	"io"
	"strings"
)

// Result reports one writer's outcome.
type Result struct {
	// Artifact is a short human label, for example "rclone config".
	Artifact string
	// Path identifies the artifact: a file path or "crontab".
	Path   string
	Action Action
	DryRun bool
	// Diff is a human-readable preview of the change with secrets redacted.
	Diff string
}

// Changed reports whether the artifact was, or would be, modified.
func (r Result) Changed() bool {
	return r.Action != None
}

// Print writes a one-line summary and, when withDiff is set, the diff.
func (r Result) Print(w io.Writer, withDiff bool) {
	prefix := ""
	if r.DryRun {
		prefix = "(dry-run) "
	}
	fmt.Fprintf(w, "%s%s: %s (%s)\n", prefix, r.Artifact, r.Action.Verb(r.DryRun), r.Path)

	if withDiff && r.Diff != "" {
		diff := r.Diff
		if !strings.HasSuffix(diff, "\n") {
			diff += "\n"
		}
		fmt.Fprint(w, diff)
	}
}
