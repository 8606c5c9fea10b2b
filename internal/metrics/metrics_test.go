package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

func TestRecordArtifact(t *testing.T) {
	before := testutil.ToFloat64(ArtifactChanges.WithLabelValues("backup script", "create"))
	RecordArtifact("backup script", "create")
	after := testutil.ToFloat64(ArtifactChanges.WithLabelValues("backup script", "create"))

	if after-before != 1 {
		t.Errorf("counter increased by %v, want 1", after-before)
	}
}

func TestRecordRun(t *testing.T) {
	before := testutil.ToFloat64(RunAttempts.WithLabelValues("failure"))
	RecordRun(false)
	if got := testutil.ToFloat64(RunAttempts.WithLabelValues("failure")); got-before != 1 {
		t.Errorf("failure counter increased by %v, want 1", got-before)
	}

	if ts := testutil.ToFloat64(LastFailureTimestamp); ts < float64(time.Now().Add(-time.Minute).Unix()) {
		t.Errorf("last failure timestamp not updated: %v", ts)
	}

	RecordRun(true)
	if ts := testutil.ToFloat64(LastSuccessTimestamp); ts < float64(time.Now().Add(-time.Minute).Unix()) {
		t.Errorf("last success timestamp not updated: %v", ts)
	}
}

// freshProcess clears every recorded value, as a new process starts with.
func freshProcess(t *testing.T) {
	t.Helper()
	reset := func() {
		RunAttempts.Reset()
		ArtifactChanges.Reset()
		PrerequisiteMissing.Reset()
		LastSuccessTimestamp.Set(0)
		LastFailureTimestamp.Set(0)
	}
	reset()
	t.Cleanup(reset)
}

func readTextfile(t *testing.T, path string) map[string]*dto.MetricFamily {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(f)
	if err != nil {
		t.Fatalf("parse textfile: %v", err)
	}
	return families
}

func value(t *testing.T, families map[string]*dto.MetricFamily, name, label string) float64 {
	t.Helper()
	mf, ok := families[name]
	if !ok {
		t.Fatalf("textfile missing %s", name)
	}
	for _, m := range mf.GetMetric() {
		matches := label == ""
		for _, lp := range m.GetLabel() {
			if lp.GetValue() == label {
				matches = true
			}
		}
		if !matches {
			continue
		}
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		return m.GetGauge().GetValue()
	}
	t.Fatalf("%s has no series labelled %q", name, label)
	return 0
}

func TestRestore_FailedRunKeepsLastSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rclone_backup_setup.prom")
	const lastSuccess = 1700000000

	// First process: a successful run.
	freshProcess(t)
	if err := Restore(path); err != nil {
		t.Fatalf("Restore() without a file error = %v", err)
	}
	RecordRun(true)
	RecordArtifact("backup script", "create")
	LastSuccessTimestamp.Set(lastSuccess)
	if err := WriteTextfile(path); err != nil {
		t.Fatal(err)
	}

	// Second process: a failed run.
	freshProcess(t)
	if err := Restore(path); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	RecordRun(false)
	if err := WriteTextfile(path); err != nil {
		t.Fatal(err)
	}

	families := readTextfile(t, path)
	if got := value(t, families, "rclone_backup_setup_last_success_timestamp", ""); got != lastSuccess {
		t.Errorf("last_success_timestamp = %v, want %v", got, float64(lastSuccess))
	}
	if got := value(t, families, "rclone_backup_setup_last_failure_timestamp", ""); got < float64(time.Now().Add(-time.Minute).Unix()) {
		t.Errorf("last_failure_timestamp = %v, want the failed run's time", got)
	}
	if got := value(t, families, "rclone_backup_setup_runs_total", "success"); got != 1 {
		t.Errorf("runs_total{status=success} = %v, want 1", got)
	}
	if got := value(t, families, "rclone_backup_setup_runs_total", "failure"); got != 1 {
		t.Errorf("runs_total{status=failure} = %v, want 1", got)
	}
	if got := value(t, families, "rclone_backup_setup_artifact_changes_total", "backup script"); got != 1 {
		t.Errorf("artifact_changes_total{artifact=backup script} = %v, want 1", got)
	}

	// Third process: counters keep accumulating.
	freshProcess(t)
	if err := Restore(path); err != nil {
		t.Fatal(err)
	}
	RecordRun(true)
	if got := testutil.ToFloat64(RunAttempts.WithLabelValues("success")); got != 2 {
		t.Errorf("runs_total{status=success} after restore = %v, want 2", got)
	}
}

func TestRestore_UnparsableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rclone_backup_setup.prom")
	if err := os.WriteFile(path, []byte("not a metric line {\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := Restore(path); err == nil {
		t.Error("Restore() error = nil, want a parse error")
	}
}

func TestWriteTextfile(t *testing.T) {
	ObserveState("write_script", 5*time.Millisecond)
	RecordArtifact("crontab entry", "no change")

	path := filepath.Join(t.TempDir(), "rclone_backup_setup.prom")
	if err := WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, name := range []string{
		"rclone_backup_setup_artifact_changes_total",
		"rclone_backup_setup_duration_seconds",
	} {
		if !strings.Contains(out, name) {
			t.Errorf("textfile missing %s:\n%s", name, out)
		}
	}
}
