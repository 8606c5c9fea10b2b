package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/imedwei/rclone-backup-setup/internal/schedule"
)

const fakeRclone = `#!/bin/sh
echo "rclone v1.66.0"
echo "- os/version: test"
`

const fakeCrontab = `#!/bin/sh
case "$1" in
-l)
	if [ -f "$FAKE_CRONTAB_FILE" ]; then
		cat "$FAKE_CRONTAB_FILE"
	else
		echo "no crontab for tester" >&2
		exit 1
	fi
	;;
-)
	if [ -n "$FAKE_CRONTAB_FAIL" ]; then
		echo "crontab: installing new crontab failed" >&2
		exit 1
	fi
	cat > "$FAKE_CRONTAB_FILE"
	;;
esac
`

const secretValue = "s3cr3t-value"

type env struct {
	home   string
	source string
	table  string
}

// newEnv isolates HOME, the working directory and PATH. withRclone controls
// whether a fake rclone is installed.
func newEnv(t *testing.T, withRclone bool) *env {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binaries need /bin/sh")
	}

	root := t.TempDir()
	e := &env{
		home:   filepath.Join(root, "home"),
		source: filepath.Join(root, "data"),
		table:  filepath.Join(root, "crontab.txt"),
	}
	bin := filepath.Join(root, "bin")
	for _, dir := range []string{e.home, e.source, bin} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	fakes := map[string]string{"crontab": fakeCrontab}
	if withRclone {
		fakes["rclone"] = fakeRclone
	}
	for name, body := range fakes {
		if err := os.WriteFile(filepath.Join(bin, name), []byte(body), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	// The fake crontab needs cat from the system directories. Without a fake
	// rclone, PATH is limited to bin so a system rclone is not found.
	path := bin
	if withRclone {
		path += string(os.PathListSeparator) + "/bin" + string(os.PathListSeparator) + "/usr/bin"
	}
	t.Setenv("PATH", path)
	t.Setenv("HOME", e.home)
	t.Setenv("FAKE_CRONTAB_FILE", e.table)
	t.Setenv("FAKE_CRONTAB_FAIL", "")
	for _, key := range []string{
		"BACKUP_SOURCE", "RCLONE_REMOTE", "REMOTE_BUCKET", "MINIO_ENDPOINT",
		"MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "CRON_SCHEDULE",
		"RCLONE_CONFIG", "BACKUP_SCRIPT", "BACKUP_LOG_FILE", "METRICS_FILE",
	} {
		t.Setenv(key, "")
	}
	testChdir(t, root)
	return e
}

func (e *env) args(extra ...string) []string {
	return append([]string{
		"--source", e.source,
		"--access-key", "AK",
		"--secret-key", secretValue,
		"--cron", "0 2 * * *",
	}, extra...)
}

func runCLI(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = execute(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestExecute_FreshRunThenRerun(t *testing.T) {
	e := newEnv(t, true)

	code, stdout, stderr := runCLI(t, e.args()...)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr)
	}
	for _, want := range []string{"Setup complete!", "Remember to keep your access keys secure."} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout missing %q:\n%s", want, stdout)
		}
	}
	if strings.Contains(stdout, "dry-run") {
		t.Errorf("unexpected dry-run output:\n%s", stdout)
	}

	confPath := filepath.Join(e.home, ".config", "rclone", "rclone.conf")
	if _, err := os.Stat(confPath); err != nil {
		t.Errorf("rclone config not written: %v", err)
	}
	scriptPath := filepath.Join(e.home, "rclone_backup.sh")
	body, err := os.ReadFile(scriptPath)
	if err != nil {
		t.Fatalf("script not written: %v", err)
	}
	if !strings.Contains(string(body), "'minio:backup-bucket'") {
		t.Errorf("script does not use the default destination:\n%s", body)
	}
	table, err := os.ReadFile(e.table)
	if err != nil {
		t.Fatalf("crontab not installed: %v", err)
	}
	if want := "0 2 * * * " + scriptPath + " " + schedule.Marker + "\n"; string(table) != want {
		t.Errorf("crontab = %q, want %q", table, want)
	}

	code, stdout, stderr = runCLI(t, e.args()...)
	if code != 0 {
		t.Fatalf("second run exit code = %d, stderr:\n%s", code, stderr)
	}
	if n := strings.Count(stdout, "no change"); n != 3 {
		t.Errorf("second run reported %d unchanged artifacts, want 3:\n%s", n, stdout)
	}

	if strings.Contains(stdout+stderr, secretValue) {
		t.Error("secret key printed")
	}
}

func TestExecute_DryRun(t *testing.T) {
	e := newEnv(t, true)

	code, stdout, stderr := runCLI(t, e.args("--dry-run", "--verbose")...)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr)
	}
	if !strings.Contains(stdout, "(dry-run mode - no changes were made)") {
		t.Errorf("stdout missing dry-run notice:\n%s", stdout)
	}
	if !strings.Contains(stdout, "would create") {
		t.Errorf("stdout missing planned actions:\n%s", stdout)
	}
	if strings.Contains(stdout+stderr, secretValue) {
		t.Error("secret key printed in dry-run preview")
	}

	entries, err := os.ReadDir(e.home)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("dry run created files in home: %v", entries)
	}
	if _, err := os.Stat(e.table); !errors.Is(err, os.ErrNotExist) {
		t.Error("dry run installed a crontab")
	}
}

func TestExecute_ExitCodes(t *testing.T) {
	tests := []struct {
		name       string
		withRclone bool
		args       func(e *env) []string
		crontabErr bool
		wantCode   int
		wantStderr string
	}{
		{
			name:       "missing credentials",
			withRclone: true,
			args: func(e *env) []string {
				return []string{"--source", e.source}
			},
			wantCode:   2,
			wantStderr: "configuration error",
		},
		{
			name:       "unknown flag",
			withRclone: true,
			args: func(e *env) []string {
				return e.args("--no-such-flag")
			},
			wantCode:   2,
			wantStderr: "no-such-flag",
		},
		{
			name:       "invalid cron",
			withRclone: true,
			args: func(e *env) []string {
				return append(e.args(), "--cron", "61 * * * *")
			},
			wantCode:   2,
			wantStderr: "configuration error",
		},
		{
			name:       "rclone missing",
			withRclone: false,
			args: func(e *env) []string {
				return e.args()
			},
			wantCode:   3,
			wantStderr: "prerequisite missing",
		},
		{
			name:       "crontab install fails",
			withRclone: true,
			args: func(e *env) []string {
				return e.args()
			},
			crontabErr: true,
			wantCode:   5,
			wantStderr: "scheduler error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, tt.withRclone)
			if tt.crontabErr {
				t.Setenv("FAKE_CRONTAB_FAIL", "1")
			}

			code, stdout, stderr := runCLI(t, tt.args(e)...)
			if code != tt.wantCode {
				t.Errorf("exit code = %d, want %d\nstderr:\n%s", code, tt.wantCode, stderr)
			}
			if !strings.Contains(stderr, tt.wantStderr) {
				t.Errorf("stderr missing %q:\n%s", tt.wantStderr, stderr)
			}
			if strings.Contains(stdout, "Setup complete!") {
				t.Error("failed run reported success")
			}
		})
	}
}

func TestExecute_SchedulerDiagnosticWithoutVerbose(t *testing.T) {
	e := newEnv(t, true)
	t.Setenv("FAKE_CRONTAB_FAIL", "1")

	code, _, stderr := runCLI(t, e.args()...)
	if code != 5 {
		t.Fatalf("exit code = %d, want 5\nstderr:\n%s", code, stderr)
	}
	if !strings.Contains(stderr, "installing new crontab failed") {
		t.Errorf("crontab diagnostic missing from stderr:\n%s", stderr)
	}
	if strings.Contains(stderr, secretValue) {
		t.Error("secret key printed")
	}
}

func TestExecute_NothingWrittenWithoutCredentials(t *testing.T) {
	e := newEnv(t, true)

	code, _, _ := runCLI(t, "--source", e.source, "--access-key", "  ")
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	entries, err := os.ReadDir(e.home)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("files created without credentials: %v", entries)
	}
}

func TestExecute_EnvFile(t *testing.T) {
	e := newEnv(t, true)
	// godotenv does not override variables that are present, even empty.
	os.Unsetenv("MINIO_ACCESS_KEY")
	os.Unsetenv("MINIO_SECRET_KEY")
	os.Unsetenv("REMOTE_BUCKET")

	envFile := filepath.Join(t.TempDir(), "backup.env")
	content := "MINIO_ACCESS_KEY=AK\nMINIO_SECRET_KEY=" + secretValue + "\nREMOTE_BUCKET=from-env\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := runCLI(t, "--env-file", envFile, "--source", e.source)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr)
	}
	body, err := os.ReadFile(filepath.Join(e.home, "rclone_backup.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(body), "'minio:from-env'") {
		t.Errorf("bucket from env file not used:\n%s", body)
	}
}

func TestExecute_MissingEnvFileIsConfigError(t *testing.T) {
	e := newEnv(t, true)

	code, _, stderr := runCLI(t, e.args("--env-file", filepath.Join(e.home, "missing.env"))...)
	if code != 2 {
		t.Errorf("exit code = %d, want 2\nstderr:\n%s", code, stderr)
	}
}

func TestExecute_MetricsFile(t *testing.T) {
	e := newEnv(t, true)
	metricsFile := filepath.Join(t.TempDir(), "setup.prom")

	code, _, stderr := runCLI(t, e.args("--metrics-file", metricsFile)...)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr)
	}
	data, err := os.ReadFile(metricsFile)
	if err != nil {
		t.Fatalf("metrics file not written: %v", err)
	}
	if !strings.Contains(string(data), "rclone_backup_setup_runs_total") {
		t.Errorf("metrics file missing run counter:\n%s", data)
	}
}

func TestVersionCommand(t *testing.T) {
	code, stdout, _ := runCLI(t, "version")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	for _, want := range []string{"Version:", "Commit:", "Build Date:"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("version output missing %q:\n%s", want, stdout)
		}
	}
}

// testChdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func testChdir(t *testing.T, dir string) {
	t.Helper()
	oldwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(oldwd); err != nil {
			t.Fatal(err)
		}
	})
}
