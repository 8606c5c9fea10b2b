// Package config resolves the run settings from command-line flags,
// environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/imedwei/rclone-backup-setup/internal/apperr"
	"github.com/imedwei/rclone-backup-setup/internal/utils"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Setting keys. Each key is also the long flag name.
const (
	KeySource       = "source"
	KeyRemote       = "remote"
	KeyBucket       = "bucket"
	KeyEndpoint     = "endpoint"
	KeyAccessKey    = "access-key"
	KeySecretKey    = "secret-key"
	KeyCron         = "cron"
	KeyVerbose      = "verbose"
	KeyDryRun       = "dry-run"
	KeyRcloneConfig = "rclone-config"
	KeyScript       = "script"
	KeyLogFile      = "log-file"
	KeyMetricsFile  = "metrics-file"
)

// Built-in defaults.
const (
	DefaultSource   = "/path/to/backup/source"
	DefaultRemote   = "minio"
	DefaultBucket   = "backup-bucket"
	DefaultEndpoint = "http://minio.local:9000"
	DefaultCron     = "0 * * * *"

	DefaultScriptName = "rclone_backup.sh"
	DefaultLogName    = "rclone_backup.log"
)

// Settings holds the resolved configuration for one run. It is not modified
// after Load returns.
type Settings struct {
	SourcePath     string
	RemoteName     string
	BucketName     string
	EndpointURL    string
	AccessKey      utils.Secret
	SecretKey      utils.Secret
	CronExpression string

	Verbose bool
	DryRun  bool

	// Artifact locations
	RcloneConfigPath string
	ScriptPath       string
	LogFilePath      string

	// MetricsFile is a node_exporter textfile collector path. Empty disables it.
	MetricsFile string
}

type option struct {
	key   string
	env   string
	usage string
}

// stringOptions lists the string settings with an environment fallback.
var stringOptions = []option{
	{KeySource, "BACKUP_SOURCE", "Local directory to back up"},
	{KeyRemote, "RCLONE_REMOTE", "Rclone remote name"},
	{KeyBucket, "REMOTE_BUCKET", "Remote bucket/container name"},
	{KeyEndpoint, "MINIO_ENDPOINT", "MinIO server endpoint URL"},
	{KeyAccessKey, "MINIO_ACCESS_KEY", "MinIO access key (required)"},
	{KeySecretKey, "MINIO_SECRET_KEY", "MinIO secret key (required)"},
	{KeyCron, "CRON_SCHEDULE", "Cron schedule expression"},
	{KeyRcloneConfig, "RCLONE_CONFIG", "Path of the rclone config file"},
	{KeyScript, "BACKUP_SCRIPT", "Path of the generated backup script"},
	{KeyLogFile, "BACKUP_LOG_FILE", "Log file used by the backup script"},
	{KeyMetricsFile, "METRICS_FILE", "Write run metrics to this Prometheus textfile"},
}

// RegisterFlags adds every setting to fs. Defaults live in viper (see Bind),
// so the flags themselves default to empty.
func RegisterFlags(fs *pflag.FlagSet) {
	for _, o := range stringOptions {
		fs.String(o.key, "", fmt.Sprintf("%s (env %s)", o.usage, o.env))
	}
	fs.BoolP(KeyVerbose, "v", false, "Enable verbose logging")
	fs.BoolP(KeyDryRun, "d", false, "Dry-run mode (show actions without making changes)")
}

// Defaults returns the built-in default for every string setting. Artifact
// paths are derived from home.
func Defaults(home string) map[string]string {
	return map[string]string{
		KeySource:       DefaultSource,
		KeyRemote:       DefaultRemote,
		KeyBucket:       DefaultBucket,
		KeyEndpoint:     DefaultEndpoint,
		KeyCron:         DefaultCron,
		KeyRcloneConfig: filepath.Join(home, ".config", "rclone", "rclone.conf"),
		KeyScript:       filepath.Join(home, DefaultScriptName),
		KeyLogFile:      filepath.Join(home, DefaultLogName),
	}
}

// Bind wires fs, the environment and defaults into v with the precedence
// flag > environment > default. verbose and dry-run have no environment
// variable.
func Bind(v *viper.Viper, fs *pflag.FlagSet, home string) error {
	for key, value := range Defaults(home) {
		v.SetDefault(key, value)
	}

	for _, o := range stringOptions {
		if err := v.BindEnv(o.key, o.env); err != nil {
			return fmt.Errorf("failed to bind env %s: %w", o.env, err)
		}
	}

	for _, key := range append(optionKeys(), KeyVerbose, KeyDryRun) {
		flag := fs.Lookup(key)
		if flag == nil {
			return fmt.Errorf("flag --%s is not registered", key)
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", key, err)
		}
	}

	return nil
}

func optionKeys() []string {
	keys := make([]string, 0, len(stringOptions))
	for _, o := range stringOptions {
		keys = append(keys, o.key)
	}
	return keys
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is an error only when required is true.
func LoadEnvFile(path string, required bool) (bool, error) {
	if err := godotenv.Load(path); err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, apperr.New(apperr.KindConfig, "load env file "+path, err)
	}
	return true, nil
}

// Load reads the settings from v and validates them.
func Load(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		SourcePath:       strings.TrimSpace(v.GetString(KeySource)),
		RemoteName:       strings.TrimSpace(v.GetString(KeyRemote)),
		BucketName:       strings.TrimSpace(v.GetString(KeyBucket)),
		EndpointURL:      strings.TrimSpace(v.GetString(KeyEndpoint)),
		AccessKey:        utils.Secret(strings.TrimSpace(v.GetString(KeyAccessKey))),
		SecretKey:        utils.Secret(strings.TrimSpace(v.GetString(KeySecretKey))),
		CronExpression:   strings.Join(strings.Fields(v.GetString(KeyCron)), " "),
		Verbose:          v.GetBool(KeyVerbose),
		DryRun:           v.GetBool(KeyDryRun),
		RcloneConfigPath: v.GetString(KeyRcloneConfig),
		ScriptPath:       v.GetString(KeyScript),
		LogFilePath:      v.GetString(KeyLogFile),
		MetricsFile:      v.GetString(KeyMetricsFile),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	// Paths end up in the crontab and the script, which run from another cwd.
	for _, p := range []*string{&s.SourcePath, &s.RcloneConfigPath, &s.ScriptPath, &s.LogFilePath} {
		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, apperr.New(apperr.KindConfig, "resolve path "+*p, err)
		}
		*p = abs
	}

	return s, nil
}

// Validate checks the settings. Credentials are checked first so a missing
// key is reported before anything touches the filesystem.
func (s *Settings) Validate() error {
	if s.AccessKey.Reveal() == "" {
		return apperr.Config("MinIO access key must not be empty (--access-key or MINIO_ACCESS_KEY)")
	}
	if s.SecretKey.Reveal() == "" {
		return apperr.Config("MinIO secret key must not be empty (--secret-key or MINIO_SECRET_KEY)")
	}
	// Credentials end up on a single ini line; the value is never echoed.
	if hasControl(s.AccessKey.Reveal()) {
		return apperr.Config("MinIO access key must not contain control characters")
	}
	if hasControl(s.SecretKey.Reveal()) {
		return apperr.Config("MinIO secret key must not contain control characters")
	}

	if err := validateRemoteName(s.RemoteName); err != nil {
		return err
	}
	if s.BucketName == "" || strings.ContainsAny(s.BucketName, "\r\n") {
		return apperr.Config("bucket name must be a non-empty single line")
	}
	if err := validateEndpoint(s.EndpointURL); err != nil {
		return err
	}
	if err := ValidateCron(s.CronExpression); err != nil {
		return err
	}
	if err := validateSource(s.SourcePath); err != nil {
		return err
	}

	for name, p := range map[string]string{
		"rclone config path": s.RcloneConfigPath,
		"script path":        s.ScriptPath,
		"log file path":      s.LogFilePath,
	} {
		if p == "" || strings.ContainsAny(p, "\r\n") {
			return apperr.Config("%s must be a non-empty single line", name)
		}
	}
	// cron turns an unescaped % into a newline.
	if strings.Contains(s.ScriptPath, "%") {
		return apperr.Config("script path must not contain '%%': %s", s.ScriptPath)
	}

	return nil
}

func validateRemoteName(name string) error {
	if name == "" {
		return apperr.Config("remote name must not be empty")
	}
	if strings.ContainsAny(name, "[]:;#\r\n\t ") {
		return apperr.Config("invalid remote name %q: must not contain brackets, colons, comment characters or whitespace", name)
	}
	return nil
}

func validateEndpoint(endpoint string) error {
	if hasControl(endpoint) {
		return apperr.Config("endpoint URL must not contain control characters")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return apperr.New(apperr.KindConfig, "invalid endpoint URL", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.Config("invalid endpoint URL %q: must be an absolute http or https URL", endpoint)
	}
	return nil
}

// hasControl reports whether s contains a control character such as a
// newline or tab.
func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}

// ValidateCron checks that expr is a well-formed five-field cron expression.
// Descriptors such as @hourly are rejected.
func ValidateCron(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return apperr.Config("cron schedule must have exactly 5 fields, got %q", expr)
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return apperr.New(apperr.KindConfig, fmt.Sprintf("invalid cron schedule %q", expr), err)
	}
	return nil
}

func validateSource(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return apperr.Config("backup source directory does not exist: %s", path)
		}
		return apperr.New(apperr.KindConfig, "stat backup source "+path, err)
	}
	if !info.IsDir() {
		return apperr.Config("backup source is not a directory: %s", path)
	}

	dir, err := os.Open(path)
	if err != nil {
		return apperr.New(apperr.KindConfig, "backup source is not readable: "+path, err)
	}
	_ = dir.Close()

	return nil
}

// LogValue implements slog.LogValuer. Credentials are redacted.
func (s *Settings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("source", s.SourcePath),
		slog.String("remote", s.RemoteName),
		slog.String("bucket", s.BucketName),
		slog.String("endpoint", s.EndpointURL),
		slog.Any("access_key", s.AccessKey),
		slog.Any("secret_key", s.SecretKey),
		slog.String("cron", s.CronExpression),
		slog.Bool("dry_run", s.DryRun),
		slog.String("rclone_config", s.RcloneConfigPath),
		slog.String("script", s.ScriptPath),
		slog.String("log_file", s.LogFilePath),
	)
}
