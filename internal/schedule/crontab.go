package schedule

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/imedwei/rclone-backup-setup/internal/apperr"
)

// Table reads and replaces the user's scheduler table as a whole.
type Table interface {
	// Read returns the current table. A user without a table gets nil, nil.
	Read(ctx context.Context) ([]byte, error)

	// Write installs data as the new table.
	Write(ctx context.Context, data []byte) error
}

// CrontabTable manages the invoking user's table through the crontab command.
type CrontabTable struct {
	binary string
}

// NewCrontabTable creates a table backed by the crontab binary. An empty
// binary means "crontab" looked up on PATH.
func NewCrontabTable(binary string) *CrontabTable {
	if binary == "" {
		binary = "crontab"
	}
	return &CrontabTable{binary: binary}
}

// Read implements Table using "crontab -l".
func (c *CrontabTable) Read(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.binary, "-l")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && strings.Contains(strings.ToLower(stderr.String()), "no crontab") {
			return nil, nil
		}
		return nil, apperr.Scheduler("read crontab", withOutput(err, stderr.Bytes()))
	}
	return out, nil
}

// Write implements Table using "crontab -", which replaces the whole table.
func (c *CrontabTable) Write(ctx context.Context, data []byte) error {
	cmd := exec.CommandContext(ctx, c.binary, "-")
	cmd.Stdin = bytes.NewReader(data)

	if out, err := cmd.CombinedOutput(); err != nil {
		return apperr.Scheduler("install crontab", withOutput(err, out))
	}
	return nil
}

func withOutput(err error, output []byte) error {
	msg := strings.TrimSpace(string(output))
	if msg == "" {
		return err
	}
	return fmt.Errorf("%w (output: %s)", err, msg)
}
