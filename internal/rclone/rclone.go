// Package rclone locates the rclone binary and reports its version.
package rclone

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// Binary is the executable name looked up on PATH.
const Binary = "rclone"

// LookPathFunc resolves an executable name to a path.
type LookPathFunc func(file string) (string, error)

// Version represents an rclone release.
type Version struct {
	Major int
	Minor int
	Patch int
	Full  string
}

func (v *Version) String() string {
	return fmt.Sprintf("v%d.%d.%d", v.Major, v.Minor, v.Patch)
}

var versionPattern = regexp.MustCompile(`rclone v(\d+)\.(\d+)(?:\.(\d+))?`)

// ParseVersion parses the first line of "rclone version" output, for example
// "rclone v1.66.0".
func ParseVersion(output string) (*Version, error) {
	matches := versionPattern.FindStringSubmatch(output)
	if len(matches) < 3 {
		return nil, fmt.Errorf("could not parse rclone version from: %q", firstLine(output))
	}

	v := &Version{Full: firstLine(output)}
	var err error
	if v.Major, err = strconv.Atoi(matches[1]); err != nil {
		return nil, fmt.Errorf("invalid major version: %s", matches[1])
	}
	if v.Minor, err = strconv.Atoi(matches[2]); err != nil {
		return nil, fmt.Errorf("invalid minor version: %s", matches[2])
	}
	if matches[3] != "" {
		if v.Patch, err = strconv.Atoi(matches[3]); err != nil {
			return nil, fmt.Errorf("invalid patch version: %s", matches[3])
		}
	}
	return v, nil
}

// Locate finds rclone on PATH and returns its absolute path.
func Locate(lookPath LookPathFunc) (string, error) {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, err := lookPath(Binary)
	if err != nil {
		return "", fmt.Errorf("'%s' not found in PATH: %w", Binary, err)
	}
	return path, nil
}

// DetectVersion runs "<binary> version" and parses its output.
func DetectVersion(ctx context.Context, binary string) (*Version, error) {
	output, err := exec.CommandContext(ctx, binary, "version").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get rclone version: %w", err)
	}
	return ParseVersion(string(output))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
