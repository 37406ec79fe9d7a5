package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// UnknownVersion is reported when the engine prints no version line.
const UnknownVersion = "unknown engine version"

// VersionInfo describes the installed engine build.
type VersionInfo struct {
	Version string
	Build   string
}

// ProbeVersion runs the engine with --version and parses the output.
// The engine runs with the same restricted environment as a job.
func ProbeVersion(ctx context.Context, binaryPath, homeDir string) (VersionInfo, error) {
	cmd := exec.CommandContext(ctx, binaryPath, "--version")
	cmd.Env = []string{"HOME=" + homeDir}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return VersionInfo{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return VersionInfo{}, fmt.Errorf("engine --version failed: %w: %s", err, msg)
		}
		return VersionInfo{}, fmt.Errorf("engine --version failed: %w", err)
	}
	return parseVersion(output)
}

// parseVersion reads "<name> version <v>" and an optional "Build <b>"
// line. Output with neither reports UnknownVersion.
func parseVersion(output []byte) (VersionInfo, error) {
	var info VersionInfo
	sc := bufio.NewScanner(bytes.NewReader(output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		lower := strings.ToLower(line)
		switch {
		case info.Version == "" && strings.Contains(lower, "version"):
			i := strings.Index(lower, "version")
			info.Version = strings.TrimSpace(line[i+len("version"):])
		case info.Build == "" && strings.HasPrefix(lower, "build"):
			info.Build = strings.TrimSpace(line[len("build"):])
		}
	}
	if err := sc.Err(); err != nil {
		return VersionInfo{}, err
	}
	if info.Version == "" {
		if len(bytes.TrimSpace(output)) == 0 {
			return VersionInfo{Version: UnknownVersion}, errors.New("engine printed no version")
		}
		info.Version = UnknownVersion
	}
	return info, nil
}
