package remote

import (
	"context"
	"fmt"
	"strings"
)

// OSInfo is the source host's distribution identity, read from /etc/os-release.
type OSInfo struct {
	ID      string // e.g. "centos", "ubuntu"
	Version string // e.g. "7", "18.04"
}

// DetectOS reads /etc/os-release on the host and extracts the ID and
// VERSION_ID fields. Quoting is stripped; missing fields are an error because
// every later step keys off them.
func DetectOS(ctx context.Context, runner Runner) (OSInfo, error) {
	stdout, _, status, err := runner.Exec(ctx, "cat /etc/os-release")
	if err != nil {
		return OSInfo{}, err
	}
	if status != 0 {
		return OSInfo{}, fmt.Errorf("reading /etc/os-release: exit status %d", status)
	}

	var info OSInfo
	for _, line := range stdout {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "ID="):
			info.ID = unquote(strings.TrimPrefix(line, "ID="))
		case strings.HasPrefix(line, "VERSION_ID="):
			info.Version = unquote(strings.TrimPrefix(line, "VERSION_ID="))
		}
	}
	if info.ID == "" || info.Version == "" {
		return OSInfo{}, fmt.Errorf("malformed /etc/os-release: missing ID or VERSION_ID")
	}
	return info, nil
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}
