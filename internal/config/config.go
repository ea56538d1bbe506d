// Package config loads the replication config from .pure/config.yaml.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is loaded from .pure/config.yaml in the working directory.
type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Engine  EngineConfig  `yaml:"engine"`
	Analyze AnalyzeConfig `yaml:"analyze"`
	Output  OutputConfig  `yaml:"output"`
	Log     LogConfig     `yaml:"log"`
}

// SourceConfig describes the SSH reachable host to replicate.
type SourceConfig struct {
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	KeyFile  string `yaml:"keyfile"`
	Deadline string `yaml:"deadline"` // per remote command, e.g. "5m"

	deadline time.Duration
}

// CommandDeadline is the parsed per-command deadline.
func (s SourceConfig) CommandDeadline() time.Duration { return s.deadline }

// EngineConfig points at the local container daemon.
type EngineConfig struct {
	Socket        string `yaml:"socket"`
	BaseImage     string `yaml:"base_image"`     // overrides the OS-derived default
	BatchLimit    int    `yaml:"batch_limit"`    // max remote command length
	LooseVersions bool   `yaml:"loose_versions"` // drop base-image defaults on name match alone
}

// AnalyzeConfig selects which filesystem roots the differ walks.
type AnalyzeConfig struct {
	Allowlist []string `yaml:"allowlist"`
	Blocklist []string `yaml:"blocklist"`
}

// OutputConfig names the artifacts the run leaves behind.
type OutputConfig struct {
	Report   string `yaml:"report"`
	Manifest string `yaml:"manifest"`
}

// LogConfig tunes the two log streams.
type LogConfig struct {
	Level    string `yaml:"level"`
	FileList string `yaml:"file_list"` // per-file classification dump, "" disables
}

// DefaultAllowlist covers the roots where package-managed and user files
// commonly live. /proc, /sys and friends are never walked.
var DefaultAllowlist = []string{"/bin/", "/etc/", "/home/", "/opt/", "/root/", "/sbin/", "/srv/", "/usr/", "/var/"}

// DefaultBlocklist excludes paths that churn on any live system.
var DefaultBlocklist = []string{
	"/etc/hostname",
	"/etc/hosts",
	"/etc/resolv.conf",
	"/var/cache/*",
	"/var/lib/yum/*",
	"/var/lib/apt/*",
	"/var/lib/dpkg/*",
	"/var/lib/rpm/*",
	"/var/log/*",
	"/var/run/*",
	"/var/tmp/*",
}

// Load reads and parses .pure/config.yaml from the given directory.
func Load(dir string) (*Config, error) {
	path := dir + "/.pure/config.yaml"
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse %s: %w", path, err)
	}

	if cfg.Source.Hostname == "" {
		return nil, fmt.Errorf("%s: 'source.hostname' is required", path)
	}
	if cfg.Source.Username == "" {
		return nil, fmt.Errorf("%s: 'source.username' is required", path)
	}
	if cfg.Source.KeyFile == "" {
		return nil, fmt.Errorf("%s: 'source.keyfile' is required", path)
	}

	cfg.applyDefaults()

	cfg.Source.deadline, err = time.ParseDuration(cfg.Source.Deadline)
	if err != nil {
		return nil, fmt.Errorf("%s: bad 'source.deadline': %w", path, err)
	}

	for _, entry := range cfg.Analyze.Allowlist {
		if !strings.HasPrefix(entry, "/") {
			return nil, fmt.Errorf("%s: allowlist entry %q is not absolute", path, entry)
		}
	}
	for _, entry := range cfg.Analyze.Blocklist {
		if !strings.HasPrefix(entry, "/") {
			return nil, fmt.Errorf("%s: blocklist entry %q is not absolute", path, entry)
		}
	}

	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Source.Port == 0 {
		cfg.Source.Port = 22
	}
	if cfg.Source.Deadline == "" {
		cfg.Source.Deadline = "5m"
	}
	if cfg.Engine.Socket == "" {
		cfg.Engine.Socket = "/var/run/docker.sock"
	}
	if len(cfg.Analyze.Allowlist) == 0 {
		cfg.Analyze.Allowlist = append([]string(nil), DefaultAllowlist...)
	}
	if len(cfg.Analyze.Blocklist) == 0 {
		cfg.Analyze.Blocklist = append([]string(nil), DefaultBlocklist...)
	}
	if cfg.Output.Report == "" {
		cfg.Output.Report = "replication-report.yaml"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}
