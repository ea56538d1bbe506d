package diff

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ConfigSummary covers every config file declared by any inventoried package.
type ConfigSummary struct {
	OnSource  []string `yaml:"on_source"`
	OnReplica []string `yaml:"on_replica"`
	Differing []string `yaml:"differing"`
}

// Report is the final replication verdict written for the operator.
type Report struct {
	Image   string                     `yaml:"image"`
	Roots   map[string]*Classification `yaml:"roots"`
	Configs ConfigSummary              `yaml:"configs"`
}

// ConfigDiff collects the config files declared by every package in the full
// inventory and compares their presence and content across the two sides.
// Checksum state from any earlier call is discarded first.
func (d *Differ) ConfigDiff(ctx context.Context) (ConfigSummary, error) {
	d.sourceSums = make(map[string]Checksum)
	d.replicaSums = make(map[string]Checksum)

	declared := make(map[string]bool)
	names := make([]string, 0, len(d.inv.All))
	for name := range d.inv.All {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		paths, err := d.sys.ConfigFiles(ctx, name)
		if err != nil {
			return ConfigSummary{}, err
		}
		for _, path := range paths {
			declared[path] = true
		}
	}
	configs := sortedKeys(declared)
	d.log.Info().Int("configs", len(configs)).Msg("comparing declared config files")

	if err := d.ChecksumSource(ctx, configs); err != nil {
		return ConfigSummary{}, err
	}
	if err := d.ChecksumReplica(ctx, configs); err != nil {
		return ConfigSummary{}, err
	}

	var summary ConfigSummary
	for _, path := range configs {
		source, onSource := d.sourceSums[path]
		replica, onReplica := d.replicaSums[path]
		if onSource {
			summary.OnSource = append(summary.OnSource, path)
		}
		if onReplica {
			summary.OnReplica = append(summary.OnReplica, path)
		}
		if onSource && onReplica && source != replica {
			summary.Differing = append(summary.Differing, path)
		}
	}
	d.fileLog.Info().
		Strs("on_source", summary.OnSource).
		Strs("on_replica", summary.OnReplica).
		Strs("differing", summary.Differing).
		Msg("config comparison")
	return summary, nil
}

// WriteReport marshals the report to YAML at path.
func WriteReport(path string, report *Report) error {
	data, err := yaml.Marshal(report)
	if err != nil {
		return fmt.Errorf("could not marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("could not write report: %w", err)
	}
	return nil
}
