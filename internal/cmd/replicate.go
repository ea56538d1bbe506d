// Package cmd implements the pure subcommands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/GiselleSerate/pure19prototype/internal/config"
	"github.com/GiselleSerate/pure19prototype/internal/diff"
	"github.com/GiselleSerate/pure19prototype/internal/engine"
	"github.com/GiselleSerate/pure19prototype/internal/inventory"
	"github.com/GiselleSerate/pure19prototype/internal/pkgmgr"
	"github.com/GiselleSerate/pure19prototype/internal/remote"
	"github.com/GiselleSerate/pure19prototype/internal/verify"
)

// Replicate runs the full pipeline: probe the source host, reduce and filter
// the package inventory, verify a replica image with fallback, then diff the
// replica against the source and write the report.
func Replicate(args []string, stdout, stderr io.Writer) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Log.Level, stderr)
	if err != nil {
		return err
	}
	fileLog, closeFileLog, err := newFileLogger(cfg.Log.FileList)
	if err != nil {
		return err
	}
	defer closeFileLog()

	ctx := context.Background()

	host := remote.Host{
		Hostname: cfg.Source.Hostname,
		Port:     cfg.Source.Port,
		Username: cfg.Source.Username,
		KeyFile:  cfg.Source.KeyFile,
	}
	runner, err := remote.Dial(host, cfg.Source.CommandDeadline(), log)
	if err != nil {
		return err
	}
	defer runner.Close()

	info, err := remote.DetectOS(ctx, runner)
	if err != nil {
		return err
	}
	log.Info().Str("os", info.ID).Str("version", info.Version).Msg("detected source OS")

	sys, err := pkgmgr.New(info, cfg.Engine.BaseImage, runner, cfg.Engine.BatchLimit, log)
	if err != nil {
		return err
	}

	client := engine.NewClient(cfg.Engine.Socket, log)
	if err := client.Ping(ctx); err != nil {
		return err
	}
	if err := client.PullImage(ctx, sys.BaseImage()); err != nil {
		return err
	}

	inv, err := sourceInventory(ctx, runner, sys)
	if err != nil {
		return err
	}
	log.Info().Int("packages", len(inv.All)).Msg("gathered source inventory")

	reduced, err := inv.Reduce(func(name string) ([]string, error) {
		return sys.Dependencies(ctx, name)
	})
	if err != nil {
		return err
	}
	log.Info().
		Int("removed", len(reduced)).
		Int("remaining", len(inv.Install)).
		Msg("reduced inventory by dependency analysis")

	defaults, err := baseImagePackages(ctx, client, sys)
	if err != nil {
		return err
	}
	removed, substituted := inv.FilterBase(defaults, !cfg.Engine.LooseVersions)
	log.Info().
		Int("removed", len(removed)).
		Int("remaining", len(inv.Install)).
		Msg("filtered base-image defaults")
	for name, sub := range substituted {
		log.Warn().
			Str("package", name).
			Str("source", sub.Original).
			Str("base", sub.Substitute).
			Msg("base image carries a different build")
	}

	result, err := verifyWithFallback(ctx, sys, inv, client, log)
	if err != nil {
		return err
	}
	if !result.Complete {
		log.Warn().
			Strs("missing", result.Missing).
			Msg("replica is partial; some packages could not be installed")
	}

	ver := result.Engine
	defer ver.Close()
	if cfg.Output.Manifest != "" {
		if err := ver.WriteManifest(cfg.Output.Manifest); err != nil {
			return err
		}
		log.Info().Str("path", cfg.Output.Manifest).Msg("wrote install manifest")
	}

	d := diff.New(runner, client, sys, inv, ver.ImageRef(), cfg.Engine.BatchLimit, log, fileLog)
	roots, err := d.AnalyzeRoots(ctx, cfg.Analyze.Allowlist, cfg.Analyze.Blocklist)
	if err != nil {
		return err
	}
	configs, err := d.ConfigDiff(ctx)
	if err != nil {
		return err
	}

	report := &diff.Report{Image: ver.ImageRef(), Roots: roots, Configs: configs}
	if err := diff.WriteReport(cfg.Output.Report, report); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Replica image: %s\n", ver.ImageRef())
	fmt.Fprintf(stdout, "Report written to %s\n", cfg.Output.Report)
	return nil
}

// verifyResult pairs the final verification verdict with the engine that
// produced it, so callers can reach the built image and manifest.
type verifyResult struct {
	verify.Result
	Engine *verify.Engine
}

// verifyWithFallback runs the verification modes in escalation order,
// stopping at the first complete replica. Each mode's inventory mutations
// persist, so later modes face a strictly smaller problem.
func verifyWithFallback(ctx context.Context, sys pkgmgr.System, inv *inventory.Inventory,
	client *engine.Client, log zerolog.Logger) (verifyResult, error) {
	ver, err := verify.New(sys, inv, client, log)
	if err != nil {
		return verifyResult{}, err
	}

	var result verify.Result
	for _, mode := range verify.Modes {
		result, err = ver.Verify(ctx, mode)
		if err != nil {
			ver.Close()
			return verifyResult{}, err
		}
		log.Info().
			Stringer("mode", mode).
			Bool("complete", result.Complete).
			Int("missing", len(result.Missing)).
			Msg("verification pass finished")
		if result.Complete {
			break
		}
	}
	return verifyResult{Result: result, Engine: ver}, nil
}

// sourceInventory lists and parses the source host's installed packages.
func sourceInventory(ctx context.Context, runner remote.Runner, sys pkgmgr.System) (*inventory.Inventory, error) {
	stdout, _, _, err := runner.Exec(ctx, sys.ListInstalled())
	if err != nil {
		return nil, err
	}
	all, err := sys.ParseAllPackages(stdout)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("source host reported no installed packages")
	}
	return inventory.New(all), nil
}

// baseImagePackages lists what the base image ships by default, so those
// packages can be dropped from the install set.
func baseImagePackages(ctx context.Context, client *engine.Client, sys pkgmgr.System) (map[string]string, error) {
	id, err := client.Run(ctx, sys.BaseImage(), []string{"/bin/sh", "-c", sys.ListInstalled()})
	if err != nil {
		return nil, err
	}
	defer client.Remove(context.WithoutCancel(ctx), id, true)
	if _, err := client.Wait(ctx, id); err != nil {
		return nil, err
	}
	lines, err := client.Logs(ctx, id)
	if err != nil {
		return nil, err
	}
	return sys.ParseAllPackages(lines)
}

// newLogger builds the console logger at the configured level.
func newLogger(level string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("bad log level %q: %w", level, err)
	}
	out := zerolog.ConsoleWriter{Out: w}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

// newFileLogger builds the per-file classification logger, or a no-op one if
// no path is configured.
func newFileLogger(path string) (zerolog.Logger, func(), error) {
	if path == "" {
		return zerolog.Nop(), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("cannot open file list log: %w", err)
	}
	log := zerolog.New(f).With().Timestamp().Logger()
	return log, func() { f.Close() }, nil
}
