// Package verify drives the replica verification state machine: render the
// install manifest, build a candidate image, probe which packages actually
// made it in, and apply the selected fallback policy to the inventory when
// some did not.
package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/GiselleSerate/pure19prototype/internal/inventory"
	"github.com/GiselleSerate/pure19prototype/internal/pkgmgr"
)

// Mode is the corrective policy applied on a partial verification result.
type Mode int

const (
	// Dry records missing packages for diagnostics and mutates nothing.
	Dry Mode = iota
	// Unversion clears the version pins of missing packages and records the
	// versions the backend picks instead.
	Unversion
	// Delete drops missing packages from the working set entirely.
	Delete
)

func (m Mode) String() string {
	switch m {
	case Dry:
		return "dry"
	case Unversion:
		return "unversion"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Modes is the canonical fallback order. Each mode's mutation persists, so
// every later mode faces a strictly smaller problem.
var Modes = []Mode{Dry, Unversion, Delete}

// ContainerEngine is the container-side surface the verifier needs.
type ContainerEngine interface {
	BuildImage(ctx context.Context, contextDir, tag string) (string, error)
	Run(ctx context.Context, imageRef string, cmd []string) (string, error)
	Wait(ctx context.Context, id string) (int, error)
	Logs(ctx context.Context, id string) ([]string, error)
	Remove(ctx context.Context, id string, force bool) error
}

// Result is one verification verdict. It always reflects the state before
// any fallback mutation; callers loop and re-verify after mutating modes.
type Result struct {
	Complete bool
	Missing  []string
}

// Engine verifies that a candidate image reproduces the working set.
type Engine struct {
	sys      pkgmgr.System
	inv      *inventory.Inventory
	engine   ContainerEngine
	staging  string
	tag      string
	imageRef string
	log      zerolog.Logger
}

// New creates a verification engine with its own manifest staging directory.
// Callers must Close it.
func New(sys pkgmgr.System, inv *inventory.Inventory, ce ContainerEngine, log zerolog.Logger) (*Engine, error) {
	staging, err := os.MkdirTemp("", "pure-manifest-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}
	return &Engine{
		sys:     sys,
		inv:     inv,
		engine:  ce,
		staging: staging,
		tag:     "verify-" + sys.Name(),
		log:     log,
	}, nil
}

// Close removes the staging directory.
func (e *Engine) Close() error {
	return os.RemoveAll(e.staging)
}

// ImageRef is the most recently built replica image, empty before the first
// successful build.
func (e *Engine) ImageRef() string {
	return e.imageRef
}

// WriteManifest renders the final install manifest to the given path.
func (e *Engine) WriteManifest(path string) error {
	return os.WriteFile(path, []byte(e.sys.InstallDirective(e.inv)), 0644)
}

// Verify runs one pass of the state machine: build, probe, evaluate, and on
// a partial result apply the given fallback mode. Probe failures abort the
// call; a partial result is a verdict, not an error.
func (e *Engine) Verify(ctx context.Context, mode Mode) (Result, error) {
	e.log.Info().Stringer("mode", mode).Int("packages", len(e.inv.Install)).Msg("verifying packages")

	missing, err := e.probe(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(missing) == 0 {
		if err := e.ensureReplicaImage(ctx); err != nil {
			return Result{}, err
		}
		e.log.Info().Msg("all packages installed properly")
		return Result{Complete: true}, nil
	}

	e.log.Warn().Strs("missing", missing).Msg("packages could not be installed")
	switch mode {
	case Dry:
		// Diagnostics only.
	case Delete:
		for _, name := range missing {
			e.inv.Remove(name)
		}
		e.log.Info().Int("removed", len(missing)).Msg("dropped missing packages from install set")
	case Unversion:
		if err := e.unversionFallback(ctx, missing); err != nil {
			return Result{}, err
		}
	}
	return Result{Missing: missing}, nil
}

// probe determines the missing set for the current working set using the
// backend's verification strategy.
func (e *Engine) probe(ctx context.Context) ([]string, error) {
	switch e.sys.Strategy() {
	case pkgmgr.MarkerScan:
		image, err := e.buildDirective(ctx, e.sys.Prelude())
		if err != nil {
			return nil, err
		}
		output, err := e.runInContainer(ctx, image, e.sys.InstallCommand(e.inv))
		if err != nil {
			return nil, err
		}
		missing, err := e.sys.MissingFromInstallOutput(output)
		if err != nil {
			return nil, err
		}
		sort.Strings(missing)
		return missing, nil
	default: // ListDiff
		image, err := e.buildDirective(ctx, e.sys.InstallDirective(e.inv))
		if err != nil {
			return nil, err
		}
		e.imageRef = image
		pkgs, err := e.listInstalled(ctx, image)
		if err != nil {
			return nil, err
		}
		var missing []string
		for _, name := range e.inv.InstallNames() {
			if _, ok := pkgs[name]; !ok {
				missing = append(missing, name)
			}
		}
		return missing, nil
	}
}

// unversionFallback clears the pins of the missing packages and re-probes
// the unconstrained set to learn which names recovered. Names still absent
// stay unconstrained.
//
// ListDiff backends rebuild with the unconstrained directive and read the
// substitute versions out of the rebuilt image. MarkerScan backends cannot
// build a full image while any name is unresolvable, the install layer would
// abort the build, so they re-run the install command in a prelude container
// and scan the markers instead.
func (e *Engine) unversionFallback(ctx context.Context, missing []string) error {
	for _, name := range missing {
		e.inv.Unconstrain(name)
	}
	e.log.Info().Int("unconstrained", len(missing)).Msg("cleared version pins")

	if e.sys.Strategy() == pkgmgr.MarkerScan {
		image, err := e.buildDirective(ctx, e.sys.Prelude())
		if err != nil {
			return err
		}
		output, err := e.runInContainer(ctx, image, e.sys.InstallCommand(e.inv))
		if err != nil {
			return err
		}
		still, err := e.sys.MissingFromInstallOutput(output)
		if err != nil {
			return err
		}
		absent := make(map[string]bool, len(still))
		for _, name := range still {
			absent[name] = true
		}
		var recovered []string
		for _, name := range missing {
			if !absent[name] {
				recovered = append(recovered, name)
			}
		}
		e.log.Info().Strs("recovered", recovered).Msg("unconstrained packages now resolvable")
		return nil
	}

	image, err := e.buildDirective(ctx, e.sys.InstallDirective(e.inv))
	if err != nil {
		return err
	}
	e.imageRef = image
	pkgs, err := e.listInstalled(ctx, image)
	if err != nil {
		return err
	}

	var recovered []string
	for _, name := range missing {
		if ver, ok := pkgs[name]; ok {
			e.inv.SetSubstitute(name, ver)
			recovered = append(recovered, name)
		}
	}
	e.log.Info().Strs("recovered", recovered).Msg("recorded substitute versions")
	return nil
}

// ensureReplicaImage guarantees a fully installed replica image exists after
// a complete verdict. The ListDiff path builds it as part of probing; the
// MarkerScan path only built the prelude image.
func (e *Engine) ensureReplicaImage(ctx context.Context) error {
	if e.sys.Strategy() != pkgmgr.MarkerScan {
		return nil
	}
	image, err := e.buildDirective(ctx, e.sys.InstallDirective(e.inv))
	if err != nil {
		return err
	}
	e.imageRef = image
	return nil
}

func (e *Engine) buildDirective(ctx context.Context, directive string) (string, error) {
	if err := os.WriteFile(filepath.Join(e.staging, "Dockerfile"), []byte(directive), 0644); err != nil {
		return "", fmt.Errorf("writing Dockerfile: %w", err)
	}
	return e.engine.BuildImage(ctx, e.staging, e.tag)
}

// listInstalled runs the backend's listing command in a container from image
// and parses the result.
func (e *Engine) listInstalled(ctx context.Context, image string) (map[string]string, error) {
	output, err := e.runInContainer(ctx, image, e.sys.ListInstalled())
	if err != nil {
		return nil, err
	}
	return e.sys.ParseAllPackages(output)
}

// runInContainer runs command to completion in a fresh container and returns
// its output. The container is removed on every exit path.
func (e *Engine) runInContainer(ctx context.Context, image, command string) ([]string, error) {
	id, err := e.engine.Run(ctx, image, []string{"/bin/sh", "-c", command})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := e.engine.Remove(context.WithoutCancel(ctx), id, true); err != nil {
			e.log.Warn().Err(err).Msg("could not remove probe container")
		}
	}()
	if _, err := e.engine.Wait(ctx, id); err != nil {
		return nil, err
	}
	return e.engine.Logs(ctx, id)
}
