// Package diff compares the replica's filesystem and config state against the
// source host and attributes every difference to the package that owns it,
// where one does.
package diff

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/GiselleSerate/pure19prototype/internal/inventory"
	"github.com/GiselleSerate/pure19prototype/internal/pkgmgr"
	"github.com/GiselleSerate/pure19prototype/internal/remote"
)

// ContainerEngine is the container-side surface the differ needs.
type ContainerEngine interface {
	Run(ctx context.Context, imageRef string, cmd []string) (string, error)
	Wait(ctx context.Context, id string) (int, error)
	Logs(ctx context.Context, id string) ([]string, error)
	Exec(ctx context.Context, id string, cmd []string, workdir string) (int, []string, error)
	Remove(ctx context.Context, id string, force bool) error
}

// Checksum is one probed file's digest and size, as reported by cksum.
type Checksum struct {
	Digest string
	Size   string
}

// Differ walks the verified replica against the source host. It only reads
// the inventory; all mutation happened during verification.
type Differ struct {
	runner     remote.Runner
	engine     ContainerEngine
	sys        pkgmgr.System
	inv        *inventory.Inventory
	imageRef   string
	batchLimit int

	sourceSums  map[string]Checksum
	replicaSums map[string]Checksum
	ownership   map[string][]string
	replicaPkgs map[string]string
	changed     map[string]map[string]bool

	log     zerolog.Logger
	fileLog zerolog.Logger
}

// New builds a differ over the finally-verified inventory and replica image.
func New(runner remote.Runner, ce ContainerEngine, sys pkgmgr.System, inv *inventory.Inventory,
	imageRef string, batchLimit int, log, fileLog zerolog.Logger) *Differ {
	if batchLimit <= 0 {
		batchLimit = pkgmgr.DefaultBatchLimit
	}
	return &Differ{
		runner:      runner,
		engine:      ce,
		sys:         sys,
		inv:         inv,
		imageRef:    imageRef,
		batchLimit:  batchLimit,
		sourceSums:  make(map[string]Checksum),
		replicaSums: make(map[string]Checksum),
		log:         log,
		fileLog:     fileLog,
	}
}

// CompareNames enumerates regular files under root on both sides, excluding
// blocklist entries. An entry ending in "/*" prunes a whole subtree; any
// other entry excludes a single file. Excluded paths appear in no returned
// set.
func (d *Differ) CompareNames(ctx context.Context, root string, blocklist []string) (onlyReplica, shared, onlySource map[string]bool, err error) {
	root = strings.TrimSuffix(root, "/")
	command := findCommand(root, blocklist)
	d.log.Debug().Str("root", root).Str("command", command).Msg("comparing file names")

	sourceNames := make(map[string]bool)
	stdout, _, _, err := d.runner.Exec(ctx, "cd "+root+" && "+command)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, line := range stdout {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sourceNames[absolutize(line, root)] = true
	}

	replicaNames := make(map[string]bool)
	id, err := d.engine.Run(ctx, d.imageRef, []string{"tail", "-f", "/dev/null"})
	if err != nil {
		return nil, nil, nil, err
	}
	defer d.removeContainer(ctx, id)

	_, out, err := d.engine.Exec(ctx, id, []string{"/bin/sh", "-c", command}, root)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, line := range out {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, ": Permission denied") {
			continue
		}
		replicaNames[absolutize(line, root)] = true
	}

	onlyReplica = make(map[string]bool)
	shared = make(map[string]bool)
	onlySource = make(map[string]bool)
	for name := range replicaNames {
		if sourceNames[name] {
			shared[name] = true
		} else {
			onlyReplica[name] = true
		}
	}
	for name := range sourceNames {
		if !replicaNames[name] {
			onlySource[name] = true
		}
	}
	d.log.Debug().
		Int("source", len(sourceNames)).
		Int("replica", len(replicaNames)).
		Msg("enumerated files")
	return onlyReplica, shared, onlySource, nil
}

// findCommand builds a find invocation relative to root, excluding the
// blocklist entries that fall under it.
func findCommand(root string, blocklist []string) string {
	var b strings.Builder
	b.WriteString("find . -type f ")
	for _, entry := range blocklist {
		if !strings.HasPrefix(entry, root+"/") {
			continue
		}
		fmt.Fprintf(&b, "! -path '.%s' ", strings.TrimPrefix(entry, root))
	}
	return strings.TrimSpace(b.String())
}

// absolutize rewrites find's ./relative output back under root.
func absolutize(line, root string) string {
	if strings.HasPrefix(line, "./") {
		return root + line[1:]
	}
	return line
}

// ChecksumSource probes the given paths on the source host, batched under the
// command length ceiling. Paths the remote tool reports nonexistent are
// omitted, not errors.
func (d *Differ) ChecksumSource(ctx context.Context, paths []string) error {
	for _, group := range pkgmgr.GroupTokens(paths, d.batchLimit-len("cksum ")) {
		stdout, _, _, err := d.runner.Exec(ctx, "cksum "+group)
		if err != nil {
			return err
		}
		if err := parseChecksums(stdout, d.sourceSums); err != nil {
			return err
		}
	}
	return nil
}

// ChecksumReplica probes the given paths in a container of the replica image.
func (d *Differ) ChecksumReplica(ctx context.Context, paths []string) error {
	for _, group := range pkgmgr.GroupTokens(paths, d.batchLimit-len("cksum ")) {
		output, err := d.runInReplica(ctx, "cksum "+group)
		if err != nil {
			return err
		}
		if err := parseChecksums(output, d.replicaSums); err != nil {
			return err
		}
	}
	return nil
}

// parseChecksums reads cksum lines of the form "digest size path" into sums.
func parseChecksums(lines []string, sums map[string]Checksum) error {
	for _, line := range lines {
		if strings.TrimSpace(line) == "" || strings.Contains(line, "No such file") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return fmt.Errorf("%w: cksum line %q", pkgmgr.ErrMalformedLine, line)
		}
		path := strings.Join(fields[2:], " ")
		sums[path] = Checksum{Digest: fields[0], Size: fields[1]}
	}
	return nil
}

// runInReplica runs command to completion in a fresh replica container.
func (d *Differ) runInReplica(ctx context.Context, command string) ([]string, error) {
	id, err := d.engine.Run(ctx, d.imageRef, []string{"/bin/sh", "-c", command})
	if err != nil {
		return nil, err
	}
	defer d.removeContainer(ctx, id)
	if _, err := d.engine.Wait(ctx, id); err != nil {
		return nil, err
	}
	return d.engine.Logs(ctx, id)
}

func (d *Differ) removeContainer(ctx context.Context, id string) {
	if err := d.engine.Remove(context.WithoutCancel(ctx), id, true); err != nil {
		d.log.Warn().Err(err).Msg("could not remove probe container")
	}
}

// ensureOwnership lazily loads the package→files provenance map.
func (d *Differ) ensureOwnership(ctx context.Context) error {
	if d.ownership != nil {
		return nil
	}
	names := make([]string, 0, len(d.inv.All))
	for name := range d.inv.All {
		names = append(names, name)
	}
	sort.Strings(names)
	d.log.Info().Int("packages", len(names)).Msg("gathering file-package associations")
	ownership, err := d.sys.ListFilesForPackages(ctx, names)
	if err != nil {
		return err
	}
	d.ownership = ownership
	return nil
}

// ensureReplicaPackages lazily loads the replica's installed listing, used to
// decide per-package version match.
func (d *Differ) ensureReplicaPackages(ctx context.Context) error {
	if d.replicaPkgs != nil {
		return nil
	}
	output, err := d.runInReplica(ctx, d.sys.ListInstalled())
	if err != nil {
		return err
	}
	pkgs, err := d.sys.ParseAllPackages(output)
	if err != nil {
		return err
	}
	d.replicaPkgs = pkgs
	return nil
}

// filesChanged memoizes the backend's changed-files probe per package.
func (d *Differ) filesChanged(ctx context.Context, pkg string) (map[string]bool, error) {
	if d.changed == nil {
		d.changed = make(map[string]map[string]bool)
	}
	if cached, ok := d.changed[pkg]; ok {
		return cached, nil
	}
	changed, err := d.sys.FilesChangedFromPackage(ctx, pkg)
	if err != nil {
		return nil, err
	}
	d.changed[pkg] = changed
	return changed, nil
}
