// Package pkgmgr adapts per-package-manager-family behavior behind one
// capability set: listing commands, line grammars, dependency and file
// queries, and install-directive rendering. The rest of the pipeline only
// sees the System interface.
package pkgmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/GiselleSerate/pure19prototype/internal/inventory"
	"github.com/GiselleSerate/pure19prototype/internal/remote"
)

// ErrUnsupportedOS means no adapter variant matches the source OS.
var ErrUnsupportedOS = errors.New("unsupported operating system")

// ErrMalformedLine means a trusted command produced a line outside its
// expected grammar. It is always fatal; skipping it silently would yield a
// falsely complete inventory.
var ErrMalformedLine = errors.New("malformed backend output")

// DefaultBatchLimit caps generated remote command lengths.
const DefaultBatchLimit = 100000

// queryCacheSize bounds the per-package dependency/config query cache.
const queryCacheSize = 8192

// Strategy selects how the verification engine probes a candidate image.
type Strategy int

const (
	// ListDiff diffs the working set against a post-install package listing.
	// For backends that best-effort-install and skip unresolvable entries.
	ListDiff Strategy = iota
	// MarkerScan extracts structured error markers from the install command's
	// own output. For backends that abort the transaction on the first
	// unresolvable entry, leaving nothing useful to list.
	MarkerScan
)

// System is the per-backend capability set.
type System interface {
	// Name identifies the package-manager family, e.g. "rpm" or "deb".
	Name() string
	// BaseImage is the container image matching the source OS.
	BaseImage() string
	// ListInstalled is the command that lists all installed packages.
	ListInstalled() string
	// ParsePackageLine extracts (name, version) from one listing line.
	ParsePackageLine(line string) (name, version string, err error)
	// ParseAllPackages parses full listing output, skipping banner lines.
	ParseAllPackages(lines []string) (map[string]string, error)
	// Dependencies queries the packages a package depends on.
	Dependencies(ctx context.Context, name string) ([]string, error)
	// ConfigFiles queries a package's declared configuration paths.
	ConfigFiles(ctx context.Context, name string) ([]string, error)
	// ListFilesForPackages maps each named package to the files it installed,
	// batching names into as few remote calls as possible.
	ListFilesForPackages(ctx context.Context, names []string) (map[string][]string, error)
	// FilesChangedFromPackage runs the backend's own integrity check and
	// returns the paths whose content no longer matches the package.
	// "Not installed" and "no files" are empty results, not errors.
	FilesChangedFromPackage(ctx context.Context, name string) (map[string]bool, error)
	// InstallDirective renders the full install manifest for the inventory.
	InstallDirective(inv *inventory.Inventory) string
	// Prelude renders the manifest prefix without install directives, for
	// MarkerScan probing.
	Prelude() string
	// InstallCommand renders the in-container install command for the
	// inventory, for MarkerScan probing.
	InstallCommand(inv *inventory.Inventory) string
	// MissingFromInstallOutput extracts missing package names from captured
	// install output. Only meaningful for MarkerScan backends.
	MissingFromInstallOutput(lines []string) ([]string, error)
	// Strategy reports which probing strategy fits this backend.
	Strategy() Strategy
}

// New picks the adapter variant for the detected OS. A non-empty image
// overrides the OS-derived base image.
func New(info remote.OSInfo, image string, runner remote.Runner, batchLimit int, log zerolog.Logger) (System, error) {
	if batchLimit <= 0 {
		batchLimit = DefaultBatchLimit
	}
	b, err := newBase(info, image, runner, batchLimit, log)
	if err != nil {
		return nil, err
	}
	switch info.ID {
	case "centos", "rhel", "fedora", "rocky", "almalinux":
		return &rpmSystem{base: b}, nil
	case "ubuntu", "debian":
		return &debSystem{base: b}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOS, info.ID)
	}
}

// base carries what every variant needs: the remote runner, the OS identity,
// and an LRU cache in front of the one-round-trip-per-package queries.
type base struct {
	runner     remote.Runner
	osID       string
	version    string
	image      string
	batchLimit int
	log        zerolog.Logger
	queries    *lru.Cache[string, []string]
}

func newBase(info remote.OSInfo, image string, runner remote.Runner, batchLimit int, log zerolog.Logger) (base, error) {
	cache, err := lru.New[string, []string](queryCacheSize)
	if err != nil {
		return base{}, err
	}
	return base{
		runner:     runner,
		osID:       info.ID,
		version:    info.Version,
		image:      image,
		batchLimit: batchLimit,
		log:        log,
		queries:    cache,
	}, nil
}

func (b *base) BaseImage() string {
	if b.image != "" {
		return b.image
	}
	return b.osID + ":" + b.version
}

// cachedLines runs command once per cache key and remembers its stdout.
// Dependency and config queries for the same package recur across reduction
// and config diffing; each is a full remote round trip otherwise.
func (b *base) cachedLines(ctx context.Context, key, command string) ([]string, error) {
	if lines, ok := b.queries.Get(key); ok {
		return lines, nil
	}
	stdout, _, _, err := b.runner.Exec(ctx, command)
	if err != nil {
		return nil, err
	}
	b.queries.Add(key, stdout)
	return stdout, nil
}

// GroupTokens packs tokens into space-joined command fragments, each at most
// limit characters. A token is never split across fragments; a single token
// longer than limit is emitted alone.
func GroupTokens(tokens []string, limit int) []string {
	var groups []string
	var cur strings.Builder
	for _, tok := range tokens {
		if cur.Len() > 0 && cur.Len()+1+len(tok) > limit {
			groups = append(groups, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(tok)
	}
	if cur.Len() > 0 {
		groups = append(groups, cur.String())
	}
	return groups
}

// fileLeaves drops entries that are parent directories of other entries,
// keeping only file leaves. Input order is preserved.
func fileLeaves(paths []string) []string {
	parents := make(map[string]bool)
	for _, p := range paths {
		for i := strings.LastIndex(p, "/"); i > 0; i = strings.LastIndex(p[:i], "/") {
			parents[p[:i]] = true
		}
	}
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !parents[p] {
			out = append(out, p)
		}
	}
	return out
}
