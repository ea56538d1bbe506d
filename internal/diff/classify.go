package diff

import (
	"context"
	"sort"
)

// Classification sorts every observed difference under one analysis root into
// exactly one bucket. Shared files whose checksums match appear nowhere.
type Classification struct {
	Added           []string `yaml:"added"`
	Deleted         []string `yaml:"deleted"`
	Modified        []string `yaml:"modified"`
	VersionMismatch []string `yaml:"version_mismatch"`
	Unassociated    []string `yaml:"unassociated"`
}

// AnalyzeRoots runs the full name/checksum/classification pipeline for each
// allowlisted root. Checksum state from any earlier call is discarded first.
func (d *Differ) AnalyzeRoots(ctx context.Context, allowlist, blocklist []string) (map[string]*Classification, error) {
	d.sourceSums = make(map[string]Checksum)
	d.replicaSums = make(map[string]Checksum)

	if err := d.ensureOwnership(ctx); err != nil {
		return nil, err
	}
	if err := d.ensureReplicaPackages(ctx); err != nil {
		return nil, err
	}

	roots := make(map[string]*Classification, len(allowlist))
	for _, root := range allowlist {
		d.log.Info().Str("root", root).Msg("analyzing root")
		onlyReplica, shared, onlySource, err := d.CompareNames(ctx, root, blocklist)
		if err != nil {
			return nil, err
		}

		sharedPaths := sortedKeys(shared)
		if err := d.ChecksumSource(ctx, sharedPaths); err != nil {
			return nil, err
		}
		if err := d.ChecksumReplica(ctx, sharedPaths); err != nil {
			return nil, err
		}

		cls, err := d.classify(ctx, onlyReplica, shared, onlySource)
		if err != nil {
			return nil, err
		}
		roots[root] = cls
		d.fileLog.Info().
			Str("root", root).
			Strs("added", cls.Added).
			Strs("deleted", cls.Deleted).
			Strs("modified", cls.Modified).
			Strs("version_mismatch", cls.VersionMismatch).
			Strs("unassociated", cls.Unassociated).
			Msg("classified differences")
	}
	return roots, nil
}

// classify attributes each differing file to its owning package's state, then
// sweeps whatever no package claimed into the unassociated bucket.
func (d *Differ) classify(ctx context.Context, onlyReplica, shared, onlySource map[string]bool) (*Classification, error) {
	var (
		added    = make(map[string]bool)
		deleted  = make(map[string]bool)
		modified = make(map[string]bool)
		mismatch = make(map[string]bool)
		claimed  = make(map[string]bool)
	)

	for pkg, sourceVer := range d.inv.All {
		replicaVer, present := d.replicaPkgs[pkg]
		versionMatch := present && replicaVer == sourceVer

		var changed map[string]bool
		if !versionMatch {
			var err error
			changed, err = d.filesChanged(ctx, pkg)
			if err != nil {
				return nil, err
			}
		}

		for _, file := range d.ownership[pkg] {
			if !onlyReplica[file] && !shared[file] && !onlySource[file] {
				continue
			}
			claimed[file] = true
			switch {
			case onlySource[file]:
				deleted[file] = true
			case onlyReplica[file]:
				if versionMatch || changed[file] {
					added[file] = true
				} else {
					mismatch[file] = true
				}
			default: // shared
				if !d.checksumDiffers(file) {
					continue
				}
				if versionMatch || changed[file] {
					modified[file] = true
				} else {
					mismatch[file] = true
				}
			}
		}
	}

	unassociated := make(map[string]bool)
	for file := range onlyReplica {
		if !claimed[file] {
			unassociated[file] = true
		}
	}
	for file := range onlySource {
		if !claimed[file] {
			unassociated[file] = true
		}
	}
	for file := range shared {
		if !claimed[file] && d.checksumDiffers(file) {
			unassociated[file] = true
		}
	}

	return &Classification{
		Added:           sortedKeys(added),
		Deleted:         sortedKeys(deleted),
		Modified:        sortedKeys(modified),
		VersionMismatch: sortedKeys(mismatch),
		Unassociated:    sortedKeys(unassociated),
	}, nil
}

// checksumDiffers reports whether a shared file's two checksums disagree. A
// missing checksum on either side counts as a difference.
func (d *Differ) checksumDiffers(path string) bool {
	source, okSource := d.sourceSums[path]
	replica, okReplica := d.replicaSums[path]
	if !okSource || !okReplica {
		return true
	}
	return source != replica
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
