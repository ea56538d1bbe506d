// Package inventory tracks the package bookkeeping for one replication
// session: the ground-truth set found on the source host, the working set
// still slated for explicit installation, and the subset whose versions had
// to be loosened to get a buildable replica.
package inventory

import (
	"sort"

	"github.com/GiselleSerate/pure19prototype/internal/depgraph"
)

// NoVersion is the unconstrained-version sentinel. A package carrying it is
// installed at whatever version the backend resolves.
const NoVersion = ""

// Substitution records that a package ends up at a version other than the
// source host's. Substitute is NoVersion until a concrete replacement is
// observed.
type Substitution struct {
	Original   string
	Substitute string
}

// Inventory holds the three co-indexed package maps for a session.
// All is immutable after New. Install shrinks and mutates through reduction
// and verification fallback. Unversion is always a subset of Install.
type Inventory struct {
	All       map[string]string
	Install   map[string]string
	Unversion map[string]Substitution
}

// New builds a session inventory from the source host's package listing.
// Install starts as a copy of All.
func New(all map[string]string) *Inventory {
	install := make(map[string]string, len(all))
	for name, ver := range all {
		install[name] = ver
	}
	return &Inventory{
		All:       all,
		Install:   install,
		Unversion: make(map[string]Substitution),
	}
}

// Remove drops a package from the working set. Dropping from Install also
// drops any substitution record, keeping Unversion ⊆ Install.
func (inv *Inventory) Remove(name string) {
	delete(inv.Install, name)
	delete(inv.Unversion, name)
}

// Unconstrain clears a package's version pin, remembering the original.
// No-op for names not in the working set.
func (inv *Inventory) Unconstrain(name string) {
	if _, ok := inv.Install[name]; !ok {
		return
	}
	inv.Install[name] = NoVersion
	inv.Unversion[name] = Substitution{Original: inv.All[name], Substitute: NoVersion}
}

// SetSubstitute records the backend-chosen version for a previously
// unconstrained package.
func (inv *Inventory) SetSubstitute(name, version string) {
	sub, ok := inv.Unversion[name]
	if !ok {
		return
	}
	sub.Substitute = version
	inv.Unversion[name] = sub
	inv.Install[name] = version
}

// InstallNames returns the working set's names in sorted order.
func (inv *Inventory) InstallNames() []string {
	names := make([]string, 0, len(inv.Install))
	for name := range inv.Install {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reduce strips packages from the working set that another working-set
// member's installation already implies, per dependency analysis. Returns
// the removed names.
func (inv *Inventory) Reduce(deps func(string) ([]string, error)) ([]string, error) {
	removable, err := depgraph.Removable(inv.InstallNames(), deps)
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(removable))
	for name := range removable {
		inv.Remove(name)
		removed = append(removed, name)
	}
	sort.Strings(removed)
	return removed, nil
}

// FilterBase removes packages the base image already carries. In strict mode
// only exact version matches are removed. In loose mode any name match is
// removed; mismatched versions are reported in substituted so the caller can
// surface that the base image supplies a different build.
func (inv *Inventory) FilterBase(defaults map[string]string, strict bool) (removed []string, substituted map[string]Substitution) {
	substituted = make(map[string]Substitution)
	for name, baseVer := range defaults {
		ver, ok := inv.Install[name]
		if !ok {
			continue
		}
		if strict && ver != baseVer {
			continue
		}
		if ver != baseVer {
			substituted[name] = Substitution{Original: ver, Substitute: baseVer}
		}
		inv.Remove(name)
		removed = append(removed, name)
	}
	sort.Strings(removed)
	return removed, substituted
}
