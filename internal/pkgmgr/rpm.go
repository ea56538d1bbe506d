package pkgmgr

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/GiselleSerate/pure19prototype/internal/inventory"
)

// rpmSystem analyzes RPM-family systems (CentOS, RHEL, Fedora) via yum/rpm.
type rpmSystem struct {
	base
}

func (s *rpmSystem) Name() string { return "rpm" }

func (s *rpmSystem) ListInstalled() string { return "yum list installed -d 0" }

func (s *rpmSystem) Strategy() Strategy { return ListDiff }

// ParsePackageLine parses a yum listing line like
// "java-1.8.0-openjdk.x86_64   1:1.8.0.212.b04-0.el7_6". The architecture
// suffix is split off at the last dot because package names contain dots
// themselves; the epoch prefix and release suffix are stripped from the
// version.
func (s *rpmSystem) ParsePackageLine(line string) (string, string, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", fmt.Errorf("%w: yum line %q", ErrMalformedLine, line)
	}
	name := fields[0]
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	ver := fields[1]
	if i := strings.Index(ver, "-"); i >= 0 {
		ver = ver[:i]
	}
	if i := strings.LastIndex(ver, ":"); i >= 0 {
		ver = ver[i+1:]
	}
	return name, ver, nil
}

func (s *rpmSystem) ParseAllPackages(lines []string) (map[string]string, error) {
	packages := make(map[string]string)
	for _, line := range lines {
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "Installed Packages") {
			continue
		}
		name, ver, err := s.ParsePackageLine(line)
		if err != nil {
			return nil, err
		}
		packages[name] = ver
	}
	return packages, nil
}

// Dependencies queries rpm's requirements for the package. Requirement lines
// carry capability syntax ("rpm-libs >= 4.11"); only the leading name token
// matters for matching against the install set.
func (s *rpmSystem) Dependencies(ctx context.Context, name string) ([]string, error) {
	lines, err := s.cachedLines(ctx, "deps:"+name, "rpm -qR "+name)
	if err != nil {
		return nil, err
	}
	var deps []string
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.Contains(line, "is not installed") {
			continue
		}
		deps = append(deps, fields[0])
	}
	return deps, nil
}

func (s *rpmSystem) ConfigFiles(ctx context.Context, name string) ([]string, error) {
	lines, err := s.cachedLines(ctx, "conf:"+name, "rpm -qc "+name)
	if err != nil {
		return nil, err
	}
	var configs []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || line == "(contains no files)" || strings.Contains(line, "is not installed") {
			continue
		}
		configs = append(configs, line)
	}
	return configs, nil
}

// ListFilesForPackages uses rpm's files-by-package listing, which prefixes
// every path with its owning package so batches need no separator bookkeeping.
func (s *rpmSystem) ListFilesForPackages(ctx context.Context, names []string) (map[string][]string, error) {
	files := make(map[string][]string, len(names))
	for _, group := range GroupTokens(names, s.batchLimit-len("rpm -q --filesbypkg ")) {
		stdout, _, _, err := s.runner.Exec(ctx, "rpm -q --filesbypkg "+group)
		if err != nil {
			return nil, err
		}
		for _, line := range stdout {
			if strings.TrimSpace(line) == "" ||
				strings.Contains(line, "is not installed") ||
				strings.Contains(line, "(contains no files)") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return nil, fmt.Errorf("%w: filesbypkg line %q", ErrMalformedLine, line)
			}
			pkg := fields[0]
			path := strings.TrimSpace(strings.TrimPrefix(line, pkg))
			files[pkg] = append(files[pkg], path)
		}
	}
	for pkg, paths := range files {
		files[pkg] = fileLeaves(paths)
	}
	return files, nil
}

// FilesChangedFromPackage runs rpm's verify check. A '5' in the attribute
// flags means the file's digest no longer matches the package payload.
func (s *rpmSystem) FilesChangedFromPackage(ctx context.Context, name string) (map[string]bool, error) {
	stdout, _, _, err := s.runner.Exec(ctx, "rpm -V "+name)
	if err != nil {
		return nil, err
	}
	changed := make(map[string]bool)
	for _, line := range stdout {
		if strings.Contains(line, "is not installed") || strings.Contains(line, "(contains no files)") {
			return map[string]bool{}, nil
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.Contains(fields[0], "5") {
			continue
		}
		changed[fields[len(fields)-1]] = true
	}
	return changed, nil
}

func (s *rpmSystem) InstallDirective(inv *inventory.Inventory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", s.BaseImage())
	fmt.Fprintf(&b, "RUN yum -y install %s\n", strings.Join(s.pinnedTokens(inv), " "))
	if comment, tokens := unversionTokens(inv, rpmToken); len(tokens) > 0 {
		fmt.Fprintf(&b, "# Original versions: %s\n", comment)
		fmt.Fprintf(&b, "RUN yum -y install %s\n", strings.Join(tokens, " "))
	}
	return b.String()
}

func (s *rpmSystem) Prelude() string {
	return fmt.Sprintf("FROM %s\n", s.BaseImage())
}

func (s *rpmSystem) InstallCommand(inv *inventory.Inventory) string {
	tokens := s.pinnedTokens(inv)
	_, unv := unversionTokens(inv, rpmToken)
	return "yum -y install " + strings.Join(append(tokens, unv...), " ")
}

// MissingFromInstallOutput is unused for rpm; the ListDiff strategy probes a
// post-install listing instead.
func (s *rpmSystem) MissingFromInstallOutput([]string) ([]string, error) {
	return nil, nil
}

func (s *rpmSystem) pinnedTokens(inv *inventory.Inventory) []string {
	var tokens []string
	for _, name := range inv.InstallNames() {
		if _, unversioned := inv.Unversion[name]; unversioned {
			continue
		}
		tokens = append(tokens, rpmToken(name, inv.Install[name]))
	}
	return tokens
}

func rpmToken(name, ver string) string {
	if ver == inventory.NoVersion {
		return name
	}
	return name + "-" + ver
}

// unversionTokens renders the substitute-install directive for packages whose
// versions had to be loosened, plus the original→substitute comment.
func unversionTokens(inv *inventory.Inventory, token func(name, ver string) string) (comment string, tokens []string) {
	names := make([]string, 0, len(inv.Unversion))
	for name := range inv.Unversion {
		names = append(names, name)
	}
	sort.Strings(names)

	var comments []string
	for _, name := range names {
		sub := inv.Unversion[name]
		if sub.Substitute == inventory.NoVersion {
			comments = append(comments, fmt.Sprintf("%s: %s->?", name, sub.Original))
		} else {
			comments = append(comments, fmt.Sprintf("%s: %s->%s", name, sub.Original, sub.Substitute))
		}
		tokens = append(tokens, token(name, sub.Substitute))
	}
	return strings.Join(comments, " "), tokens
}
