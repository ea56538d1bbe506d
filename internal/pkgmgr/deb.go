package pkgmgr

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/GiselleSerate/pure19prototype/internal/inventory"
)

// debSystem analyzes Debian-family systems (Ubuntu, Debian) via apt/dpkg.
type debSystem struct {
	base
}

var (
	missingPkgRe = regexp.MustCompile(`E: Unable to locate package (.*)$`)
	missingVerRe = regexp.MustCompile(`' for '(.*)' was not found$`)
)

func (s *debSystem) Name() string { return "deb" }

func (s *debSystem) ListInstalled() string { return "apt list --installed" }

// Strategy is MarkerScan: apt aborts the whole transaction on the first
// unresolvable entry, so there is no post-install listing to diff.
func (s *debSystem) Strategy() Strategy { return MarkerScan }

// ParsePackageLine parses an apt listing line like
// "accountsservice/bionic,now 0.6.45-1ubuntu1 amd64 [installed,automatic]".
func (s *debSystem) ParsePackageLine(line string) (string, string, error) {
	clean := strings.TrimSpace(line)
	slash := strings.Index(clean, "/")
	now := strings.Index(clean, "now ")
	if slash <= 0 || now < 0 {
		return "", "", fmt.Errorf("%w: apt line %q", ErrMalformedLine, line)
	}
	name := clean[:slash]
	rest := clean[now+len("now "):]
	ver := rest
	if i := strings.Index(rest, " "); i >= 0 {
		ver = rest[:i]
	}
	if ver == "" {
		return "", "", fmt.Errorf("%w: apt line %q", ErrMalformedLine, line)
	}
	return name, ver, nil
}

func (s *debSystem) ParseAllPackages(lines []string) (map[string]string, error) {
	packages := make(map[string]string)
	for _, line := range lines {
		if strings.TrimSpace(line) == "" ||
			strings.HasPrefix(line, "Listing") ||
			strings.HasPrefix(line, "WARNING") {
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

func (s *debSystem) Dependencies(ctx context.Context, name string) ([]string, error) {
	lines, err := s.cachedLines(ctx, "deps:"+name, "apt-cache depends "+name)
	if err != nil {
		return nil, err
	}
	var deps []string
	for _, line := range lines {
		if !strings.Contains(line, "Depends:") {
			continue
		}
		dep := strings.TrimSpace(strings.SplitN(line, "Depends:", 2)[1])
		if dep != "" {
			deps = append(deps, dep)
		}
	}
	return deps, nil
}

// ConfigFiles reads the package's conffiles manifest. A missing manifest
// means the package declares no config files.
func (s *debSystem) ConfigFiles(ctx context.Context, name string) ([]string, error) {
	lines, err := s.cachedLines(ctx, "conf:"+name, "cat /var/lib/dpkg/info/"+name+".conffiles")
	if err != nil {
		return nil, err
	}
	var configs []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.Contains(line, "No such file") {
			continue
		}
		configs = append(configs, line)
	}
	return configs, nil
}

// ListFilesForPackages batches dpkg-query calls. Each package's file group in
// the output opens with the "/." root entry, which is how group boundaries
// are recovered. dpkg-query reports missing packages on stderr while the file
// groups stay on stdout, so the stdout groups align with the batch minus the
// names reported missing on either stream.
func (s *debSystem) ListFilesForPackages(ctx context.Context, names []string) (map[string][]string, error) {
	files := make(map[string][]string, len(names))
	offset := 0
	for _, group := range GroupTokens(names, s.batchLimit-len("dpkg-query -L ")) {
		batch := names[offset : offset+len(strings.Fields(group))]
		offset += len(batch)

		stdout, stderr, _, err := s.runner.Exec(ctx, "dpkg-query -L "+group)
		if err != nil {
			return nil, err
		}

		notInstalled := make(map[string]bool)
		scanMissing := func(lines []string) {
			for _, line := range lines {
				if !strings.Contains(line, "is not installed") {
					continue
				}
				if name, ok := quotedName(line); ok {
					notInstalled[name] = true
				}
			}
		}
		scanMissing(stderr)
		scanMissing(stdout)

		installed := make([]string, 0, len(batch))
		for _, name := range batch {
			if !notInstalled[name] {
				installed = append(installed, name)
			}
		}

		idx := -1
		var current []string
		commit := func() {
			if idx >= 0 && idx < len(installed) {
				files[installed[idx]] = fileLeaves(current)
			}
		}
		for _, line := range stdout {
			line = strings.TrimSpace(line)
			switch {
			case line == "" ||
				strings.Contains(line, "contains no files") ||
				strings.Contains(line, "is not installed"):
			case line == "/.":
				commit()
				idx++
				current = nil
			default:
				current = append(current, line)
			}
		}
		commit()
	}
	return files, nil
}

func quotedName(line string) (string, bool) {
	start := strings.Index(line, "'")
	if start < 0 {
		return "", false
	}
	end := strings.Index(line[start+1:], "'")
	if end < 0 {
		return "", false
	}
	return line[start+1 : start+1+end], true
}

// FilesChangedFromPackage runs dpkg's verify check. A '5' in the attribute
// flags means the file's digest no longer matches the shipped one.
func (s *debSystem) FilesChangedFromPackage(ctx context.Context, name string) (map[string]bool, error) {
	stdout, _, _, err := s.runner.Exec(ctx, "dpkg --verify "+name)
	if err != nil {
		return nil, err
	}
	changed := make(map[string]bool)
	for _, line := range stdout {
		if strings.Contains(line, "is not installed") || strings.Contains(line, "contains no files") {
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

func (s *debSystem) InstallDirective(inv *inventory.Inventory) string {
	var b strings.Builder
	b.WriteString(s.Prelude())
	fmt.Fprintf(&b, "RUN apt-get update && apt-get install -y --allow-downgrades %s\n",
		strings.Join(s.pinnedTokens(inv), " "))
	if comment, tokens := unversionTokens(inv, debToken); len(tokens) > 0 {
		fmt.Fprintf(&b, "# Original versions: %s\n", comment)
		fmt.Fprintf(&b, "RUN apt-get update && apt-get install -y --allow-downgrades %s\n",
			strings.Join(tokens, " "))
	}
	return b.String()
}

func (s *debSystem) Prelude() string {
	var b strings.Builder
	fmt.Fprintf(&b, "FROM %s\n", s.BaseImage())
	b.WriteString("ENV DEBIAN_FRONTEND=noninteractive\n")
	return b.String()
}

func (s *debSystem) InstallCommand(inv *inventory.Inventory) string {
	tokens := s.pinnedTokens(inv)
	_, unv := unversionTokens(inv, debToken)
	return "apt-get update && apt-get install -y --allow-downgrades " +
		strings.Join(append(tokens, unv...), " ")
}

// MissingFromInstallOutput extracts apt's structured failure markers. Output
// with an apt error but no recognizable marker is malformed: the probe cannot
// tell which packages failed.
func (s *debSystem) MissingFromInstallOutput(lines []string) ([]string, error) {
	var missing []string
	sawError := false
	for _, line := range lines {
		if m := missingPkgRe.FindStringSubmatch(line); m != nil {
			missing = append(missing, strings.TrimSpace(m[1]))
			continue
		}
		if m := missingVerRe.FindStringSubmatch(line); m != nil {
			missing = append(missing, strings.TrimSpace(m[1]))
			continue
		}
		if strings.Contains(line, "E: ") {
			sawError = true
		}
	}
	if len(missing) == 0 && sawError {
		return nil, fmt.Errorf("%w: install failed without a missing-package marker", ErrMalformedLine)
	}
	return missing, nil
}

func (s *debSystem) pinnedTokens(inv *inventory.Inventory) []string {
	var tokens []string
	for _, name := range inv.InstallNames() {
		if _, unversioned := inv.Unversion[name]; unversioned {
			continue
		}
		tokens = append(tokens, debToken(name, inv.Install[name]))
	}
	return tokens
}

func debToken(name, ver string) string {
	if ver == inventory.NoVersion {
		return name
	}
	return name + "=" + ver
}
