package pkgmgr

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GiselleSerate/pure19prototype/internal/inventory"
)

func newRPM(t *testing.T, runner *fakeRunner) System {
	t.Helper()
	return newTestSystem(t, "centos", "7", runner, 0)
}

func TestRPMParsePackageLine(t *testing.T) {
	sys := newRPM(t, &fakeRunner{})
	cases := []struct {
		line, name, version string
	}{
		{"vim-enhanced.x86_64   2:7.4.160-6.el7_6   @base", "vim-enhanced", "7.4.160"},
		{"java-1.8.0-openjdk.x86_64   1:1.8.0.212.b04-0.el7_6   @updates", "java-1.8.0-openjdk", "1.8.0.212.b04"},
		{"bash.x86_64   4.2.46-31.el7   installed", "bash", "4.2.46"},
		{"gpg-pubkey   f4a80eb5-53a7ff4b   installed", "gpg-pubkey", "f4a80eb5"},
	}
	for _, tc := range cases {
		name, version, err := sys.ParsePackageLine(tc.line)
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.name, name, tc.line)
		assert.Equal(t, tc.version, version, tc.line)
	}
}

func TestRPMParsePackageLine_Malformed(t *testing.T) {
	sys := newRPM(t, &fakeRunner{})
	_, _, err := sys.ParsePackageLine("loneword")
	assert.ErrorIs(t, err, ErrMalformedLine)
}

func TestRPMParseAllPackages(t *testing.T) {
	sys := newRPM(t, &fakeRunner{})
	pkgs, err := sys.ParseAllPackages([]string{
		"Installed Packages",
		"bash.x86_64   4.2.46-31.el7   @base",
		"",
		"vim-minimal.x86_64   2:7.4.160-6.el7_6   @base",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"bash": "4.2.46", "vim-minimal": "7.4.160"}, pkgs)
}

func TestRPMParseAllPackages_MalformedIsFatal(t *testing.T) {
	sys := newRPM(t, &fakeRunner{})
	_, err := sys.ParseAllPackages([]string{"bash.x86_64   4.2.46-31.el7", "garbage"})
	assert.ErrorIs(t, err, ErrMalformedLine)
}

func TestRPMDependencies(t *testing.T) {
	runner := &fakeRunner{exec: func(command string) ([]string, error) {
		assert.Equal(t, "rpm -qR httpd", command)
		return []string{
			"/bin/sh",
			"apr >= 1.4.0",
			"rpm-libs(x86-64) = 4.11.3-35.el7",
			"rtld(GNU_HASH)",
		}, nil
	}}
	sys := newRPM(t, runner)
	deps, err := sys.Dependencies(context.Background(), "httpd")
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/sh", "apr", "rpm-libs(x86-64)", "rtld(GNU_HASH)"}, deps)
}

func TestRPMConfigFiles(t *testing.T) {
	runner := &fakeRunner{exec: func(command string) ([]string, error) {
		return []string{"/etc/httpd/conf/httpd.conf", "/etc/httpd/conf.d/welcome.conf"}, nil
	}}
	sys := newRPM(t, runner)
	configs, err := sys.ConfigFiles(context.Background(), "httpd")
	require.NoError(t, err)
	assert.Equal(t, []string{"/etc/httpd/conf/httpd.conf", "/etc/httpd/conf.d/welcome.conf"}, configs)
}

func TestRPMConfigFiles_NoFiles(t *testing.T) {
	runner := &fakeRunner{exec: func(command string) ([]string, error) {
		return []string{"(contains no files)"}, nil
	}}
	sys := newRPM(t, runner)
	configs, err := sys.ConfigFiles(context.Background(), "filesystem")
	require.NoError(t, err)
	assert.Empty(t, configs)
}

func TestRPMListFilesForPackages(t *testing.T) {
	runner := &fakeRunner{exec: func(command string) ([]string, error) {
		assert.True(t, strings.HasPrefix(command, "rpm -q --filesbypkg "))
		return []string{
			"bash                      /usr/bin/bash",
			"bash                      /usr/share/doc/bash-4.2.46",
			"bash                      /usr/share/doc/bash-4.2.46/COPYING",
			"httpd                     /etc/httpd/conf/httpd.conf",
			"gone is not installed",
		}, nil
	}}
	sys := newRPM(t, runner)
	files, err := sys.ListFilesForPackages(context.Background(), []string{"bash", "httpd", "gone"})
	require.NoError(t, err)

	assert.Equal(t, []string{"/usr/bin/bash", "/usr/share/doc/bash-4.2.46/COPYING"}, files["bash"],
		"parent directories are dropped")
	assert.Equal(t, []string{"/etc/httpd/conf/httpd.conf"}, files["httpd"])
	assert.NotContains(t, files, "gone")
}

func TestRPMListFilesForPackages_Batches(t *testing.T) {
	runner := &fakeRunner{exec: func(command string) ([]string, error) {
		var lines []string
		for _, name := range strings.Fields(strings.TrimPrefix(command, "rpm -q --filesbypkg ")) {
			lines = append(lines, name+"  /usr/bin/"+name)
		}
		return lines, nil
	}}
	limit := len("rpm -q --filesbypkg ") + 12
	sys := newTestSystem(t, "centos", "7", runner, limit)

	names := []string{"aaaa", "bbbb", "cccc", "dddd", "eeee"}
	files, err := sys.ListFilesForPackages(context.Background(), names)
	require.NoError(t, err)

	assert.Greater(t, len(runner.commands), 1, "name list must be split across calls")
	for _, name := range names {
		assert.Equal(t, []string{"/usr/bin/" + name}, files[name])
	}
}

func TestRPMFilesChangedFromPackage(t *testing.T) {
	runner := &fakeRunner{exec: func(command string) ([]string, error) {
		return []string{
			"S.5....T.  c /etc/httpd/conf/httpd.conf",
			".......T.  c /etc/httpd/conf.d/welcome.conf",
			"missing     /usr/share/httpd/noindex",
		}, nil
	}}
	sys := newRPM(t, runner)
	changed, err := sys.FilesChangedFromPackage(context.Background(), "httpd")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"/etc/httpd/conf/httpd.conf": true}, changed)
}

func TestRPMFilesChangedFromPackage_NotInstalled(t *testing.T) {
	runner := &fakeRunner{exec: func(command string) ([]string, error) {
		return []string{"package gone is not installed"}, nil
	}}
	sys := newRPM(t, runner)
	changed, err := sys.FilesChangedFromPackage(context.Background(), "gone")
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestRPMInstallDirective(t *testing.T) {
	sys := newRPM(t, &fakeRunner{})
	inv := inventory.New(map[string]string{"bash": "4.2.46", "vim-minimal": "7.4.160"})

	directive := sys.InstallDirective(inv)
	assert.Equal(t, "FROM centos:7\nRUN yum -y install bash-4.2.46 vim-minimal-7.4.160\n", directive)
}

func TestRPMInstallDirective_Unversioned(t *testing.T) {
	sys := newRPM(t, &fakeRunner{})
	inv := inventory.New(map[string]string{"bash": "4.2.46", "httpd": "2.4.6"})
	inv.Unconstrain("httpd")
	inv.SetSubstitute("httpd", "2.4.9")

	directive := sys.InstallDirective(inv)
	assert.Contains(t, directive, "RUN yum -y install bash-4.2.46\n")
	assert.Contains(t, directive, "# Original versions: httpd: 2.4.6->2.4.9\n")
	assert.Contains(t, directive, "RUN yum -y install httpd-2.4.9\n")
}

func TestRPMInstallDirective_UnconstrainedWithoutSubstitute(t *testing.T) {
	sys := newRPM(t, &fakeRunner{})
	inv := inventory.New(map[string]string{"httpd": "2.4.6"})
	inv.Unconstrain("httpd")

	directive := sys.InstallDirective(inv)
	assert.Contains(t, directive, "# Original versions: httpd: 2.4.6->?\n")
	assert.Contains(t, directive, "RUN yum -y install httpd\n")
}

func TestRPMInstallCommand(t *testing.T) {
	sys := newRPM(t, &fakeRunner{})
	inv := inventory.New(map[string]string{"bash": "4.2.46"})
	assert.Equal(t, "yum -y install bash-4.2.46", sys.InstallCommand(inv))
}

func TestRPMStrategy(t *testing.T) {
	sys := newRPM(t, &fakeRunner{})
	assert.Equal(t, ListDiff, sys.Strategy())
	assert.Equal(t, "centos:7", sys.BaseImage())
}
