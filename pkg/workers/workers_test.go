package workers

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plus3it/watchmaker/pkg/engine"
	"github.com/plus3it/watchmaker/pkg/platform"
)

// fakePlatform records worker activity without touching the host.
type fakePlatform struct {
	t         *testing.T
	system    string
	calls     [][]string
	retrieved map[string]string
	extracted []string
	cleaned   []string

	stateRetcode int
	stateStdout  string
	extractErr   error
}

func newFakePlatform(t *testing.T, system string) *fakePlatform {
	return &fakePlatform{t: t, system: system, retrieved: map[string]string{}}
}

func (f *fakePlatform) System() string { return f.system }

func (f *fakePlatform) RetrieveFile(ctx context.Context, url, dest string) error {
	f.retrieved[url] = dest
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(url), 0o600)
}

func (f *fakePlatform) CreateWorkingDir(basedir, prefix string) (string, error) {
	return os.MkdirTemp(f.t.TempDir(), prefix)
}

func (f *fakePlatform) CallProcess(ctx context.Context, args []string, opts ...platform.CallOption) (engine.CommandResult, error) {
	f.calls = append(f.calls, args)
	result := engine.CommandResult{Args: args}
	if slices.Contains(args, "state.sls") || slices.Contains(args, "state.highstate") {
		result.Retcode = f.stateRetcode
		result.Stdout = []byte(f.stateStdout)
	}
	return result, nil
}

func (f *fakePlatform) ExtractArchive(archive, dest string) error {
	f.extracted = append(f.extracted, archive)
	dir := filepath.Join(dest, strings.TrimSuffix(filepath.Base(archive), ".zip"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "init.sls"), []byte("{}\n"), 0o600); err != nil {
		return err
	}
	return f.extractErr
}

func (f *fakePlatform) Cleanup(dir string) { f.cleaned = append(f.cleaned, dir) }

func (f *fakePlatform) Reboot(ctx context.Context) error { return nil }

func (f *fakePlatform) Drain() []engine.CommandResult { return nil }

func workerSpec(name string, cfg map[string]interface{}) engine.WorkerSpec {
	return engine.WorkerSpec{Name: name, Config: cfg, Merged: true}
}

func TestRegistryPerSystem(t *testing.T) {
	linux := Registry(newFakePlatform(t, platform.SystemLinux), Options{})
	assert.Equal(t, []string{"salt", "yum"}, linux.Names())

	windows := Registry(newFakePlatform(t, platform.SystemWindows), Options{})
	assert.Equal(t, []string{"salt"}, windows.Names())
}

func TestSaltValidatesEnvironment(t *testing.T) {
	plat := newFakePlatform(t, platform.SystemLinux)

	err := NewSalt(plat, workerSpec("salt", map[string]interface{}{"environment": "qa"})).BeforeInstall()
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrInvalidValue))
	assert.Contains(t, err.Error(), "dev, test, prod")

	err = NewSalt(plat, workerSpec("salt", map[string]interface{}{
		"environment":        "qa",
		"valid_environments": []interface{}{"qa", "prod"},
	})).BeforeInstall()
	assert.NoError(t, err)

	err = NewSalt(plat, workerSpec("salt", map[string]interface{}{"environment": "PROD"})).BeforeInstall()
	assert.NoError(t, err)

	err = NewSalt(plat, workerSpec("salt", map[string]interface{}{"environment": nil})).BeforeInstall()
	assert.NoError(t, err)
}

func TestSaltRejectsBadFormulaMap(t *testing.T) {
	plat := newFakePlatform(t, platform.SystemLinux)
	err := NewSalt(plat, workerSpec("salt", map[string]interface{}{"user_formulas": "not-a-map"})).BeforeInstall()
	assert.True(t, errors.Is(err, engine.ErrMalformedConfig))
}

func TestSaltStateArgs(t *testing.T) {
	tests := []struct {
		states  interface{}
		exclude interface{}
		want    []string
	}{
		{"highstate", nil, []string{"state.highstate"}},
		{"Highstate", "foo", []string{"state.highstate", "exclude=foo"}},
		{"none", nil, nil},
		{nil, nil, nil},
		{"ash-linux.stig, scap", nil, []string{"state.sls", "ash-linux.stig,scap"}},
		{"a,b", []interface{}{"c", "d"}, []string{"state.sls", "a,b", "exclude=c,d"}},
	}

	for _, tt := range tests {
		s := NewSalt(newFakePlatform(t, platform.SystemLinux), workerSpec("salt", map[string]interface{}{
			"salt_states":    tt.states,
			"exclude_states": tt.exclude,
		}))
		assert.Equal(t, tt.want, s.stateArgs(), "states=%v exclude=%v", tt.states, tt.exclude)
	}
}

func TestSaltInstallSequence(t *testing.T) {
	root := t.TempDir()
	plat := newFakePlatform(t, platform.SystemLinux)
	s := NewSalt(plat, workerSpec("salt", map[string]interface{}{
		"install_method": "yum",
		"salt_states":    "highstate",
		"environment":    "dev",
		"computer_name":  "h1",
		"ou_path":        "OU=Servers,DC=example,DC=com",
		"admin_groups":   "admins:ops",
		"salt_content":   "https://example.com/salt-content.zip",
		"user_formulas": map[string]interface{}{
			"ash-linux": "https://example.com/ash-linux-formula-master.zip",
		},
	}), WithSaltRoot(root))

	require.NoError(t, s.BeforeInstall())
	require.NoError(t, s.Install(context.Background()))

	require.GreaterOrEqual(t, len(plat.calls), 5)
	assert.Equal(t, []string{"yum", "-y", "install", "salt-minion"}, plat.calls[0])

	var grainsSet []string
	for _, c := range plat.calls {
		if slices.Contains(c, "grains.setval") {
			grainsSet = append(grainsSet, c[len(c)-2]+"="+c[len(c)-1])
		}
	}
	assert.Equal(t, []string{
		`systemprep={"enterprise_environment":"dev"}`,
		`join-domain={"admin_groups":["admins","ops"],"oupath":"OU=Servers,DC=example,DC=com"}`,
		`name-computer={"computername":"h1"}`,
	}, grainsSet)

	last := plat.calls[len(plat.calls)-1]
	assert.Equal(t, "state.highstate", last[len(last)-1])
	assert.True(t, slices.Contains(last, "--retcode-passthrough"))
	assert.True(t, slices.Contains(last, "json"))

	minion, err := os.ReadFile(filepath.Join(root, "conf", "minion"))
	require.NoError(t, err)
	assert.Contains(t, string(minion), "file_client: local")
	assert.Contains(t, string(minion), filepath.Join(root, "srv", "formulas", "ash-linux"))
	assert.DirExists(t, filepath.Join(root, "srv", "formulas", "ash-linux"))

	assert.Len(t, plat.extracted, 2)
	assert.Len(t, plat.cleaned, 1)
}

func formulaSalt(plat *fakePlatform, root string) *Salt {
	return NewSalt(plat, workerSpec("salt", map[string]interface{}{
		"salt_states": "none",
		"user_formulas": map[string]interface{}{
			"ash-linux": "https://example.com/ash-linux-formula-master.zip",
		},
	}), WithSaltRoot(root))
}

func TestSaltFormulaIgnoresStaleStagingDir(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "srv", "formulas", ".ash-linux.extract", "leftover")
	require.NoError(t, os.MkdirAll(stale, 0o755))

	s := formulaSalt(newFakePlatform(t, platform.SystemLinux), root)
	require.NoError(t, s.BeforeInstall())
	require.NoError(t, s.Install(context.Background()))

	formula := filepath.Join(root, "srv", "formulas", "ash-linux")
	assert.FileExists(t, filepath.Join(formula, "init.sls"))
	assert.NoDirExists(t, filepath.Join(formula, "leftover"))
	assert.NoDirExists(t, filepath.Join(root, "srv", "formulas", ".ash-linux.extract"))
}

func TestSaltFormulaFailureRemovesStagingDir(t *testing.T) {
	root := t.TempDir()
	plat := newFakePlatform(t, platform.SystemLinux)
	plat.extractErr = errors.New("corrupt archive")

	s := formulaSalt(plat, root)
	require.NoError(t, s.BeforeInstall())
	err := s.Install(context.Background())
	require.ErrorIs(t, err, plat.extractErr)

	assert.NoDirExists(t, filepath.Join(root, "srv", "formulas", ".ash-linux.extract"))
	assert.NoDirExists(t, filepath.Join(root, "srv", "formulas", "ash-linux"))
}

func TestSaltStateFailureIsCommandError(t *testing.T) {
	plat := newFakePlatform(t, platform.SystemLinux)
	plat.stateRetcode = 2
	plat.stateStdout = `{"local": {"pkg_|-vim_|-vim_|-installed": {"result": false, "comment": "No package vim"}}}`

	s := NewSalt(plat, workerSpec("salt", map[string]interface{}{"salt_states": "highstate"}), WithSaltRoot(t.TempDir()))
	require.NoError(t, s.BeforeInstall())

	err := s.Install(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrCommand))

	var cmdErr *engine.CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 2, cmdErr.Retcode)
	assert.Empty(t, plat.cleaned)
}

func TestSaltWindowsInstaller(t *testing.T) {
	plat := newFakePlatform(t, platform.SystemWindows)
	s := NewSalt(plat, workerSpec("salt", map[string]interface{}{
		"installer_url": "https://example.com/Salt-Minion-Setup.exe",
		"salt_states":   "none",
	}), WithSaltRoot(t.TempDir()))

	require.NoError(t, s.BeforeInstall())
	require.NoError(t, s.Install(context.Background()))

	dest := plat.retrieved["https://example.com/Salt-Minion-Setup.exe"]
	require.NotEmpty(t, dest)
	assert.Equal(t, []string{dest, "/S"}, plat.calls[0])
}

func writeRelease(t *testing.T, root, name, body string) {
	t.Helper()
	path := filepath.Join(root, "etc", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestYumDetectDist(t *testing.T) {
	tests := []struct {
		file    string
		body    string
		dist    string
		version string
	}{
		{"system-release", "Amazon Linux release 2 (Karoo)\n", "amazon", "2"},
		{"system-release", "Amazon Linux release 2023 (Amazon Linux)\n", "amazon", "2023"},
		{"redhat-release", "Red Hat Enterprise Linux release 8.9 (Ootpa)\n", "redhat", "8"},
		{"redhat-release", "CentOS Stream release 9\n", "centos", "9"},
		{"system-release", "Oracle Linux Server release 8.7\n", "oracle", "8"},
		{"os-release", "NAME=\"Rocky Linux\"\nID=\"rocky\"\nVERSION_ID=\"9.3\"\n", "rocky", "9"},
		{"os-release", "ID=almalinux\nVERSION_ID=8.10\n", "almalinux", "8"},
	}

	for _, tt := range tests {
		t.Run(tt.dist+tt.version, func(t *testing.T) {
			root := t.TempDir()
			writeRelease(t, root, tt.file, tt.body)

			y := NewYum(newFakePlatform(t, platform.SystemLinux), workerSpec("yum", nil), WithReleaseRoot(root))
			dist, version, err := y.detectDist()
			require.NoError(t, err)
			assert.Equal(t, tt.dist, dist)
			assert.Equal(t, tt.version, version)
		})
	}
}

func TestYumInstallsMatchingRepos(t *testing.T) {
	root := t.TempDir()
	writeRelease(t, root, "redhat-release", "Red Hat Enterprise Linux release 9.2 (Plow)\n")
	repoDir := filepath.Join(t.TempDir(), "yum.repos.d")

	plat := newFakePlatform(t, platform.SystemLinux)
	y := NewYum(plat, workerSpec("yum", map[string]interface{}{
		"repo_map": []interface{}{
			map[string]interface{}{"dist": "amazon", "el_version": 2, "url": "https://example.com/amzn.repo"},
			map[string]interface{}{"dist": []interface{}{"redhat", "centos"}, "el_version": 8, "url": "https://example.com/el8.repo"},
			map[string]interface{}{"dist": []interface{}{"redhat", "centos"}, "el_version": 9, "url": "https://example.com/el9.repo"},
			map[string]interface{}{"dist": "redhat", "url": "https://example.com/any.repo"},
			map[string]interface{}{"dist": "all", "el_version": 9, "url": "https://example.com/common.repo"},
			map[string]interface{}{"dist": "all", "el_version": 8, "url": "https://example.com/common8.repo"},
		},
	}), WithReleaseRoot(root), WithRepoDir(repoDir))

	require.NoError(t, y.BeforeInstall())
	require.NoError(t, y.Install(context.Background()))

	require.Len(t, plat.retrieved, 3)
	require.Len(t, plat.cleaned, 1)
	workdir := plat.cleaned[0]
	for url, staged := range plat.retrieved {
		name := path.Base(url)
		assert.Equal(t, filepath.Join(workdir, name), staged)
		assert.NoFileExists(t, staged)

		data, err := os.ReadFile(filepath.Join(repoDir, name))
		require.NoError(t, err)
		assert.Equal(t, url, string(data))
	}
	assert.Contains(t, plat.retrieved, "https://example.com/common.repo")
	assert.NoFileExists(t, filepath.Join(repoDir, "common8.repo"))
}

func TestRepoEntryMatches(t *testing.T) {
	tests := []struct {
		entry     RepoEntry
		dist      string
		elVersion string
		want      bool
	}{
		{RepoEntry{Dists: []string{"redhat"}}, "redhat", "9", true},
		{RepoEntry{Dists: []string{"redhat"}}, "centos", "9", false},
		{RepoEntry{Dists: []string{"RedHat"}, ElVersion: "9"}, "redhat", "9", true},
		{RepoEntry{Dists: []string{"redhat"}, ElVersion: "8"}, "redhat", "9", false},
		{RepoEntry{Dists: []string{"all"}}, "amazon", "2", true},
		{RepoEntry{Dists: []string{"ALL"}, ElVersion: "8"}, "rocky", "8", true},
		{RepoEntry{Dists: []string{"all"}, ElVersion: "8"}, "rocky", "9", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.entry.matches(tt.dist, tt.elVersion), "%v %s/%s", tt.entry.Dists, tt.dist, tt.elVersion)
	}
}

func TestYumValidation(t *testing.T) {
	root := t.TempDir()
	writeRelease(t, root, "os-release", "ID=debian\nVERSION_ID=12\n")

	y := NewYum(newFakePlatform(t, platform.SystemLinux), workerSpec("yum", nil), WithReleaseRoot(root))
	err := y.BeforeInstall()
	assert.True(t, errors.Is(err, engine.ErrInvalidValue))

	y = NewYum(newFakePlatform(t, platform.SystemLinux), workerSpec("yum", map[string]interface{}{
		"repo_map": []interface{}{map[string]interface{}{"dist": "redhat"}},
	}), WithReleaseRoot(root))
	err = y.BeforeInstall()
	assert.True(t, errors.Is(err, engine.ErrMalformedConfig))
}
