package workers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/plus3it/watchmaker/pkg/engine"
	"github.com/plus3it/watchmaker/pkg/platform"
)

// SupportedDists are the distributions the yum worker installs repos on.
var SupportedDists = []string{"amazon", "redhat", "centos", "almalinux", "rocky", "oracle"}

var releaseNames = []struct {
	dist   string
	prefix string
}{
	{"amazon", "Amazon Linux"},
	{"oracle", "Oracle Linux"},
	{"almalinux", "AlmaLinux"},
	{"rocky", "Rocky Linux"},
	{"centos", "CentOS"},
	{"redhat", "Red Hat Enterprise Linux"},
}

var osReleaseIDs = map[string]string{
	"amzn":      "amazon",
	"rhel":      "redhat",
	"centos":    "centos",
	"almalinux": "almalinux",
	"rocky":     "rocky",
	"ol":        "oracle",
}

// distAll in a repo_map entry matches every supported distribution.
const distAll = "all"

var releaseVersion = regexp.MustCompile(`release (\d+)`)

// RepoEntry maps a distribution and EL major version to a .repo file.
type RepoEntry struct {
	Dists     []string
	ElVersion string
	URL       string
}

func (e RepoEntry) matches(dist, elVersion string) bool {
	if e.ElVersion != "" && e.ElVersion != elVersion {
		return false
	}
	for _, d := range e.Dists {
		if strings.EqualFold(d, distAll) || strings.EqualFold(d, dist) {
			return true
		}
	}
	return false
}

// Yum installs yum repository definitions for the host's distribution.
type Yum struct {
	plat    platform.Platform
	spec    engine.WorkerSpec
	root    string
	repoDir string

	repos     []RepoEntry
	dist      string
	elVersion string
}

// YumOption configures the yum worker.
type YumOption func(*Yum)

// WithReleaseRoot reads release files beneath root instead of "/".
func WithReleaseRoot(root string) YumOption {
	return func(y *Yum) { y.root = root }
}

// WithRepoDir writes .repo files to dir instead of /etc/yum.repos.d.
func WithRepoDir(dir string) YumOption {
	return func(y *Yum) { y.repoDir = dir }
}

// NewYum creates the yum worker.
func NewYum(plat platform.Platform, spec engine.WorkerSpec, opts ...YumOption) *Yum {
	y := &Yum{
		plat:    plat,
		spec:    spec,
		root:    "/",
		repoDir: "/etc/yum.repos.d",
	}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

// Name implements engine.Worker.
func (y *Yum) Name() string { return "yum" }

// BeforeInstall detects the distribution and checks repo_map.
func (y *Yum) BeforeInstall() error {
	repos, err := parseRepoMap(y.spec.Param("repo_map"))
	if err != nil {
		return engine.NewMalformedConfigError(err.Error(), nil).WithWorker(y.Name())
	}
	y.repos = repos

	dist, elVersion, err := y.detectDist()
	if err != nil {
		return err
	}
	if !slices.Contains(SupportedDists, dist) {
		return engine.NewInvalidValueError(y.Name(), "dist", dist, SupportedDists)
	}
	y.dist, y.elVersion = dist, elVersion

	log.Debug().Str("dist", dist).Str("el_version", elVersion).Msg("Detected distribution")
	return nil
}

// Install downloads every matching .repo file into a working directory and
// moves it into the repo dir, so yum never reads a partial file.
func (y *Yum) Install(ctx context.Context) error {
	workdir, err := y.plat.CreateWorkingDir("", "yum-")
	if err != nil {
		return err
	}
	defer y.plat.Cleanup(workdir)

	if err := os.MkdirAll(y.repoDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", y.repoDir, err)
	}

	installed := 0
	for _, repo := range y.repos {
		if !repo.matches(y.dist, y.elVersion) {
			continue
		}
		name := path.Base(repo.URL)
		staged := filepath.Join(workdir, name)
		if err := y.plat.RetrieveFile(ctx, repo.URL, staged); err != nil {
			return fmt.Errorf("failed to install repo %s: %w", repo.URL, err)
		}
		dest := filepath.Join(y.repoDir, name)
		if err := moveFile(staged, dest); err != nil {
			return fmt.Errorf("failed to install repo %s: %w", repo.URL, err)
		}
		installed++
		log.Info().Str("repo", dest).Msg("Installed yum repo")
	}

	if installed == 0 {
		log.Warn().Str("dist", y.dist).Str("el_version", y.elVersion).Msg("No yum repos matched this host")
	}
	return nil
}

func parseRepoMap(raw interface{}) ([]RepoEntry, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("repo_map must be a list")
	}

	repos := make([]RepoEntry, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("repo_map[%d] must be a mapping", i)
		}
		entry := RepoEntry{Dists: toStrings(m["dist"], "")}
		if v := m["el_version"]; v != nil {
			entry.ElVersion = fmt.Sprint(v)
		}
		if v, ok := m["url"].(string); ok {
			entry.URL = strings.TrimSpace(v)
		}
		if entry.URL == "" {
			return nil, fmt.Errorf("repo_map[%d] is missing url", i)
		}
		if len(entry.Dists) == 0 {
			return nil, fmt.Errorf("repo_map[%d] is missing dist", i)
		}
		repos = append(repos, entry)
	}
	return repos, nil
}

// detectDist reads the release files in priority order.
func (y *Yum) detectDist() (string, string, error) {
	for _, name := range []string{"etc/system-release", "etc/redhat-release"} {
		data, err := os.ReadFile(filepath.Join(y.root, filepath.FromSlash(name)))
		if err != nil {
			continue
		}
		line := strings.TrimSpace(string(data))
		for _, r := range releaseNames {
			if !strings.HasPrefix(line, r.prefix) {
				continue
			}
			if m := releaseVersion.FindStringSubmatch(line); m != nil {
				return r.dist, m[1], nil
			}
		}
	}

	fh, err := os.Open(filepath.Join(y.root, "etc", "os-release"))
	if err != nil {
		return "", "", fmt.Errorf("unable to determine the linux distribution: %w", err)
	}
	defer fh.Close()

	var id, version string
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)
		switch key {
		case "ID":
			id = value
		case "VERSION_ID":
			version, _, _ = strings.Cut(value, ".")
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("failed to read os-release: %w", err)
	}

	dist, ok := osReleaseIDs[id]
	if !ok {
		dist = id
	}
	return dist, version, nil
}

// moveFile renames src to dest, copying when they sit on different
// filesystems.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
