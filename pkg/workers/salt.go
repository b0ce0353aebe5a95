package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/plus3it/watchmaker/pkg/engine"
	"github.com/plus3it/watchmaker/pkg/platform"
)

// DefaultEnvironments are accepted for "environment" when the config sets
// no valid_environments.
var DefaultEnvironments = []string{"dev", "test", "prod"}

// saltPaths locates the salt tree for one system.
type saltPaths struct {
	srv      string
	states   string
	pillar   string
	formulas string
	conf     string
	saltCall string
}

func newSaltPaths(system, root string) saltPaths {
	var p saltPaths
	switch {
	case root != "":
		p.srv = filepath.Join(root, "srv")
		p.conf = filepath.Join(root, "conf")
		p.saltCall = "salt-call"
	case system == platform.SystemWindows:
		base := filepath.Join(platform.SystemDrive()+`\`, "Watchmaker", "Salt")
		p.srv = filepath.Join(base, "srv")
		p.conf = filepath.Join(base, "conf")
		p.saltCall = filepath.Join(platform.SystemDrive()+`\`, "Program Files", "Salt Project", "Salt", "salt-call.exe")
	default:
		p.srv = "/srv/watchmaker/salt"
		p.conf = "/opt/watchmaker/salt"
		p.saltCall = "salt-call"
	}
	p.states = filepath.Join(p.srv, "states")
	p.pillar = filepath.Join(p.srv, "pillar")
	p.formulas = filepath.Join(p.srv, "formulas")
	return p
}

// Salt installs salt, stages content and formulas, sets grains and applies
// states.
type Salt struct {
	plat  platform.Platform
	spec  engine.WorkerSpec
	paths saltPaths

	states        string
	excludeStates string
	environment   string
	validEnvs     []string
	computerName  string
	ouPath        string
	adminGroups   []string
	adminUsers    []string
	content       string
	formulaNames  []string
	formulaURLs   map[string]string
	installerURL  string
	installMethod string
	saltVersion   string
	debugLog      bool
}

// SaltOption configures the salt worker.
type SaltOption func(*saltOptions)

type saltOptions struct {
	root string
}

// WithSaltRoot places the salt tree and minion config beneath root.
func WithSaltRoot(root string) SaltOption {
	return func(o *saltOptions) { o.root = root }
}

// NewSalt creates the salt worker.
func NewSalt(plat platform.Platform, spec engine.WorkerSpec, opts ...SaltOption) *Salt {
	var o saltOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Salt{
		plat:          plat,
		spec:          spec,
		paths:         newSaltPaths(plat.System(), o.root),
		states:        str(spec, "salt_states"),
		excludeStates: strings.Join(strList(spec, "exclude_states", ","), ","),
		environment:   str(spec, "environment"),
		validEnvs:     strList(spec, "valid_environments", ","),
		computerName:  str(spec, "computer_name"),
		ouPath:        str(spec, "ou_path"),
		adminGroups:   strList(spec, "admin_groups", ":"),
		adminUsers:    strList(spec, "admin_users", ":"),
		content:       str(spec, "salt_content"),
		installerURL:  str(spec, "salt_installer_url"),
		installMethod: str(spec, "install_method"),
		saltVersion:   str(spec, "salt_version"),
	}
	if s.installerURL == "" {
		s.installerURL = str(spec, "installer_url")
	}
	if len(s.validEnvs) == 0 {
		s.validEnvs = DefaultEnvironments
	}
	switch strings.ToLower(str(spec, "salt_debug_log")) {
	case "", "false", "no", "0":
	default:
		s.debugLog = true
	}
	return s
}

// Name implements engine.Worker.
func (s *Salt) Name() string { return "salt" }

// BeforeInstall validates parameters.
func (s *Salt) BeforeInstall() error {
	if s.environment != "" && !containsFold(s.validEnvs, s.environment) {
		return engine.NewInvalidValueError(s.Name(), "environment", s.environment, s.validEnvs)
	}

	names, urls, err := strMap(s.spec, "user_formulas")
	if err != nil {
		return engine.NewMalformedConfigError(err.Error(), nil).WithWorker(s.Name())
	}
	s.formulaNames, s.formulaURLs = names, urls

	switch strings.ToLower(s.installMethod) {
	case "", "yum", "git":
	default:
		return engine.NewInvalidValueError(s.Name(), "install_method", s.installMethod, []string{"yum", "git"})
	}
	return nil
}

// Install runs the salt sequence.
func (s *Salt) Install(ctx context.Context) error {
	workdir, err := s.plat.CreateWorkingDir("", "salt-")
	if err != nil {
		return err
	}

	steps := []struct {
		name string
		fn   func(context.Context, string) error
	}{
		{"install salt", s.installSalt},
		{"prepare directories", s.prepareDirs},
		{"stage content", s.stageContent},
		{"stage formulas", s.stageFormulas},
		{"write minion config", s.writeMinionConfig},
		{"set grains", s.setGrains},
		{"apply states", s.applyStates},
	}
	for _, step := range steps {
		log.Debug().Str("worker", s.Name()).Str("step", step.name).Msg("Running salt step")
		if err := step.fn(ctx, workdir); err != nil {
			return fmt.Errorf("salt: %s: %w", step.name, err)
		}
	}

	s.plat.Cleanup(workdir)
	return nil
}

func (s *Salt) installSalt(ctx context.Context, workdir string) error {
	if s.installerURL != "" {
		installer := filepath.Join(workdir, path.Base(s.installerURL))
		if err := s.plat.RetrieveFile(ctx, s.installerURL, installer); err != nil {
			return err
		}

		args := []string{"sh", installer}
		if s.plat.System() == platform.SystemWindows {
			args = []string{installer, "/S"}
		} else if s.saltVersion != "" {
			args = append(args, "stable", s.saltVersion)
		}
		_, err := s.plat.CallProcess(ctx, args)
		return err
	}

	if s.plat.System() == platform.SystemLinux && strings.EqualFold(s.installMethod, "yum") {
		pkg := "salt-minion"
		if s.saltVersion != "" {
			pkg += "-" + s.saltVersion
		}
		_, err := s.plat.CallProcess(ctx, []string{"yum", "-y", "install", pkg})
		return err
	}

	log.Info().Msg("No salt installer configured, using the installed salt")
	return nil
}

func (s *Salt) prepareDirs(ctx context.Context, workdir string) error {
	for _, dir := range []string{s.paths.states, s.paths.pillar, s.paths.formulas, s.paths.conf} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

func (s *Salt) stageContent(ctx context.Context, workdir string) error {
	if s.content == "" {
		return nil
	}

	archive := filepath.Join(workdir, path.Base(s.content))
	if err := s.plat.RetrieveFile(ctx, s.content, archive); err != nil {
		return err
	}
	return s.plat.ExtractArchive(archive, s.paths.srv)
}

// stageFormulas extracts each user formula and installs its top-level
// directory as formulas/<name>, replacing a bundled formula of that name.
func (s *Salt) stageFormulas(ctx context.Context, workdir string) error {
	for _, name := range s.formulaNames {
		url := s.formulaURLs[name]
		archive := filepath.Join(workdir, name+"-"+path.Base(url))
		if err := s.plat.RetrieveFile(ctx, url, archive); err != nil {
			return err
		}
		if err := s.installFormula(name, archive); err != nil {
			return err
		}
	}
	return nil
}

// installFormula extracts archive into a staging dir and moves its top-level
// directory to formulas/<name>. The staging dir never outlives the call.
func (s *Salt) installFormula(name, archive string) error {
	// Staged beside the destination so the final rename stays on one
	// filesystem.
	extracted := filepath.Join(s.paths.formulas, "."+name+".extract")
	if err := os.RemoveAll(extracted); err != nil {
		return fmt.Errorf("failed to clear formula staging dir %s: %w", extracted, err)
	}
	defer func() {
		if err := os.RemoveAll(extracted); err != nil {
			log.Warn().Err(err).Str("dir", extracted).Msg("Failed to remove formula staging dir")
		}
	}()

	if err := s.plat.ExtractArchive(archive, extracted); err != nil {
		return err
	}

	src, err := singleTopDir(extracted)
	if err != nil {
		return fmt.Errorf("formula %s: %w", name, err)
	}
	dest := filepath.Join(s.paths.formulas, name)
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("failed to install formula %s: %w", name, err)
	}
	log.Info().Str("formula", name).Str("dest", dest).Msg("Installed user formula")
	return nil
}

// singleTopDir returns dir's only subdirectory, or dir itself when the
// archive was not wrapped in one.
func singleTopDir(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}

type minionConfig struct {
	FileClient  string              `yaml:"file_client"`
	FileRoots   map[string][]string `yaml:"file_roots"`
	PillarRoots map[string][]string `yaml:"pillar_roots"`
	LogLevel    string              `yaml:"log_level_logfile,omitempty"`
}

func (s *Salt) writeMinionConfig(ctx context.Context, workdir string) error {
	roots := []string{s.paths.states}
	entries, err := os.ReadDir(s.paths.formulas)
	if err != nil {
		return err
	}
	var formulas []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			formulas = append(formulas, filepath.Join(s.paths.formulas, e.Name()))
		}
	}
	sort.Strings(formulas)
	roots = append(roots, formulas...)

	cfg := minionConfig{
		FileClient:  "local",
		FileRoots:   map[string][]string{"base": roots},
		PillarRoots: map[string][]string{"base": {s.paths.pillar}},
	}
	if s.debugLog {
		cfg.LogLevel = "debug"
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	dest := filepath.Join(s.paths.conf, "minion")
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	log.Debug().Str("path", dest).Strs("file_roots", roots).Msg("Wrote minion config")
	return nil
}

type grain struct {
	key   string
	value map[string]interface{}
}

func (s *Salt) setGrains(ctx context.Context, workdir string) error {
	grains := []grain{
		{"systemprep", map[string]interface{}{"enterprise_environment": s.environment}},
	}

	join := map[string]interface{}{}
	if s.ouPath != "" {
		join["oupath"] = s.ouPath
	}
	if len(s.adminGroups) > 0 {
		join["admin_groups"] = s.adminGroups
	}
	if len(s.adminUsers) > 0 {
		join["admin_users"] = s.adminUsers
	}
	if len(join) > 0 {
		grains = append(grains, grain{"join-domain", join})
	}
	if s.computerName != "" {
		grains = append(grains, grain{"name-computer", map[string]interface{}{"computername": s.computerName}})
	}

	for _, g := range grains {
		value, err := json.Marshal(g.value)
		if err != nil {
			return err
		}
		if _, err := s.plat.CallProcess(ctx, s.saltCall("grains.setval", g.key, string(value))); err != nil {
			return err
		}
	}

	_, err := s.plat.CallProcess(ctx, s.saltCall("saltutil.sync_all"))
	return err
}

// stateArgs builds the state function arguments. An empty result means no
// states are applied.
func (s *Salt) stateArgs() []string {
	states := strings.TrimSpace(s.states)
	if states == "" || strings.EqualFold(states, "none") {
		return nil
	}

	var args []string
	if strings.EqualFold(states, "highstate") {
		args = []string{"state.highstate"}
	} else {
		args = []string{"state.sls", strings.Join(toStrings(states, ","), ",")}
	}
	if s.excludeStates != "" {
		args = append(args, "exclude="+s.excludeStates)
	}
	return args
}

func (s *Salt) applyStates(ctx context.Context, workdir string) error {
	args := s.stateArgs()
	if args == nil {
		log.Info().Msg("No salt states configured, skipping state application")
		return nil
	}

	cmd := s.saltCall(append([]string{"--out", "json"}, args...)...)
	result, err := s.plat.CallProcess(ctx, cmd, platform.WithRaiseError(false))
	if err != nil {
		return err
	}

	logStateFailures(result.Stdout)
	if !result.Succeeded() {
		return &engine.CommandError{
			Args:    result.Args,
			Retcode: result.Retcode,
			Stdout:  result.Stdout,
			Stderr:  result.Stderr,
		}
	}
	log.Info().Strs("states", args).Msg("Salt states applied")
	return nil
}

func (s *Salt) saltCall(args ...string) []string {
	cmd := []string{
		s.paths.saltCall,
		"--local",
		"--retcode-passthrough",
		"--config-dir", s.paths.conf,
	}
	if s.debugLog {
		cmd = append(cmd, "--log-file-level", "debug")
	}
	return append(cmd, args...)
}

type stateResult struct {
	Result  *bool  `json:"result"`
	Comment string `json:"comment"`
	Name    string `json:"name"`
}

// logStateFailures reports each failed state from salt's JSON output.
func logStateFailures(stdout []byte) {
	var out map[string]map[string]stateResult
	if err := json.Unmarshal(stdout, &out); err != nil {
		log.Debug().Err(err).Msg("Salt output is not a state result document")
		return
	}

	for _, states := range out {
		ids := make([]string, 0, len(states))
		for id := range states {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			st := states[id]
			if st.Result != nil && !*st.Result {
				log.Error().Str("state", id).Str("comment", st.Comment).Msg("Salt state failed")
			}
		}
	}
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
