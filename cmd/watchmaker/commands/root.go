package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plus3it/watchmaker/pkg/platform"
)

// options holds the parsed command line.
type options struct {
	config          string
	logLevel        string
	verbosity       int
	logDir          string
	noReboot        bool
	s3Source        bool
	excludeProvider []string
	traceExporter   string
	traceEndpoint   string

	saltStates    string
	excludeStates string
	adminGroups   string
	adminUsers    string
	computerName  string
	environment   string
	ouPath        string
}

// workerFlags maps worker argument flags onto their config parameter names.
var workerFlags = []struct {
	flag  string
	param string
}{
	{"salt-states", "salt_states"},
	{"exclude-states", "exclude_states"},
	{"admin-groups", "admin_groups"},
	{"admin-users", "admin_users"},
	{"computer-name", "computer_name"},
	{"environment", "environment"},
	{"ou-path", "ou_path"},
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	return newRootCommand(version, commit, buildDate).ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "watchmaker [flags] [key=value ...]",
		Short: "Watchmaker - apply a provisioning standard to a new host",
		Long: `Watchmaker prepares a freshly provisioned Linux or Windows host for use.

It resolves a layered configuration, detects the cloud provider the host runs
on, installs yum repositories and salt, applies salt states, and tags the
host's cloud resource with the run status.

Trailing key=value arguments are passed to every worker as extra parameters.`,
		Example: `  # Apply the default configuration
  watchmaker -vv

  # Use a remote configuration and a specific environment
  watchmaker -c https://example.com/watchmaker.yaml -e dev -n

  # Apply only selected states, passing an extra worker argument
  watchmaker -s ash-linux.stig,scap salt_debug_log=true`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			extra, err := parseExtraArgs(args)
			if err != nil {
				return err
			}
			overrides := workerOverrides(cmd, opts, extra)
			return run(cmd.Context(), opts, version, overrides)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.config, "config", "c", "", "path, URL or s3:// reference of the watchmaker config (default: bundled config)")
	f.StringVarP(&opts.logLevel, "log-level", "l", "", "console log level (critical, error, warning, info, debug)")
	f.CountVarP(&opts.verbosity, "verbose", "v", "increase console verbosity (-v info, -vv debug); ignored with --log-level")
	f.StringVarP(&opts.logDir, "log-dir", "d", defaultLogDir(), "directory for watchmaker log files")
	f.BoolVarP(&opts.noReboot, "no-reboot", "n", false, "do not reboot after a successful run")
	f.BoolVar(&opts.s3Source, "s3-source", false, "fetch s3.amazonaws.com URLs through the S3 API")
	f.StringSliceVar(&opts.excludeProvider, "exclude-provider", nil, "cloud provider check to skip (aws, azure); repeatable")
	f.StringVar(&opts.traceExporter, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	f.StringVar(&opts.traceEndpoint, "trace-endpoint", "", "OTLP gRPC endpoint for --trace-exporter=otlp")

	f.StringVarP(&opts.saltStates, "salt-states", "s", "", "comma-separated salt states to apply, \"highstate\" or \"none\"")
	f.StringVar(&opts.excludeStates, "exclude-states", "", "comma-separated salt states to exclude")
	f.StringVarP(&opts.adminGroups, "admin-groups", "A", "", "colon-separated groups granted admin rights")
	f.StringVarP(&opts.adminUsers, "admin-users", "a", "", "colon-separated users granted admin rights")
	f.StringVarP(&opts.computerName, "computer-name", "t", "", "computer name to assign to the host")
	f.StringVarP(&opts.environment, "environment", "e", "", "environment the host belongs to (e.g. dev, test, prod)")
	f.StringVarP(&opts.ouPath, "ou-path", "p", "", "directory OU to join the host to")

	return cmd
}

// workerOverrides collects the worker arguments given on the command line.
// Flags left at their defaults are omitted so config values stand.
func workerOverrides(cmd *cobra.Command, opts *options, extra map[string]interface{}) map[string]interface{} {
	values := map[string]string{
		"salt-states":    opts.saltStates,
		"exclude-states": opts.excludeStates,
		"admin-groups":   opts.adminGroups,
		"admin-users":    opts.adminUsers,
		"computer-name":  opts.computerName,
		"environment":    opts.environment,
		"ou-path":        opts.ouPath,
	}

	overrides := make(map[string]interface{}, len(extra)+len(workerFlags))
	for k, v := range extra {
		overrides[k] = v
	}
	for _, wf := range workerFlags {
		if cmd.Flags().Changed(wf.flag) {
			overrides[wf.param] = values[wf.flag]
		}
	}
	return overrides
}

// parseExtraArgs turns trailing key=value arguments into worker parameters.
func parseExtraArgs(args []string) (map[string]interface{}, error) {
	extra := make(map[string]interface{}, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q, expected key=value", arg)
		}
		extra[key] = value
	}
	return extra, nil
}

func defaultLogDir() string {
	if runtime.GOOS == platform.SystemWindows {
		return filepath.Join(platform.SystemDrive()+`\`, "Watchmaker", "Logs")
	}
	return "/var/log/watchmaker"
}
