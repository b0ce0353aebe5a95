package config

import (
	"context"
	_ "embed"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/plus3it/watchmaker/pkg/cloud"
	"github.com/plus3it/watchmaker/pkg/engine"
	"github.com/plus3it/watchmaker/pkg/fetch"
	"github.com/plus3it/watchmaker/pkg/telemetry"
)

//go:embed static/config.yaml
var defaultConfig []byte

// DefaultConfig returns the bundled config used when no source is given.
func DefaultConfig() []byte {
	return append([]byte(nil), defaultConfig...)
}

// ProviderFunc reports the hosting cloud. It is only called when the config
// declares status targets.
type ProviderFunc func(ctx context.Context) cloud.Identifier

// Resolver loads and merges configs.
type Resolver struct {
	fetcher   *fetch.Fetcher
	version   string
	provider  ProviderFunc
	tracer    *telemetry.Tracer
	validator *validator.Validate
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFetcher sets the fetcher for remote sources.
func WithFetcher(f *fetch.Fetcher) Option {
	return func(r *Resolver) { r.fetcher = f }
}

// WithVersion sets the running watchmaker version checked against
// watchmaker_version.
func WithVersion(v string) Option {
	return func(r *Resolver) { r.version = v }
}

// WithProvider sets the provider lookup used to filter status targets.
func WithProvider(p ProviderFunc) Option {
	return func(r *Resolver) { r.provider = p }
}

// WithTracer emits a span for each resolution.
func WithTracer(t *telemetry.Tracer) Option {
	return func(r *Resolver) { r.tracer = t }
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		version:   DevVersion,
		validator: validator.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.fetcher == nil {
		r.fetcher = fetch.New()
	}
	return r
}

// Resolve loads the config from source (the bundled default when empty),
// merges the worker lists for system with overrides, and filters the status
// targets to the detected provider.
func (r *Resolver) Resolve(ctx context.Context, system string, overrides map[string]interface{}, source string) (*engine.ResolvedConfig, *StatusConfig, error) {
	ctx, span := r.tracer.StartSpan(ctx, "config.resolve", telemetry.AttrSystem.String(system))
	defer span.End()

	resolved, status, err := r.resolve(ctx, system, overrides, source)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, nil, err
	}
	telemetry.RecordSuccess(span)
	return resolved, status, nil
}

func (r *Resolver) resolve(ctx context.Context, system string, overrides map[string]interface{}, source string) (*engine.ResolvedConfig, *StatusConfig, error) {
	data, err := r.load(ctx, source)
	if err != nil {
		return nil, nil, err
	}

	doc, err := parse(data, system)
	if err != nil {
		return nil, nil, err
	}

	if err := checkVersion(doc.Version, r.version); err != nil {
		return nil, nil, err
	}

	systemList, allList := doc.Lists[system], doc.Lists[keyAll]
	if len(systemList) == 0 && len(allList) == 0 {
		return nil, nil, engine.NewNoWorkersError(system)
	}

	resolved, err := mergeWorkers(systemList, allList, compactOverrides(overrides))
	if err != nil {
		return nil, nil, err
	}

	if err := r.validator.Struct(doc.Status); err != nil {
		return nil, nil, engine.NewMalformedConfigError("invalid status target", err)
	}
	status := r.filterStatus(ctx, doc.Status)

	log.Info().
		Str("system", system).
		Strs("workers", resolved.Names()).
		Bool("status", status != nil).
		Msg("Resolved configuration")
	return resolved, status, nil
}

func (r *Resolver) load(ctx context.Context, source string) ([]byte, error) {
	if source == "" {
		log.Info().Msg("No config source given, using bundled default config")
		return DefaultConfig(), nil
	}

	log.Info().Str("source", source).Msg("Loading configuration")
	data, err := r.fetcher.Fetch(ctx, source)
	if err != nil {
		fetchErr := engine.NewConfigFetchError(source, err)
		if fetch.IsTransient(err) {
			fetchErr.AsTransient()
		}
		return nil, fetchErr
	}
	return data, nil
}

// filterStatus keeps the targets of the detected provider. The result is
// nil, never empty, when nothing applies.
func (r *Resolver) filterStatus(ctx context.Context, status StatusConfig) *StatusConfig {
	if len(status.Targets) == 0 || r.provider == nil {
		return nil
	}

	provider := r.provider(ctx)
	if provider == cloud.Unknown {
		return nil
	}

	var targets []StatusTarget
	for _, t := range status.Targets {
		if t.TargetType == provider.String() {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	return &StatusConfig{Targets: targets}
}
