package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-server/clientauth"
	"github.com/giantswarm/oauth-server/grantflow"
	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/plugin"
	"github.com/giantswarm/oauth-server/scopes"
	"github.com/giantswarm/oauth-server/secret"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// PasswordAuthenticator resolves the resource owner of a password grant. It
// returns an empty owner ID when the credentials are wrong.
type PasswordAuthenticator func(ctx context.Context, username, password string) (ownerID string, err error)

// Server implements the authorization server core: grant flow dispatch,
// token issuance and the token life cycle. It is safe for concurrent use
// once configured.
type Server struct {
	store     storage.Store
	flows     *grantflow.Registry
	plugins   *plugin.Registry
	clients   *clientauth.Authenticator
	generator *secret.Generator
	checker   scopes.Checker

	tokenStrategy secret.Strategy
	appStrategy   secret.Strategy

	passwordAuthenticator PasswordAuthenticator

	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation
	Logger          *slog.Logger
	Config          *Config
}

// New creates a new authorization server. A nil config uses NewConfig
// defaults.
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		var err error
		if config, err = NewConfig(); err != nil {
			return nil, err
		}
	} else {
		applyDefaults(config)
		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	logSecurityWarnings(config, logger)

	var enc *security.Encryptor
	if len(config.EncryptionKey) > 0 {
		var err error
		if enc, err = security.NewEncryptor(config.EncryptionKey); err != nil {
			return nil, fmt.Errorf("failed to create encryptor: %w", err)
		}
	}
	tokenStrategy, err := secret.FromName(config.TokenSecretStrategy, secret.TargetToken, enc)
	if err != nil {
		return nil, fmt.Errorf("token secret strategy: %w", err)
	}
	appStrategy, err := secret.FromName(config.ApplicationSecretStrategy, secret.TargetApplication, enc)
	if err != nil {
		return nil, fmt.Errorf("application secret strategy: %w", err)
	}
	if config.FallbackToPlainSecrets {
		appStrategy = secret.WithPlainFallback(appStrategy)
	}
	if config.ReuseAccessToken && !tokenStrategy.AllowsRestore() {
		logger.Warn("Access token reuse disabled: token secret strategy cannot restore tokens",
			"strategy", tokenStrategy.Name())
	}

	clients, err := clientauth.NewAuthenticator(store, appStrategy, config.ClientAuthMethods...)
	if err != nil {
		return nil, err
	}
	clients.SetLogger(logger)

	inst, err := instrumentation.New(context.Background(), instrumentation.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}

	flows := grantflow.Default()
	flows.Finalize()

	s := &Server{
		store:           store,
		flows:           flows,
		plugins:         plugin.NewRegistry(),
		clients:         clients,
		generator:       &secret.Generator{Encoding: secret.Encoding(config.TokenGenerator)},
		checker:         config.Checker(),
		tokenStrategy:   tokenStrategy,
		appStrategy:     appStrategy,
		Instrumentation: inst,
		Logger:          logger,
		Config:          config,
	}
	if err := s.checkGrantFlows(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetAuditor sets the security auditor. Events are timestamped with the
// configured clock.
func (s *Server) SetAuditor(aud *security.Auditor) {
	if aud != nil {
		aud.SetClock(s.Config.Now)
	}
	s.Auditor = aud
}

// SetInstrumentation sets the OpenTelemetry instrumentation
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		s.Instrumentation = inst
	}
}

// SetGrantFlows replaces the grant flow registry, e.g. one with custom
// flows registered. The registry is finalized.
func (s *Server) SetGrantFlows(r *grantflow.Registry) error {
	r.Finalize()
	prev := s.flows
	s.flows = r
	if err := s.checkGrantFlows(); err != nil {
		s.flows = prev
		return err
	}
	return nil
}

// SetPlugins sets the plugin registry run on token and grant events. The
// registry is finalized.
func (s *Server) SetPlugins(r *plugin.Registry) {
	r.Finalize()
	s.plugins = r
}

// SetPasswordAuthenticator sets the callback resolving password grant owners.
func (s *Server) SetPasswordAuthenticator(fn PasswordAuthenticator) {
	s.passwordAuthenticator = fn
}

// SetGenerator replaces the token generator, mainly for tests.
func (s *Server) SetGenerator(g *secret.Generator) {
	s.generator = g
}

// Store returns the credential store.
func (s *Server) Store() storage.Store {
	return s.store
}

// GrantFlows returns the grant flow registry.
func (s *Server) GrantFlows() *grantflow.Registry {
	return s.flows
}

// ClientAuthenticator returns the client authenticator, which HTTP adapters
// use to extract credentials from requests.
func (s *Server) ClientAuthenticator() *clientauth.Authenticator {
	return s.clients
}

// TokenStrategy returns the strategy tokens are stored with.
func (s *Server) TokenStrategy() secret.Strategy {
	return s.tokenStrategy
}

// ApplicationStrategy returns the strategy application secrets are stored with.
func (s *Server) ApplicationStrategy() secret.Strategy {
	return s.appStrategy
}

func (s *Server) checkGrantFlows() error {
	for _, name := range s.Config.GrantFlows {
		if len(s.flows.Expand([]string{name})) == 0 {
			return fmt.Errorf("unknown grant flow %q", name)
		}
	}
	return nil
}

// flowEnabled reports whether the named flow is enabled.
func (s *Server) flowEnabled(name string) bool {
	for _, f := range s.flows.Expand(s.Config.GrantFlows) {
		if f.Name == name {
			return true
		}
	}
	return false
}

func (s *Server) metrics() *instrumentation.Metrics {
	return s.Instrumentation.Metrics()
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.Instrumentation.Tracer("server").Start(ctx, name)
}

// endSpan records the outcome of an operation on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		instrumentation.RecordError(span, err)
		var oe *Error
		if errors.As(err, &oe) {
			instrumentation.SetSpanAttributes(span, errorAttribute(oe.Code))
		}
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}

func errorAttribute(code string) attribute.KeyValue {
	return attribute.String(instrumentation.AttrError, code)
}

// runPlugins runs the plugins of a namespace.
func (s *Server) runPlugins(ctx context.Context, namespace string, pc *plugin.Context) error {
	if err := s.plugins.Run(ctx, namespace, pc); err != nil {
		return internalError("plugin failed", err)
	}
	return nil
}

func (s *Server) audit(event security.Event) {
	s.Auditor.LogEvent(event)
}
