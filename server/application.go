package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/giantswarm/oauth-server/grantflow"
	"github.com/giantswarm/oauth-server/scopes"
	"github.com/giantswarm/oauth-server/security"
	"github.com/giantswarm/oauth-server/storage"
)

// clientIDSize is the number of random bytes in a generated client id.
const clientIDSize = 16

// redirectFlows need a registered redirect URI.
var redirectFlows = []string{grantflow.AuthorizationCode, grantflow.Implicit}

// ValidateApplication checks an application registration against the
// server configuration: redirect URIs must be valid, grant flows known and
// scopes configured on the server.
func (s *Server) ValidateApplication(app *storage.Application) error {
	if app == nil {
		return errors.New("application is required")
	}
	if strings.TrimSpace(app.Name) == "" {
		return errors.New("application name is required")
	}

	for _, name := range app.GrantFlows {
		if _, ok := s.flows.Get(name); !ok {
			return fmt.Errorf("unknown grant flow %q", name)
		}
	}

	needsRedirect := len(app.GrantFlows) == 0
	for _, name := range redirectFlows {
		if slices.Contains(app.GrantFlows, name) {
			needsRedirect = true
		}
	}
	if needsRedirect && len(app.RedirectURIs) == 0 && s.flowsWithRedirectEnabled() {
		return errors.New("at least one redirect URI is required")
	}
	for _, uri := range app.RedirectURIs {
		if err := s.Config.ValidateRedirectURI(uri); err != nil {
			return fmt.Errorf("redirect URI %q: %w", uri, err)
		}
		if strings.Contains(uri, "*") && !s.Config.WildcardRedirectURI {
			return fmt.Errorf("redirect URI %q: wildcards are not enabled", uri)
		}
	}

	if server := s.Config.Scopes(); !server.Empty() {
		for _, scope := range app.Scopes {
			if !server.Contains(scope) {
				return fmt.Errorf("scope %q is not configured on the server", scope)
			}
		}
	}
	return nil
}

func (s *Server) flowsWithRedirectEnabled() bool {
	for _, name := range redirectFlows {
		if s.flowEnabled(name) {
			return true
		}
	}
	return false
}

// RegisterApplication validates and saves app. A blank UID is generated.
// Confidential applications get plainSecret, or a generated secret when it
// is blank; the secret is stored with the application secret strategy and
// returned in plain text, which is the only time it is available.
func (s *Server) RegisterApplication(ctx context.Context, app *storage.Application, plainSecret string) (string, error) {
	if err := s.ValidateApplication(app); err != nil {
		return "", fmt.Errorf("invalid application: %w", err)
	}

	if app.UID == "" {
		uid, err := s.generator.Generate(clientIDSize)
		if err != nil {
			return "", fmt.Errorf("failed to generate client id: %w", err)
		}
		app.UID = uid
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = s.Config.Now()
	}

	app.Secret = ""
	if app.Confidential {
		if plainSecret == "" {
			var err error
			if plainSecret, err = s.generator.Generate(0); err != nil {
				return "", fmt.Errorf("failed to generate client secret: %w", err)
			}
		}
		stored, err := s.appStrategy.Transform(plainSecret)
		if err != nil {
			return "", fmt.Errorf("failed to store client secret: %w", err)
		}
		app.Secret = stored
	} else {
		plainSecret = ""
	}

	if err := s.store.SaveApplication(ctx, app); err != nil {
		return "", fmt.Errorf("failed to save application: %w", err)
	}
	s.Auditor.LogApplicationRegistered(app.UID, app.Confidential)
	s.Logger.Info("Registered application",
		"client_id", app.UID,
		"name", app.Name,
		"confidential", app.Confidential,
		"scopes", scopes.FromSlice(app.Scopes).String())
	return plainSecret, nil
}

// RotateSecret replaces the secret of a confidential application and
// returns the new secret in plain text.
func (s *Server) RotateSecret(ctx context.Context, id string) (string, error) {
	app, err := s.store.GetApplication(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to load application: %w", err)
	}
	if !app.Confidential {
		return "", fmt.Errorf("application %q is public and has no secret", app.UID)
	}

	plain, err := s.generator.Generate(0)
	if err != nil {
		return "", fmt.Errorf("failed to generate client secret: %w", err)
	}
	if app.Secret, err = s.appStrategy.Transform(plain); err != nil {
		return "", fmt.Errorf("failed to store client secret: %w", err)
	}
	if err := s.store.SaveApplication(ctx, app); err != nil {
		return "", fmt.Errorf("failed to save application: %w", err)
	}
	s.audit(security.Event{
		Type:     security.EventApplicationSecretRotated,
		ClientID: app.UID,
	})
	return plain, nil
}
