// Package session resolves the fully-materialized view the runtime needs
// to boot a sandbox: repos with per-repo tokens, env vars with injected
// credentials, system prompt, agent config, and service commands. The view
// is rebuilt from persistence on every runtime boot; it is never cached.
package session

import (
	"context"
	"fmt"

	"github.com/proliferate-ai/gateway/internal/config"
	"github.com/proliferate-ai/gateway/internal/store"
)

// Context is the resolved boot view of one session.
type Context struct {
	Session       *store.Session
	Configuration *store.Configuration // nil for scratch sessions

	Repos           []store.RepoSpec
	EnvVars         map[string]string
	SystemPrompt    string
	ServiceCommands []string
	// DepsInstalled is true when the active snapshot already contains
	// installed dependencies, letting boot skip the install step.
	DepsInstalled bool
}

// Build loads the session row plus its configuration and assembles the
// runtime view, including the injected per-session credentials.
func Build(ctx context.Context, st *store.SessionStore, cfg *config.Config, sessionID string) (*Context, error) {
	sess, err := st.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	sc := &Context{
		Session: sess,
		EnvVars: make(map[string]string),
	}

	if sess.ConfigurationID != nil {
		conf, err := st.GetConfiguration(ctx, *sess.ConfigurationID)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		sc.Configuration = conf
		sc.Repos = conf.Repos
		sc.SystemPrompt = conf.SystemPrompt
		sc.ServiceCommands = conf.ServiceCommands
		for k, v := range conf.EnvVars {
			sc.EnvVars[k] = v
		}
		sc.DepsInstalled = conf.DepsInstalledSnapshot && sess.SnapshotID != nil
	}

	// Injected credentials win over configuration values.
	sc.EnvVars[EnvSessionToken] = DeriveSessionToken(cfg.Security.ServiceToken, sessionID)
	sc.EnvVars[EnvGatewayURL] = cfg.Security.GatewayURL
	sc.EnvVars[EnvSessionID] = sessionID

	return sc, nil
}
