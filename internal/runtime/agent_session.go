package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/proliferate-ai/gateway/internal/opencode"
)

const (
	createBaseDelay   = 500 * time.Millisecond
	createMaxDelay    = 5 * time.Second
	createAttempts    = 3
	createAttemptsSnp = 5
)

// ensureAgentSession resolves the agent session id for this boot while
// preserving transcript identity across reconnects:
//
//  1. Verify the stored id with a direct lookup; HTTP success is proof of
//     existence. A transient network error keeps the stored id — never
//     rotate on uncertainty.
//  2. On a definitive 404, adopt the newest listed session.
//  3. Only when nothing is listed, create a new session with bounded
//     exponential retry on network-class errors.
//
// The resolved id is persisted before returning.
func (r *Runtime) ensureAgentSession(ctx context.Context, client *opencode.Client, storedID string, restored bool) (string, error) {
	if storedID != "" {
		_, err := client.GetSession(ctx, storedID)
		switch {
		case err == nil:
			return storedID, nil
		case errors.Is(err, opencode.ErrNotFound):
			r.logger.Info("stored agent session gone, adopting replacement", "agent_session_id", storedID)
		default:
			// Network or server trouble proves nothing; keep the id so the
			// transcript survives the blip.
			r.logger.Warn("agent session lookup inconclusive, keeping stored id", "error", err)
			return storedID, nil
		}
	}

	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return "", fmt.Errorf("list agent sessions: %w", err)
	}

	if len(sessions) > 0 {
		sort.Slice(sessions, func(i, j int) bool {
			if sessions[i].Time.Updated != sessions[j].Time.Updated {
				return sessions[i].Time.Updated > sessions[j].Time.Updated
			}
			return sessions[i].Time.Created > sessions[j].Time.Created
		})
		adopted := sessions[0].ID
		if err := r.st.SetAgentSessionID(ctx, r.sessionID, adopted); err != nil {
			return "", err
		}
		r.logger.Info("adopted existing agent session", "agent_session_id", adopted)
		return adopted, nil
	}

	created, err := r.createAgentSession(ctx, client, restored)
	if err != nil {
		return "", err
	}
	if err := r.st.SetAgentSessionID(ctx, r.sessionID, created.ID); err != nil {
		return "", err
	}
	r.logger.Info("created agent session", "agent_session_id", created.ID)
	return created.ID, nil
}

// createAgentSession retries creation on network-class errors only, with
// exponential backoff: base 500 ms, cap 5 s. A sandbox restored from a
// snapshot gets extra attempts because its agent may still be thawing.
func (r *Runtime) createAgentSession(ctx context.Context, client *opencode.Client, restored bool) (*opencode.SessionInfo, error) {
	attempts := createAttempts
	if restored {
		attempts = createAttemptsSnp
	}

	var lastErr error
	delay := createBaseDelay
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > createMaxDelay {
				delay = createMaxDelay
			}
		}

		info, err := client.CreateSession(ctx)
		if err == nil {
			return info, nil
		}
		lastErr = err
		if !opencode.IsNetworkError(err) {
			return nil, err
		}
		r.logger.Warn("agent session create failed, retrying", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("create agent session after %d attempts: %w", attempts, lastErr)
}
