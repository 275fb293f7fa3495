package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Env var names injected into every sandbox.
const (
	EnvSessionToken = "PROLIFERATE_SESSION_TOKEN"
	EnvGatewayURL   = "PROLIFERATE_GATEWAY_URL"
	EnvSessionID    = "PROLIFERATE_SESSION_ID"
)

// DeriveSessionToken derives the per-session service token as
// HMAC-SHA256(serviceToken, sessionID). The derivation is deterministic so
// a sandbox restored from a snapshot still holds valid credentials.
func DeriveSessionToken(serviceToken, sessionID string) string {
	mac := hmac.New(sha256.New, []byte(serviceToken))
	mac.Write([]byte(sessionID))
	return hex.EncodeToString(mac.Sum(nil))
}
