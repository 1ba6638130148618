// Package protocol implements the bridge's MessageCodec (component C4):
// envelope validation, canonical signed-payload construction, signature
// verification, and timestamp/freshness checks for the message channel.
package protocol

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/prompt-dock/bridge/internal/identity"
)

// FaultCode is one of the short wire codes from the error-handling design.
type FaultCode string

const (
	FaultInvalidMessageFormat FaultCode = "INVALID_MESSAGE_FORMAT"
	FaultMissingSignature    FaultCode = "MISSING_SIGNATURE"
	FaultInvalidSignature    FaultCode = "INVALID_SIGNATURE"
	FaultNotAuthenticated    FaultCode = "NOT_AUTHENTICATED"
	FaultSessionExpired      FaultCode = "SESSION_EXPIRED"
	FaultRateLimitExceeded   FaultCode = "RATE_LIMIT_EXCEEDED"
	FaultReplayDetected      FaultCode = "REPLAY_DETECTED"
	FaultCommandExpired      FaultCode = "COMMAND_EXPIRED"
	FaultCommandFromFuture   FaultCode = "COMMAND_FROM_FUTURE"
	FaultOriginNotAllowed    FaultCode = "ORIGIN_NOT_ALLOWED"
	FaultPlanNotFound        FaultCode = "PLAN_NOT_FOUND"
	FaultPlanNotApproved     FaultCode = "PLAN_NOT_APPROVED"
	FaultPlanOwnershipViolation FaultCode = "PLAN_OWNERSHIP_VIOLATION"
	FaultPlanAlreadyExecuted FaultCode = "PLAN_ALREADY_EXECUTED"
	FaultExecutionNotFound   FaultCode = "EXECUTION_NOT_FOUND"
	FaultExecutionAlreadyTerminal FaultCode = "EXECUTION_ALREADY_TERMINAL"
	FaultAgentNotAvailable   FaultCode = "AGENT_NOT_AVAILABLE"
	FaultAgentTimeout        FaultCode = "AGENT_TIMEOUT"
	FaultAgentCrashed        FaultCode = "AGENT_CRASHED"
	FaultWorkspaceError      FaultCode = "WORKSPACE_ERROR"
	FaultInternal            FaultCode = "INTERNAL"
)

// Fault is the bridge's wire-level error type: every error carries a short
// code and, when available, the offending message id.
type Fault struct {
	Code    FaultCode
	Message string
	ID      string // echoes the offending envelope's id, if any
}

func (f *Fault) Error() string {
	if f.ID != "" {
		return fmt.Sprintf("%s: %s (id=%s)", f.Code, f.Message, f.ID)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// NewFault builds a Fault, optionally echoing id.
func NewFault(code FaultCode, message, id string) *Fault {
	return &Fault{Code: code, Message: message, ID: id}
}

// Envelope is the wire representation of one message-channel frame.
type Envelope struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Nonce     string                 `json:"nonce,omitempty"`
	Signature string                 `json:"signature,omitempty"`
}

// FreshnessConfig governs the timestamp admission window.
type FreshnessConfig struct {
	MaxAge              time.Duration // default 30s
	ClockSkewTolerance time.Duration // default 5s
}

func (c FreshnessConfig) withDefaults() FreshnessConfig {
	if c.MaxAge == 0 {
		c.MaxAge = 30 * time.Second
	}
	if c.ClockSkewTolerance == 0 {
		c.ClockSkewTolerance = 5 * time.Second
	}
	return c
}

// healthCheckType is the one message type exempt from the signature
// requirement.
const healthCheckType = "health-check"

// recognisedTypes is the full client→bridge message vocabulary (§6).
var recognisedTypes = map[string]struct{}{
	"pair": {}, "authenticate": {}, "init-session": {}, "start-agent-session": {},
	"create-worktree": {}, "git-status": {}, "git-command": {}, "execute-prompt": {},
	"approve-plan": {}, "reject-plan": {}, "abort-execution": {}, "agent-interaction": {},
	"agent-feedback": {}, "generate-pr": {}, "cleanup-worktree": {}, "health-check": {},
	"emergency-kill": {},
}

// ValidateStructure checks envelope shape and freshness only — it does not
// verify the signature (the caller supplies the public key for that, since
// key selection depends on message type; see VerifySignature).
func ValidateStructure(env *Envelope, cfg FreshnessConfig) error {
	cfg = cfg.withDefaults()

	if env.ID == "" || env.Type == "" {
		return NewFault(FaultInvalidMessageFormat, "id and type are required", env.ID)
	}
	if _, ok := recognisedTypes[env.Type]; !ok {
		return NewFault(FaultInvalidMessageFormat, "unrecognised message type", env.ID)
	}

	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		return NewFault(FaultInvalidMessageFormat, "timestamp must be RFC 3339", env.ID)
	}

	now := time.Now()
	if ts.Before(now.Add(-cfg.MaxAge)) {
		return NewFault(FaultCommandExpired, "timestamp too old", env.ID)
	}
	if ts.After(now.Add(cfg.ClockSkewTolerance)) {
		return NewFault(FaultCommandFromFuture, "timestamp too far in the future", env.ID)
	}

	if env.Type != healthCheckType && env.Signature == "" {
		return NewFault(FaultMissingSignature, "signature required for this message type", env.ID)
	}

	return nil
}

// CanonicalPayload builds the exact byte sequence that Signature must cover:
// { "type", "timestamp", "nonce", "data": canonicalize(data or {}) },
// itself run through Canonicalize so field order and number formatting are
// deterministic across every client.
func CanonicalPayload(env *Envelope) string {
	data := env.Data
	if data == nil {
		data = map[string]interface{}{}
	}
	var nonce interface{}
	if env.Nonce != "" {
		nonce = env.Nonce
	}
	return identity.Canonicalize(map[string]interface{}{
		"type":      env.Type,
		"timestamp": env.Timestamp,
		"nonce":     nonce,
		"data":      data,
	})
}

// VerifySignature checks env.Signature against CanonicalPayload(env) using
// pub, the key selected per §4.4's per-type rule.
func VerifySignature(env *Envelope, pub *rsa.PublicKey) bool {
	if env.Signature == "" {
		return false
	}
	payload := []byte(CanonicalPayload(env))
	return identity.Verify(pub, payload, env.Signature)
}
