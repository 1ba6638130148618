// Package session implements the bridge's SessionStore (component C3): the
// only component that mutates session fields — bearer token issuance and
// rotation, the replay cache, the per-session token-bucket rate limiter
// with exponential back-off, and audit log append.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/prompt-dock/bridge/internal/auditlog"
	"github.com/prompt-dock/bridge/internal/identity"
	"github.com/prompt-dock/bridge/internal/logger"
	"github.com/prompt-dock/bridge/internal/metrics"
	"github.com/prompt-dock/bridge/pairing"
)

// Errors returned by the store's public operations.
var (
	ErrNotAuthenticated = errors.New("session: not authenticated")
	ErrSessionExpired    = errors.New("session: expired")
	ErrSessionNotFound   = errors.New("session: not found")
)

// RejectReason is the wire-level tag for an AdmitCommand rejection.
type RejectReason string

const (
	RejectRateLimit RejectReason = "RATE_LIMIT_EXCEEDED"
	RejectReplay    RejectReason = "REPLAY_DETECTED"
)

const maxRecentFingerprints = 100

// rateLimitState is the token-bucket-with-back-off state kept per session.
type rateLimitState struct {
	count        int
	windowResetAt time.Time
	penaltyLevel int
	backoffUntil time.Time
}

// Session is the server-side record of an authenticated remote app.
type Session struct {
	mu sync.Mutex

	ID              string
	AppName         string
	AppURL          string
	ClientPublicKey string // PEM

	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time

	Token        string
	TokenIssuedAt time.Time

	executedFingerprints map[string]struct{}
	fingerprintOrder     []string // bounded ring, oldest first

	rateLimit rateLimitState

	PendingCommandCount int
}

// AdmitResult is the atomic decision returned by AdmitCommand.
type AdmitResult struct {
	Admitted     bool
	Reason       RejectReason
	BackoffSecs  int
}

// Config governs timing and rate-limit thresholds. All durations use the
// session's own clock; there is no global clock skew allowance here (that is
// MessageCodec's concern).
type Config struct {
	SessionTimeout      time.Duration
	RefreshThreshold    time.Duration
	MaxCommandsPerMinute int
}

func (c Config) withDefaults() Config {
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 30 * time.Minute
	}
	if c.RefreshThreshold == 0 {
		c.RefreshThreshold = minDuration(c.SessionTimeout/2, 15*time.Minute)
	}
	if c.MaxCommandsPerMinute == 0 {
		c.MaxCommandsPerMinute = 100
	}
	return c
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// tokenClaims is the bearer JWT's payload.
type tokenClaims struct {
	SessionID string `json:"sessionId"`
	AppName   string `json:"appName"`
	AppURL    string `json:"appUrl"`
	jwt.RegisteredClaims
}

// Store is the SessionStore: a process-wide table of sessions, serialised
// per-session for field mutation and globally only for membership changes
// (create/revoke/sweep).
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cfg       Config
	jwtSecret []byte

	audit  *auditlog.Log
	log    logger.Logger
	mirror *PostgresStore

	tick *time.Ticker
	stop chan struct{}
}

// SetMirror attaches an optional durable Postgres mirror. Writes to it are
// best-effort: a mirror failure is logged but never affects the in-memory
// store's admission decisions, which remain its exclusive responsibility.
func (s *Store) SetMirror(m *PostgresStore) {
	s.mirror = m
}

// NewStore starts a SessionStore with a fresh per-process random JWT
// signing secret — restarting the bridge invalidates every outstanding
// token, which is intended.
func NewStore(cfg Config, audit *auditlog.Log, log logger.Logger) (*Store, error) {
	secret := make([]byte, 64)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("session: generate jwt secret: %w", err)
	}

	s := &Store{
		sessions:  make(map[string]*Session),
		cfg:       cfg.withDefaults(),
		jwtSecret: secret,
		audit:     audit,
		log:       log,
		tick:      time.NewTicker(time.Minute),
		stop:      make(chan struct{}),
	}
	go s.sweepLoop()
	return s, nil
}

// Close stops the background sweeper.
func (s *Store) Close() {
	close(s.stop)
	s.tick.Stop()
}

// Create allocates a fresh session for a successful pairing redemption.
func (s *Store) Create(redemption *pairing.RedemptionData) (*Session, error) {
	id, err := identity.RandomToken(16) // 128 bits
	if err != nil {
		return nil, fmt.Errorf("session: generate id: %w", err)
	}

	now := time.Now()
	sess := &Session{
		ID:              id,
		AppName:         redemption.AppName,
		AppURL:          redemption.AppURL,
		ClientPublicKey: redemption.ClientPublicKey,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.SessionTimeout),
		LastActivity:    now,
		executedFingerprints: make(map[string]struct{}),
		rateLimit: rateLimitState{
			windowResetAt: now.Add(time.Minute),
		},
	}

	token, err := s.mintToken(sess, now)
	if err != nil {
		return nil, err
	}
	sess.Token = token
	sess.TokenIssuedAt = now

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Inc()
	s.logEvent("session_created", map[string]interface{}{"session_id": id, "app_name": sess.AppName})

	if s.mirror != nil {
		if err := s.mirror.Record(context.Background(), sess); err != nil && s.log != nil {
			s.log.Warn("session: mirror record failed", logger.Err(err))
		}
	}

	return sess, nil
}

func (s *Store) mintToken(sess *Session, issuedAt time.Time) (string, error) {
	claims := tokenClaims{
		SessionID: sess.ID,
		AppName:   sess.AppName,
		AppURL:    sess.AppURL,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// ResolveByToken validates the presented bearer token, locates the session,
// confirms it is the session's current token, slides expiry, and rotates
// the token if the refresh threshold has passed. The returned Session
// always carries the latest token — callers must relay it to the client.
func (s *Store) ResolveByToken(presented string) (*Session, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(presented, claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("session: unexpected signing method %s", t.Method.Alg())
		}
		return s.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrNotAuthenticated
	}

	s.mu.RLock()
	sess, ok := s.sessions[claims.SessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotAuthenticated
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.Token != presented {
		return nil, ErrNotAuthenticated
	}

	now := time.Now()
	if now.After(sess.ExpiresAt) {
		// removeLocked needs s.mu, which is always taken before a session's
		// own lock (see Sweep), so release sess.mu around it.
		sess.mu.Unlock()
		s.mu.Lock()
		s.removeLocked(sess.ID)
		s.mu.Unlock()
		sess.mu.Lock()
		return nil, ErrSessionExpired
	}

	sess.LastActivity = now
	sess.ExpiresAt = now.Add(s.cfg.SessionTimeout)

	if now.Sub(sess.TokenIssuedAt) >= s.cfg.RefreshThreshold {
		newToken, err := s.mintToken(sess, now)
		if err != nil {
			return nil, err
		}
		sess.Token = newToken
		sess.TokenIssuedAt = now
		metrics.TokenRotations.Inc()
	}

	return sess, nil
}

// AdmitCommand makes the single atomic admission decision for commandID
// carrying payloadData, per session. It must be called with the session's
// lock free (it takes it internally).
func (s *Store) AdmitCommand(sess *Session, commandID string, payloadData interface{}) AdmitResult {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	now := time.Now()

	if now.Before(sess.rateLimit.backoffUntil) {
		remaining := int(sess.rateLimit.backoffUntil.Sub(now).Seconds()) + 1
		metrics.AdmissionResults.WithLabelValues("rate_limited").Inc()
		return AdmitResult{Admitted: false, Reason: RejectRateLimit, BackoffSecs: remaining}
	}

	if now.After(sess.rateLimit.windowResetAt) {
		sess.rateLimit.windowResetAt = now.Add(time.Minute)
		sess.rateLimit.count = 0
		if sess.rateLimit.penaltyLevel > 0 {
			sess.rateLimit.penaltyLevel--
		}
	}
	sess.rateLimit.count++

	if sess.rateLimit.count > s.cfg.MaxCommandsPerMinute {
		sess.rateLimit.penaltyLevel++
		backoff := time.Duration(1<<uint(sess.rateLimit.penaltyLevel)) * time.Second
		if backoff > 60*time.Second {
			backoff = 60 * time.Second
		}
		sess.rateLimit.backoffUntil = now.Add(backoff)
		sess.rateLimit.count = 0
		sess.rateLimit.windowResetAt = now.Add(time.Minute)

		metrics.AdmissionResults.WithLabelValues("rate_limited").Inc()
		metrics.RateLimitBackoffLevel.Observe(backoff.Seconds())
		return AdmitResult{Admitted: false, Reason: RejectRateLimit, BackoffSecs: int(backoff.Seconds())}
	}

	fingerprint := commandFingerprint(commandID, payloadData)
	if _, seen := sess.executedFingerprints[fingerprint]; seen {
		metrics.AdmissionResults.WithLabelValues("replay").Inc()
		metrics.ReplayDetected.Inc()
		s.logEvent("replay_attack_detected", map[string]interface{}{"session_id": sess.ID, "command_id": commandID})
		return AdmitResult{Admitted: false, Reason: RejectReplay}
	}

	sess.executedFingerprints[fingerprint] = struct{}{}
	sess.fingerprintOrder = append(sess.fingerprintOrder, fingerprint)
	if len(sess.fingerprintOrder) > maxRecentFingerprints {
		oldest := sess.fingerprintOrder[0]
		sess.fingerprintOrder = sess.fingerprintOrder[1:]
		delete(sess.executedFingerprints, oldest)
	}
	sess.PendingCommandCount++

	metrics.AdmissionResults.WithLabelValues("admitted").Inc()
	return AdmitResult{Admitted: true}
}

func commandFingerprint(commandID string, payloadData interface{}) string {
	h := sha256.New()
	h.Write([]byte(commandID))
	h.Write([]byte(identity.Canonicalize(payloadData)))
	return hex.EncodeToString(h.Sum(nil))
}

// Revoke removes a session and its replay cache.
func (s *Store) Revoke(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	s.removeLocked(sessionID)
	s.logEvent("session_revoked", map[string]interface{}{"session_id": sessionID})

	if s.mirror != nil {
		if err := s.mirror.Delete(context.Background(), sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) && s.log != nil {
			s.log.Warn("session: mirror delete failed", logger.Err(err))
		}
	}

	return nil
}

// removeLocked deletes a session. Caller must hold s.mu.
func (s *Store) removeLocked(sessionID string) {
	if _, ok := s.sessions[sessionID]; ok {
		delete(s.sessions, sessionID)
		metrics.SessionsActive.Dec()
	}
}

// EmergencyKill atomically drains all sessions and returns their ids.
func (s *Store) EmergencyKill(reason string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	for _, id := range ids {
		delete(s.sessions, id)
	}
	metrics.SessionsActive.Set(0)

	s.logEvent("emergency_kill_switch", map[string]interface{}{"reason": reason, "terminated_sessions": ids})
	return ids
}

// Sweep expires sessions whose ExpiresAt has passed.
func (s *Store) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired []string
	for id, sess := range s.sessions {
		sess.mu.Lock()
		isExpired := now.After(sess.ExpiresAt)
		sess.mu.Unlock()
		if isExpired {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		s.removeLocked(id)
		metrics.SessionsExpired.Inc()
	}

	if s.mirror != nil && len(expired) > 0 {
		if _, err := s.mirror.DeleteExpired(context.Background()); err != nil && s.log != nil {
			s.log.Warn("session: mirror sweep failed", logger.Err(err))
		}
	}
}

// Count returns the number of active sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// List returns a snapshot of active sessions for the control surface.
func (s *Store) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Store) sweepLoop() {
	for {
		select {
		case <-s.tick.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Store) logEvent(action string, data map[string]interface{}) {
	if s.audit != nil {
		_ = s.audit.Append(action, data)
	}
	if s.log != nil {
		s.log.Info(action, logger.Any("data", data))
	}
}
