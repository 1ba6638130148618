// Package pairing implements the bridge's one-time pairing codes (component
// C2): short-lived, single-use codes that bind a remote app to the bridge's
// public key before any session exists.
package pairing

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prompt-dock/bridge/internal/auditlog"
	"github.com/prompt-dock/bridge/internal/logger"
	"github.com/prompt-dock/bridge/internal/metrics"
)

// ErrInvalidOrExpired is returned for every redemption failure — unknown
// code, expired code, already-redeemed code, or an empty client public key
// all collapse to this single message so a caller can't distinguish "wrong"
// from "too late" from "used".
var ErrInvalidOrExpired = errors.New("pairing: invalid or expired code")

// Code is a single pairing code's record.
type Code struct {
	Value           string
	AppName         string
	AppURL          string
	BridgePublicKey string // PEM, handed back to the client on redemption
	CreatedAt       time.Time
	ExpiresAt       time.Time
	used            bool
}

// RedemptionData is what Redeem returns on success.
type RedemptionData struct {
	AppName         string
	AppURL          string
	ClientPublicKey string // PEM, presented by the client at redemption time
	BridgePublicKey string // PEM, so the caller can finish the handshake
}

// Registry issues and redeems pairing codes with a fixed TTL, sweeping
// expired entries opportunistically (on every Issue/Redeem call) and on a
// background tick. Redemption is single-use and atomic under the registry's
// lock.
type Registry struct {
	mu              sync.Mutex
	codes           map[string]*Code
	ttl             time.Duration
	bridgePublicKey string

	audit *auditlog.Log
	log   logger.Logger

	tick *time.Ticker
	stop chan struct{}
}

// NewRegistry starts a registry with the given code TTL. bridgePublicKey is
// the PEM served to every successfully redeeming client. audit/log may be
// nil.
func NewRegistry(ttl time.Duration, bridgePublicKey string, audit *auditlog.Log, log logger.Logger) *Registry {
	r := &Registry{
		codes:           make(map[string]*Code),
		ttl:             ttl,
		bridgePublicKey: bridgePublicKey,
		audit:           audit,
		log:             log,
		tick:            time.NewTicker(time.Minute),
		stop:            make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Issue mints a new pairing code for a remote app identified by appName and
// appUrl, expiring 5 minutes (or whatever ttl the registry was built with)
// after creation. It sweeps expired entries before minting.
func (r *Registry) Issue(appName, appURL string) (*Code, error) {
	value, err := generateCode()
	if err != nil {
		return nil, fmt.Errorf("pairing: generate code: %w", err)
	}

	now := time.Now()
	code := &Code{
		Value:           value,
		AppName:         appName,
		AppURL:          appURL,
		BridgePublicKey: r.bridgePublicKey,
		CreatedAt:       now,
		ExpiresAt:       now.Add(r.ttl),
	}

	r.mu.Lock()
	r.sweepLocked()
	r.codes[value] = code
	r.mu.Unlock()

	metrics.PairingCodesIssued.Inc()
	r.logEvent("pairing.issued", map[string]interface{}{"app_name": appName, "app_url": appURL})
	return code, nil
}

// Redeem consumes codeString exactly once, binding clientPublicKeyPEM to the
// pairing. A second call, a call past expiry, a call with an unknown code,
// or an empty clientPublicKeyPEM all return ErrInvalidOrExpired.
func (r *Registry) Redeem(codeString, clientPublicKeyPEM string) (*RedemptionData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	code, ok := r.codes[codeString]
	if !ok || code.used || time.Now().After(code.ExpiresAt) || strings.TrimSpace(clientPublicKeyPEM) == "" {
		metrics.PairingRedemptions.WithLabelValues("rejected").Inc()
		r.logEvent("pairing.rejected", nil)
		return nil, ErrInvalidOrExpired
	}

	code.used = true
	delete(r.codes, codeString)

	metrics.PairingRedemptions.WithLabelValues("accepted").Inc()
	r.logEvent("pairing.redeemed", map[string]interface{}{"app_name": code.AppName, "app_url": code.AppURL})
	return &RedemptionData{
		AppName:         code.AppName,
		AppURL:          code.AppURL,
		ClientPublicKey: clientPublicKeyPEM,
		BridgePublicKey: code.BridgePublicKey,
	}, nil
}

// Close stops the background sweep.
func (r *Registry) Close() {
	close(r.stop)
	r.tick.Stop()
}

func (r *Registry) sweepLoop() {
	for {
		select {
		case <-r.tick.C:
			r.mu.Lock()
			r.sweepLocked()
			r.mu.Unlock()
		case <-r.stop:
			return
		}
	}
}

// sweepLocked removes expired codes. Caller must hold r.mu.
func (r *Registry) sweepLocked() {
	now := time.Now()
	for k, c := range r.codes {
		if now.After(c.ExpiresAt) {
			delete(r.codes, k)
		}
	}
}

func (r *Registry) logEvent(action string, data map[string]interface{}) {
	if r.audit != nil {
		_ = r.audit.Append(action, data)
	}
	if r.log != nil {
		r.log.Info(action, logger.Any("data", data))
	}
}

const codeAlphabet = "0123456789ABCDEF"

// generateCode produces a code of the form XXXX-XXXX-XXXX, three groups of
// four uppercase hex characters, easy to read aloud and to type.
func generateCode() (string, error) {
	var groups [3]string
	for i := range groups {
		group := make([]byte, 4)
		buf := make([]byte, 4)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for j, b := range buf {
			group[j] = codeAlphabet[int(b)%len(codeAlphabet)]
		}
		groups[i] = string(group)
	}
	return strings.Join(groups[:], "-"), nil
}
