package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prompt-dock/bridge/pairing"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := NewStore(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func testRedemption() *pairing.RedemptionData {
	return &pairing.RedemptionData{
		AppName:         "my-app",
		AppURL:          "https://app.example.com",
		ClientPublicKey: "-----BEGIN PUBLIC KEY-----\nclient\n-----END PUBLIC KEY-----\n",
		BridgePublicKey: "-----BEGIN PUBLIC KEY-----\nbridge\n-----END PUBLIC KEY-----\n",
	}
}

func TestCreateIssuesSessionAndToken(t *testing.T) {
	store := newTestStore(t, Config{})
	sess, err := store.Create(testRedemption())
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.NotEmpty(t, sess.Token)
	assert.Equal(t, "my-app", sess.AppName)
}

func TestResolveByTokenSucceedsForCurrentToken(t *testing.T) {
	store := newTestStore(t, Config{})
	sess, err := store.Create(testRedemption())
	require.NoError(t, err)

	resolved, err := store.ResolveByToken(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, resolved.ID)
}

func TestResolveByTokenRejectsStaleTokenAfterRotation(t *testing.T) {
	store := newTestStore(t, Config{SessionTimeout: time.Hour, RefreshThreshold: time.Millisecond})
	sess, err := store.Create(testRedemption())
	require.NoError(t, err)
	staleToken := sess.Token

	time.Sleep(5 * time.Millisecond)
	resolved, err := store.ResolveByToken(staleToken)
	require.NoError(t, err)
	assert.NotEqual(t, staleToken, resolved.Token, "token should have rotated")

	_, err = store.ResolveByToken(staleToken)
	assert.ErrorIs(t, err, ErrNotAuthenticated, "old token must stop validating immediately")

	_, err = store.ResolveByToken(resolved.Token)
	assert.NoError(t, err)
}

func TestResolveByTokenRejectsUnknownToken(t *testing.T) {
	store := newTestStore(t, Config{})
	_, err := store.ResolveByToken("not-a-real-token")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestResolveByTokenRejectsExpiredSession(t *testing.T) {
	store := newTestStore(t, Config{SessionTimeout: time.Millisecond})
	sess, err := store.Create(testRedemption())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = store.ResolveByToken(sess.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestAdmitCommandRejectsReplay(t *testing.T) {
	store := newTestStore(t, Config{})
	sess, err := store.Create(testRedemption())
	require.NoError(t, err)

	payload := map[string]interface{}{"workdir": "/tmp/x"}
	result := store.AdmitCommand(sess, "cmd-1", payload)
	assert.True(t, result.Admitted)

	replay := store.AdmitCommand(sess, "cmd-1", payload)
	assert.False(t, replay.Admitted)
	assert.Equal(t, RejectReplay, replay.Reason)
}

func TestAdmitCommandEnforcesRateLimit(t *testing.T) {
	store := newTestStore(t, Config{MaxCommandsPerMinute: 2})
	sess, err := store.Create(testRedemption())
	require.NoError(t, err)

	assert.True(t, store.AdmitCommand(sess, "cmd-1", nil).Admitted)
	assert.True(t, store.AdmitCommand(sess, "cmd-2", nil).Admitted)

	third := store.AdmitCommand(sess, "cmd-3", nil)
	assert.False(t, third.Admitted)
	assert.Equal(t, RejectRateLimit, third.Reason)
	assert.Equal(t, 2, third.BackoffSecs)

	fourth := store.AdmitCommand(sess, "cmd-4", nil)
	assert.False(t, fourth.Admitted)
	assert.Equal(t, RejectRateLimit, fourth.Reason)
}

func TestRevokeRemovesSession(t *testing.T) {
	store := newTestStore(t, Config{})
	sess, err := store.Create(testRedemption())
	require.NoError(t, err)

	require.NoError(t, store.Revoke(sess.ID))
	_, err = store.ResolveByToken(sess.Token)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	assert.ErrorIs(t, store.Revoke(sess.ID), ErrSessionNotFound)
}

func TestEmergencyKillDrainsAllSessionsAndIsEmptySafe(t *testing.T) {
	store := newTestStore(t, Config{})

	empty := store.EmergencyKill("test")
	assert.Empty(t, empty)

	sess1, err := store.Create(testRedemption())
	require.NoError(t, err)
	sess2, err := store.Create(testRedemption())
	require.NoError(t, err)

	ids := store.EmergencyKill("operator request")
	assert.ElementsMatch(t, []string{sess1.ID, sess2.ID}, ids)
	assert.Zero(t, store.Count())
}

func TestSweepExpiresStaleSessions(t *testing.T) {
	store := newTestStore(t, Config{SessionTimeout: time.Millisecond})
	_, err := store.Create(testRedemption())
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	store.Sweep()
	assert.Zero(t, store.Count())
}
