package pairing

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBridgePub = "-----BEGIN PUBLIC KEY-----\ntest\n-----END PUBLIC KEY-----\n"
const testClientPub = "-----BEGIN PUBLIC KEY-----\nclient\n-----END PUBLIC KEY-----\n"

var codeFormat = regexp.MustCompile(`^[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}$`)

func TestIssueProducesWellFormedCode(t *testing.T) {
	r := NewRegistry(5*time.Minute, testBridgePub, nil, nil)
	defer r.Close()

	code, err := r.Issue("my-app", "https://app.example.com")
	require.NoError(t, err)
	assert.Regexp(t, codeFormat, code.Value)
	assert.Equal(t, testBridgePub, code.BridgePublicKey)
}

func TestRedeemSucceedsOnce(t *testing.T) {
	r := NewRegistry(5*time.Minute, testBridgePub, nil, nil)
	defer r.Close()

	code, err := r.Issue("my-app", "https://app.example.com")
	require.NoError(t, err)

	redemption, err := r.Redeem(code.Value, testClientPub)
	require.NoError(t, err)
	assert.Equal(t, "my-app", redemption.AppName)
	assert.Equal(t, testClientPub, redemption.ClientPublicKey)
	assert.Equal(t, testBridgePub, redemption.BridgePublicKey)

	_, err = r.Redeem(code.Value, testClientPub)
	assert.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestRedeemUnknownCodeFails(t *testing.T) {
	r := NewRegistry(5*time.Minute, testBridgePub, nil, nil)
	defer r.Close()

	_, err := r.Redeem("0000-0000-0000", testClientPub)
	assert.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestRedeemExpiredCodeFails(t *testing.T) {
	r := NewRegistry(time.Millisecond, testBridgePub, nil, nil)
	defer r.Close()

	code, err := r.Issue("my-app", "https://app.example.com")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = r.Redeem(code.Value, testClientPub)
	assert.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestRedeemWithEmptyClientKeyFails(t *testing.T) {
	r := NewRegistry(5*time.Minute, testBridgePub, nil, nil)
	defer r.Close()

	code, err := r.Issue("my-app", "https://app.example.com")
	require.NoError(t, err)

	_, err = r.Redeem(code.Value, "   ")
	assert.ErrorIs(t, err, ErrInvalidOrExpired)
}

func TestSweepRemovesExpiredCodes(t *testing.T) {
	r := NewRegistry(time.Millisecond, testBridgePub, nil, nil)
	defer r.Close()

	_, err := r.Issue("my-app", "https://app.example.com")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	r.mu.Lock()
	r.sweepLocked()
	count := len(r.codes)
	r.mu.Unlock()
	assert.Zero(t, count)
}

func TestConcurrentRedeemOnlyOneWins(t *testing.T) {
	r := NewRegistry(5*time.Minute, testBridgePub, nil, nil)
	defer r.Close()

	code, err := r.Issue("my-app", "https://app.example.com")
	require.NoError(t, err)

	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := r.Redeem(code.Value, testClientPub)
			results <- err
		}()
	}

	successes := 0
	for i := 0; i < 10; i++ {
		if <-results == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
}
