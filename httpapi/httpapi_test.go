package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prompt-dock/bridge/internal/identity"
	"github.com/prompt-dock/bridge/internal/logger"
	"github.com/prompt-dock/bridge/pairing"
	"github.com/prompt-dock/bridge/session"
	"github.com/prompt-dock/bridge/workspace"
)

type fakeWorkspace struct{}

func (fakeWorkspace) Status(ctx context.Context, workdir string) (*workspace.Status, error) {
	return &workspace.Status{Branch: "main", Clean: true, ChangedFiles: []string{}}, nil
}
func (fakeWorkspace) CreateBackupSnapshot(ctx context.Context, workdir string) (string, error) {
	return "", nil
}
func (fakeWorkspace) CreateWorktree(ctx context.Context, workdir, baseBranch string, metadata map[string]string) (*workspace.WorktreeInfo, error) {
	return nil, nil
}
func (fakeWorkspace) DeleteWorktree(ctx context.Context, workdir, worktreePath, branchName string, force bool) error {
	return nil
}
func (fakeWorkspace) ListWorktrees(ctx context.Context, workdir string) ([]workspace.WorktreeInfo, error) {
	return nil, nil
}
func (fakeWorkspace) Commit(ctx context.Context, workdir, message string, files []string) (string, error) {
	return "", nil
}
func (fakeWorkspace) Diff(ctx context.Context, file, workdir string) (string, error) { return "", nil }
func (fakeWorkspace) GeneratePullRequest(ctx context.Context, workdir string, options workspace.PullRequestOptions) (*workspace.PullRequestResult, error) {
	return nil, nil
}
func (fakeWorkspace) WatchWorkspace(ctx context.Context, workdir string, callback workspace.WatchCallback) error {
	<-ctx.Done()
	return nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	log := logger.New(os.Stderr, logger.ErrorLevel)

	id, err := identity.Init(t.TempDir())
	require.NoError(t, err)
	bridgePEM, err := id.PublicPEM()
	require.NoError(t, err)

	pairingReg := pairing.NewRegistry(5*time.Minute, bridgePEM, nil, log)
	t.Cleanup(pairingReg.Close)

	store, err := session.NewStore(session.Config{}, nil, log)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	srv, err := New([]string{"http://allowed.example"}, pairingReg, store, fakeWorkspace{}, []string{"claude"}, log)
	require.NoError(t, err)

	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)
	return srv, httpSrv
}

func doJSON(t *testing.T, method, url, origin string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthReportsStatusAndActiveSessions(t *testing.T) {
	_, httpSrv := newTestServer(t)

	resp := doJSON(t, http.MethodGet, httpSrv.URL+"/health", "http://allowed.example", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.ActiveSessions)
}

func TestDisallowedOriginIsRejected(t *testing.T) {
	_, httpSrv := newTestServer(t)

	resp := doJSON(t, http.MethodGet, httpSrv.URL+"/health", "http://evil.example", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestPairingGenerateRejectsMissingFields(t *testing.T) {
	_, httpSrv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, httpSrv.URL+"/api/pairing/generate", "http://allowed.example", map[string]string{"appName": "demo"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPairingGenerateThenVerifyProducesSession(t *testing.T) {
	_, httpSrv := newTestServer(t)

	genResp := doJSON(t, http.MethodPost, httpSrv.URL+"/api/pairing/generate", "http://allowed.example", map[string]string{
		"appName": "demo-app", "appUrl": "http://localhost:3000",
	})
	defer genResp.Body.Close()
	require.Equal(t, http.StatusOK, genResp.StatusCode)

	var gen pairingGenerateResponse
	require.NoError(t, json.NewDecoder(genResp.Body).Decode(&gen))
	require.NotEmpty(t, gen.Code)

	clientID, err := identity.Init(t.TempDir())
	require.NoError(t, err)
	clientPEM, err := clientID.PublicPEM()
	require.NoError(t, err)

	verifyResp := doJSON(t, http.MethodPost, httpSrv.URL+"/api/pairing/verify", "http://allowed.example", map[string]string{
		"code": gen.Code, "clientPublicKey": clientPEM,
	})
	defer verifyResp.Body.Close()
	require.Equal(t, http.StatusOK, verifyResp.StatusCode)

	var verify pairingVerifyResponse
	require.NoError(t, json.NewDecoder(verifyResp.Body).Decode(&verify))
	assert.NotEmpty(t, verify.Token)
	assert.NotEmpty(t, verify.SessionID)
}

func TestPairingVerifyRejectsUnknownCode(t *testing.T) {
	_, httpSrv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, httpSrv.URL+"/api/pairing/verify", "http://allowed.example", map[string]string{
		"code": "DOES-NOT-EXIST", "clientPublicKey": "whatever",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAgentsListsOnlyLocatableKinds(t *testing.T) {
	_, httpSrv := newTestServer(t)

	resp := doJSON(t, http.MethodGet, httpSrv.URL+"/api/agents", "http://allowed.example", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []agentEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.Empty(t, entries) // "claude" is not installed in the test sandbox
}

func TestSessionsListAndRevoke(t *testing.T) {
	srv, httpSrv := newTestServer(t)

	sess, err := srv.sessions.Create(&pairing.RedemptionData{AppName: "demo", AppURL: "http://localhost"})
	require.NoError(t, err)

	listResp := doJSON(t, http.MethodGet, httpSrv.URL+"/api/sessions", "http://allowed.example", nil)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)

	var entries []sessionEntry
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, sess.ID, entries[0].ID)

	delResp := doJSON(t, http.MethodDelete, httpSrv.URL+"/api/sessions/"+sess.ID, "http://allowed.example", nil)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)

	missingResp := doJSON(t, http.MethodDelete, httpSrv.URL+"/api/sessions/does-not-exist", "http://allowed.example", nil)
	defer missingResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, missingResp.StatusCode)
}

func TestGitStatusRequiresWorkdir(t *testing.T) {
	_, httpSrv := newTestServer(t)

	resp := doJSON(t, http.MethodGet, httpSrv.URL+"/api/git/status", "http://allowed.example", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGitStatusReturnsAdapterStatus(t *testing.T) {
	_, httpSrv := newTestServer(t)

	resp := doJSON(t, http.MethodGet, httpSrv.URL+"/api/git/status?workdir=/tmp", "http://allowed.example", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body gitStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "main", body.Branch)
	assert.True(t, body.Clean)
}
