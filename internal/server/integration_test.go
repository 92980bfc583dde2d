package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bantamhq/cutman/internal/store"
)

// End-to-end HTTP coverage driving server.Server through net/http/httptest,
// rather than the store or handler functions directly. Each test mirrors one
// of the literal request/response scenarios a client would actually see.

func newIntegrationStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, st.Initialize())
	t.Cleanup(func() { st.Close() })
	return st
}

func newIntegrationServer(t *testing.T, lfsEnabled bool) (*Server, *store.SQLiteStore) {
	t.Helper()
	st := newIntegrationStore(t)
	srv := NewServer(st, t.TempDir(), LFSOptions{Enabled: lfsEnabled, MaxFileSize: 1 << 20})
	return srv, st
}

func requireGitBinary(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git-upload-pack"); err != nil {
		t.Skip("git-upload-pack not found on PATH")
	}
	if _, err := exec.LookPath("git-receive-pack"); err != nil {
		t.Skip("git-receive-pack not found on PATH")
	}
}

func doRequest(t *testing.T, srv *Server, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, out))
}

// bootstrapPrincipal drives the admin API the way `admin init` plus a first
// onboarding call would: mint an admin token directly against the store
// (there is no HTTP bootstrap endpoint), then create a namespace-bound
// principal and a token for it over HTTP.
func bootstrapPrincipal(t *testing.T, srv *Server, st *store.SQLiteStore, namespaceName string) (adminToken, principalID, principalToken string) {
	t.Helper()

	adminToken, err := st.GenerateAdminToken()
	require.NoError(t, err)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/admin/principals", adminToken,
		map[string]string{"namespace_name": namespaceName})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var principal struct {
		ID                 string `json:"id"`
		PrimaryNamespaceID string `json:"primary_namespace_id"`
	}
	decodeData(t, rec, &principal)
	require.NotEmpty(t, principal.ID)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/admin/principals/"+principal.ID+"/tokens", adminToken,
		map[string]any{})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var tokenResp struct {
		Token string `json:"token"`
	}
	decodeData(t, rec, &tokenResp)
	require.NotEmpty(t, tokenResp.Token)

	return adminToken, principal.ID, tokenResp.Token
}

// Scenario 1: bootstrap -> create principal -> principal token -> push.
// A `git push` isn't replayed here (that's an external git client's job);
// instead this exercises what that push's first HTTP contact does: a
// service=git-receive-pack ref advertisement request auto-creates the repo.
func TestE2E_BootstrapCreatePrincipalPush(t *testing.T) {
	requireGitBinary(t)
	srv, st := newIntegrationServer(t, false)

	_, _, principalToken := bootstrapPrincipal(t, srv, st, "alice")

	rec := doRequest(t, srv, http.MethodGet, "/git/alice/demo.git/info/refs?service=git-receive-pack", principalToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/x-git-receive-pack-advertisement", rec.Header().Get("Content-Type"))

	ns, err := st.GetNamespaceByName("alice")
	require.NoError(t, err)
	require.NotNil(t, ns)

	repo, err := st.GetRepo(ns.ID, "demo")
	require.NoError(t, err)
	require.NotNil(t, repo, "repo must be auto-created on first push contact")

	// The repo name normalization fix: a mixed-case ".git" path must
	// resolve to the same lowercased repo, not 400 on validation.
	rec = doRequest(t, srv, http.MethodGet, "/git/alice/Demo.git/info/refs?service=git-upload-pack", principalToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// Scenario 2: public repo anonymous read.
func TestE2E_PublicRepoAnonymousRead(t *testing.T) {
	requireGitBinary(t)
	srv, st := newIntegrationServer(t, false)

	_, _, principalToken := bootstrapPrincipal(t, srv, st, "alice")

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/repos", principalToken,
		map[string]any{"name": "demo", "public": true})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(t, srv, http.MethodGet, "/git/alice/demo.git/info/refs?service=git-upload-pack", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, srv, http.MethodGet, "/git/alice/demo.git/info/refs?service=git-receive-pack", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
}

// Scenario 3: LFS upload roundtrip, including the size-mismatch regression
// this suite exists to catch: a second upload of the same oid with the wrong
// byte count must return 400 HashMismatch, not a generic 500.
func TestE2E_LFSUploadRoundtrip(t *testing.T) {
	srv, st := newIntegrationServer(t, true)

	_, _, principalToken := bootstrapPrincipal(t, srv, st, "alice")

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/repos", principalToken,
		map[string]any{"name": "demo", "public": false})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	const oid = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	const content = "hello world"
	path := "/git/alice/demo.git/info/lfs/objects/" + oid

	req := httptest.NewRequest(http.MethodPut, path, bytes.NewReader([]byte(content)))
	req.Header.Set("Authorization", "Bearer "+principalToken)
	req.ContentLength = int64(len(content))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	req = httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Bearer "+principalToken)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, content, w.Body.String())

	// Re-upload same oid, wrong size.
	badContent := "0123456789"
	req = httptest.NewRequest(http.MethodPut, path, bytes.NewReader([]byte(badContent)))
	req.Header.Set("Authorization", "Bearer "+principalToken)
	req.ContentLength = int64(len(badContent))
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	var errResp struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errResp))
	assert.Contains(t, errResp.Message, "does not match")

	// Unknown oid.
	const unknownOID = "f433fe864154ec815b6d17519ddb70da1aa508f24373e30460e895570b0b1f1f"
	req = httptest.NewRequest(http.MethodGet, "/git/alice/demo.git/info/lfs/objects/"+unknownOID, nil)
	req.Header.Set("Authorization", "Bearer "+principalToken)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// Scenario 6: a namespace with repos cannot be deleted until they're gone.
func TestE2E_NamespaceDeleteGuard(t *testing.T) {
	srv, st := newIntegrationServer(t, false)

	adminToken, _, principalToken := bootstrapPrincipal(t, srv, st, "alice")

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/repos", principalToken,
		map[string]any{"name": "demo", "public": false})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var repo struct {
		ID string `json:"id"`
	}
	decodeData(t, rec, &repo)
	require.NotEmpty(t, repo.ID)

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/admin/namespaces/alice", adminToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/repos/"+repo.ID, principalToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = doRequest(t, srv, http.MethodDelete, "/api/v1/admin/namespaces/alice", adminToken, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
}
