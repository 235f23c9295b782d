package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoistsec/hoist/config"
	"github.com/hoistsec/hoist/orchestrator"
	"github.com/hoistsec/hoist/policy"
	"github.com/hoistsec/hoist/risk"
	"github.com/hoistsec/hoist/storage"
	"github.com/hoistsec/hoist/types"
)

const daemonConfig = `
version: "1"
markets:
  US:
    step_up_level: none
    approver_roles: [security-lead]
    max_duration: 4h
    default_duration: 1h
    audit_retention: 2160h
hooks:
  container:
    approval_required: true
    approver_roles: [platform-lead]
`

type trustedSource struct{}

func (trustedSource) Signals(context.Context, types.Actor, types.CallContext) (risk.Signals, error) {
	return risk.Signals{DeviceTrust: 1}, nil
}

type memIssuer struct {
	mu sync.Mutex
	n  int
}

func (m *memIssuer) Issue(_ context.Context, req *types.ElevationRequest, granted []string, _ time.Duration, _ policy.EffectivePolicy) (*types.ElevationToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.n++
	return &types.ElevationToken{
		ID:            "tok-" + req.ID,
		RequestID:     req.ID,
		Subject:       types.Subject{UserID: req.Actor.UserID, TenantID: req.Actor.TenantID},
		GrantedScopes: granted,
		IssuedAt:      time.Now().UTC(),
		ExpiresAt:     time.Now().UTC().Add(time.Hour),
	}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg, err := config.Parse([]byte(daemonConfig))
	require.NoError(t, err)
	snapshots := config.NewSnapshotStore(cfg)

	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	orch := orchestrator.New(snapshots, policy.NewResolver(snapshots), risk.NewScorer(trustedSource{}), &memIssuer{}, store, nil, nil, nil, orchestrator.Options{})
	t.Cleanup(orch.Close)

	d, err := New(Config{}, orch, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(d.routes())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) requestResponse {
	t.Helper()
	defer resp.Body.Close()
	var out requestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var health HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
}

func TestSubmitAutoApproved(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/requests", submitRequest{
		Actor:    types.Actor{UserID: "u1", TenantID: "acme", Market: "US"},
		HookType: "scm",
		Command:  "push",
		Scopes:   []string{"scm:force-push"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	out := decodeResponse(t, resp)
	assert.Equal(t, types.StatusTokenIssued, out.Request.Status)
}

func TestSubmitInvalidBody(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/requests", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestApprovalLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/requests", submitRequest{
		Actor:         types.Actor{UserID: "u1", TenantID: "acme", Market: "US"},
		HookType:      "container",
		Command:       "exec",
		Scopes:        []string{"container:exec-root"},
		Justification: "debugging prod incident",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeResponse(t, resp)
	require.Equal(t, types.StatusApprovalPending, created.Request.Status)
	id := created.Request.ID

	// Role outside policy is forbidden.
	resp = postJSON(t, srv.URL+"/v1/requests/"+id+"/approve", approvalBody{ApproverID: "a1", Role: "intern"})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/v1/requests/"+id+"/approve", approvalBody{ApproverID: "a1", Role: "platform-lead"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	approved := decodeResponse(t, resp)
	assert.Equal(t, types.StatusTokenIssued, approved.Request.Status)

	// State is also visible through the read endpoint.
	getResp, err := http.Get(srv.URL + "/v1/requests/" + id)
	require.NoError(t, err)
	got := decodeResponse(t, getResp)
	assert.Equal(t, types.StatusTokenIssued, got.Request.Status)
}

func TestGetUnknownRequest(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/requests/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInterceptRouteAbsentWithoutInterceptor(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/intercept", interceptBody{HookType: "exec", Command: "ls"})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
