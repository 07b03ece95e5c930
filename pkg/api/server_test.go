package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailbound/kapp/pkg/config"
	"github.com/trailbound/kapp/pkg/dkg"
	"github.com/trailbound/kapp/pkg/service"
	"github.com/trailbound/kapp/pkg/types"
)

type nopClient struct{}

func (nopClient) CreateAsset(ctx context.Context, content json.RawMessage, opts dkg.CreateOptions, id dkg.Identity) (*dkg.CreateResponse, error) {
	resp := &dkg.CreateResponse{UAL: "did:dkg:otp/0x1/1"}
	resp.Operation.Publish.Status = "COMPLETED"
	return resp, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := &config.Config{
		PollFrequency:       time.Second,
		WorkerCount:         1,
		HealthCheckInterval: time.Minute,
		AssignedTimeout:     5 * time.Minute,
		PublishingTimeout:   15 * time.Minute,
		WalletTimeout:       30 * time.Minute,
		DKGEndpoint:         "https://node.test",
		DatabaseDriver:      "sqlite3",
		DatabaseDSN:         ":memory:",
		RedisAddr:           mr.Addr(),
		ContentBackend:      "fs",
		ContentDir:          t.TempDir(),
		EncryptionKey:       "api-test-passphrase",
	}

	svc, err := service.New(cfg, nopClient{})
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	return NewServer(svc, ":0")
}

func doRequest(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)
	return w
}

func TestRegisterAndGetAsset(t *testing.T) {
	s := newTestServer(t)

	payload := []byte(`{
		"content": {"@type": "Thing", "name": "X"},
		"metadata": {"source": "crawler"},
		"publishOptions": {"priority": 80}
	}`)
	w := doRequest(t, s, "POST", "/v1/assets", payload)
	require.Equal(t, http.StatusCreated, w.Code)

	var asset types.Asset
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &asset))
	assert.Equal(t, types.AssetStatusQueued, asset.Status)
	assert.Equal(t, 80, asset.Priority)
	assert.Equal(t, "crawler", asset.Source)

	w = doRequest(t, s, "GET", "/v1/assets/1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status struct {
		Asset    *types.Asset               `json:"asset"`
		Attempts []*types.PublishingAttempt `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, asset.ID, status.Asset.ID)
	assert.Empty(t, status.Attempts)
}

func TestRegisterRejectsBadContent(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, "POST", "/v1/assets", []byte(`{"content": null}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "content")

	w = doRequest(t, s, "POST", "/v1/assets", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAssetNotFound(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, "GET", "/v1/assets/999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListRequiresSource(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, "GET", "/v1/assets", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListBySource(t *testing.T) {
	s := newTestServer(t)

	for _, src := range []string{"crawler", "crawler", "manual"} {
		body := []byte(`{"content": {"a": 1}, "metadata": {"source": "` + src + `"}}`)
		w := doRequest(t, s, "POST", "/v1/assets", body)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doRequest(t, s, "GET", "/v1/assets?source=crawler", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Assets []*types.Asset `json:"assets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Len(t, out.Assets, 2)

	w = doRequest(t, s, "GET", "/v1/assets?source=nobody", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Empty(t, out.Assets)
}

func TestQueuePauseResume(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, "POST", "/v1/queue/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, "GET", "/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats types.QueueStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.True(t, stats.Paused)

	w = doRequest(t, s, "POST", "/v1/queue/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, "GET", "/v1/queue/stats", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.False(t, stats.Paused)
}

func TestWalletImportAndStats(t *testing.T) {
	s := newTestServer(t)

	manifest := "wallets:\n  - address: \"0xabc\"\n    privateKey: \"pk\"\n    blockchain: \"otp:2043\"\n"
	w := doRequest(t, s, "POST", "/v1/wallets/import", []byte(manifest))
	require.Equal(t, http.StatusOK, w.Code)

	var imported map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &imported))
	assert.Equal(t, 1, imported["added"])
	assert.Equal(t, 0, imported["skipped"])

	w = doRequest(t, s, "GET", "/v1/wallets/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats types.WalletStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.Available)

	w = doRequest(t, s, "POST", "/v1/wallets/unlock-stuck", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRetryFailedEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, "POST", "/v1/assets/retry-failed", []byte(`{"source": "crawler"}`))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"retried":0`)
}

func TestDashboardMounted(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, "GET", "/v1/queue/dashboard/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "waiting"))
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, "GET", "/livez", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
