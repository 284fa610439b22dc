package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devghori1264/aerophoenix/serverbot/internal/faults"
	"github.com/devghori1264/aerophoenix/serverbot/internal/frontend"
	"github.com/devghori1264/aerophoenix/serverbot/internal/queue"
	"github.com/devghori1264/aerophoenix/serverbot/internal/storage"
	"github.com/devghori1264/aerophoenix/serverbot/internal/telemetry"
)

func newTestServer(t *testing.T) (*httptest.Server, *queue.Memory) {
	t.Helper()
	st, err := storage.NewMemoryBadgerStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	q := queue.NewMemory(time.Minute, 10*time.Millisecond)
	t.Cleanup(func() { _ = q.Close() })

	log := zaptest.NewLogger(t)
	fe := frontend.New(st, q, nil, log)
	srv := httptest.NewServer(NewHTTPHandler(fe, st, log))
	t.Cleanup(srv.Close)
	return srv, q
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestAdminThenInteraction(t *testing.T) {
	srv, q := newTestServer(t)

	resp, _ := do(t, http.MethodPut, srv.URL+"/admin/specs", `{"name":"small","backend":"container","taskFamily":"small","ports":[{"port":2456,"protocol":"udp"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodPut, srv.URL+"/admin/guilds", `{"id":"g1","authorized":["alice"],"quota":2}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out := do(t, http.MethodPost, srv.URL+"/interactions", `{"guildId":"g1","requesterId":"alice","action":"create","serverName":"box1","specName":"small"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "deferred", out["status"])
	require.NotEmpty(t, out["requestId"])
	require.Equal(t, 1, q.Len())

	resp, out = do(t, http.MethodPost, srv.URL+"/interactions", `{"guildId":"g1","requesterId":"bob","action":"start","serverName":"box1"}`)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "unauthorized", out["kind"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/interactions", `{"guildId":"g1","requesterId":"alice","action":"status","serverName":"box9"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := do(t, http.MethodPut, srv.URL+"/admin/specs", `{"name":"small","backend":"mainframe"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodPut, srv.URL+"/admin/specs", `{"name":"small","backend":"container"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "container specs need a task family")
	resp, _ = do(t, http.MethodPut, srv.URL+"/admin/specs", `{"name":"big","backend":"vm","taskFamily":"big"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "vm specs need a launch template")
	resp, _ = do(t, http.MethodPut, srv.URL+"/admin/guilds", `{"authorized":["alice"]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/interactions", `{`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, http.MethodGet, srv.URL+"/interactions", ``)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestPing(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, out := do(t, http.MethodGet, srv.URL+"/ping", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "pong from serverbot", out["msg"])
}

func TestStatusCode(t *testing.T) {
	cases := map[error]int{
		faults.Unauthorized:   http.StatusForbidden,
		faults.UnknownSpec:    http.StatusNotFound,
		faults.UnknownServer:  http.StatusNotFound,
		faults.QuotaExceeded:  http.StatusTooManyRequests,
		faults.ServerBusy:     http.StatusConflict,
		faults.InvalidRequest: http.StatusBadRequest,
		faults.Transient:      http.StatusServiceUnavailable,
		errors.New("boom"):    http.StatusServiceUnavailable,
	}
	for err, want := range cases {
		require.Equal(t, want, StatusCode(err), err.Error())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := telemetry.NewMetrics()
	m.Interaction("start", "ok")
	mux := http.NewServeMux()
	RegisterMetrics(mux, m)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "serverbot_interactions_total")
}
