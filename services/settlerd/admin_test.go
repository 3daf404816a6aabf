package settlerd

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const adminToken = "operator-secret"

func newAdminHandler(t *testing.T, h *harness) http.Handler {
	t.Helper()
	auth, err := NewAuthenticator(AuthConfig{BearerToken: adminToken})
	require.NoError(t, err)
	return auth.Middleware(NewAdminServer(h.submitter, h.finalizer, h.manager))
}

func adminDo(t *testing.T, handler http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestAdminRequiresAuthentication(t *testing.T) {
	handler := newAdminHandler(t, newHarness(t, StrategyDirect))

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/admin/status", nil))
	require.Equal(t, http.StatusUnauthorized, res.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusUnauthorized, res.Code)

	_, err := NewAuthenticator(AuthConfig{})
	require.Error(t, err)
}

func TestAdminAcceptsVerifiedClientCertificates(t *testing.T) {
	auth, err := NewAuthenticator(AuthConfig{AllowMTLS: true})
	require.NoError(t, err)
	handler := auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/status", nil)
	req.TLS = &tls.ConnectionState{VerifiedChains: [][]*x509.Certificate{{{}}}}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusNoContent, res.Code)

	req.TLS = &tls.ConnectionState{}
	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusUnauthorized, res.Code)
}

func TestAdminSettleLifecycle(t *testing.T) {
	h := newHarness(t, StrategyDirect)
	handler := newAdminHandler(t, h)
	h.playScenario(t)

	require.Equal(t, http.StatusBadRequest, adminDo(t, handler, http.MethodPost, "/admin/settle/abc").Code)
	require.Equal(t, http.StatusNotFound, adminDo(t, handler, http.MethodPost, "/admin/settle/5").Code)
	require.Equal(t, http.StatusConflict, adminDo(t, handler, http.MethodPost, "/admin/settle/100").Code)

	h.clock.Advance(45 * time.Second)
	require.Equal(t, http.StatusNoContent, adminDo(t, handler, http.MethodPost, "/admin/pause").Code)
	require.Equal(t, http.StatusServiceUnavailable, adminDo(t, handler, http.MethodPost, "/admin/settle/100").Code)
	require.Zero(t, h.escrow.sends())

	res := adminDo(t, handler, http.MethodGet, "/admin/status")
	require.Equal(t, http.StatusOK, res.Code)
	var status adminStatus
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &status))
	require.True(t, status.Submitter.Paused)
	require.Len(t, status.Lobbies, 1)
	require.Equal(t, "finalizable", status.Lobbies[0].State)

	require.Equal(t, http.StatusNoContent, adminDo(t, handler, http.MethodPost, "/admin/resume").Code)
	res = adminDo(t, handler, http.MethodPost, "/admin/settle/100")
	require.Equal(t, http.StatusOK, res.Code)
	var settled settleResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &settled))
	require.False(t, settled.AlreadySettled)
	require.Equal(t, uint64(2_857_142), settled.TotalPayout)
	require.Equal(t, uint64(142_858), settled.TotalFee)
	require.NotEmpty(t, settled.TxHash)

	res = adminDo(t, handler, http.MethodPost, "/admin/settle/100")
	require.Equal(t, http.StatusOK, res.Code)
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &settled))
	require.True(t, settled.AlreadySettled)
	require.Equal(t, 1, h.escrow.sends())

	require.Equal(t, http.StatusMethodNotAllowed, adminDo(t, handler, http.MethodGet, "/admin/pause").Code)
}
