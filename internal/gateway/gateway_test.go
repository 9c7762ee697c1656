package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanmon/internal/blobstore"
	"github.com/ashita-ai/kanmon/internal/cache"
	"github.com/ashita-ai/kanmon/internal/permission"
	"github.com/ashita-ai/kanmon/internal/unknownuser"
)

func newTestGateway(t *testing.T, privateBackendMode bool) *Gateway {
	t.Helper()
	store := blobstore.NewMemStore()
	mgr := cache.NewManager(store)
	uu := unknownuser.NewLogger(store)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	checker := permission.NewChecker(mgr, uu, logger, permission.Config{})
	return New(checker, logger, privateBackendMode, 100, 100)
}

func TestGate_MissingAppIDReturns400(t *testing.T) {
	gw := newTestGateway(t, false)
	defer gw.Close()

	called := false
	handler := gw.Gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, called)
}

func TestGate_UnknownAppAllowsWithWarning(t *testing.T) {
	gw := newTestGateway(t, false)
	defer gw.Close()

	var gotResult bool
	handler := gw.Gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result, ok := ResultFromContext(r.Context())
		gotResult = ok
		WriteWithWarning(w, http.StatusOK, map[string]string{"status": "ok"}, result)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAppID, "app-A")
	req.Header.Set(HeaderGitEmail, "u@x.io")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.True(t, gotResult)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "warning")
	assert.Equal(t, "ok", body["status"])
}

func TestGate_PrivateBackendModeSkipsCheck(t *testing.T) {
	gw := newTestGateway(t, true)
	defer gw.Close()

	called := false
	handler := gw.Gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		_, ok := ResultFromContext(r.Context())
		assert.False(t, ok, "private-backend mode never attaches a Result")
		binding, ok := BindingFromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, "app-A", binding.AppID)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAppID, "app-A")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGate_DenyReturns403(t *testing.T) {
	gw := newTestGateway(t, false)
	defer gw.Close()

	// Personal app requiring a specific email the caller won't supply.
	store := blobstore.NewMemStore()
	raw, err := json.Marshal(map[string]any{
		"apps": map[string]any{"app-P": map[string]any{"id": "app-P", "emails": []string{"owner@x.io"}}},
	})
	require.NoError(t, err)
	store.Seed("system://cache/apps.json", raw)

	mgr := cache.NewManager(store)
	uu := unknownuser.NewLogger(store)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	checker := permission.NewChecker(mgr, uu, logger, permission.Config{})
	gw2 := New(checker, logger, false, 100, 100)
	defer gw2.Close()

	called := false
	handler := gw2.Gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAppID, "app-P")
	req.Header.Set(HeaderGitEmail, "stranger@x.io")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "USER_NOT_AUTHORIZED", body.Error.Code)
	assert.Equal(t, "stranger@x.io", body.Error.GitEmail)
}

func TestGate_RateLimitsPerApp(t *testing.T) {
	store := blobstore.NewMemStore()
	mgr := cache.NewManager(store)
	uu := unknownuser.NewLogger(store)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	checker := permission.NewChecker(mgr, uu, logger, permission.Config{})
	gw := New(checker, logger, false, 1, 1)
	defer gw.Close()

	handler := gw.Gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	makeReq := func() int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(HeaderAppID, "app-R")
		req.Header.Set(HeaderGitEmail, "u@x.io")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	first := makeReq()
	second := makeReq()
	assert.NotEqual(t, http.StatusTooManyRequests, first)
	assert.Equal(t, http.StatusTooManyRequests, second)
}
