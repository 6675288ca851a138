package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/statline/feedsync/cfg"
	"github.com/statline/feedsync/identity"
	"github.com/statline/feedsync/session"
	"github.com/statline/feedsync/stream"
)

type fakeBackend struct {
	count int64
}

func (f *fakeBackend) CountUnread(ctx context.Context, feed cfg.FeedConfiguration, scopeID string) (int64, error) {
	return f.count, nil
}

func (f *fakeBackend) RecentRows(ctx context.Context, feed cfg.FeedConfiguration, scopeID string, limit int) ([]map[string]interface{}, error) {
	return nil, nil
}

func (f *fakeBackend) MarkAllRead(ctx context.Context, feed cfg.FeedConfiguration, scopeID string) (int64, error) {
	affected := f.count
	f.count = 0
	return affected, nil
}

func newTestRouter(t *testing.T, be *fakeBackend) (http.Handler, *identity.Hub) {
	t.Helper()

	source := stream.NewMemorySource(64)
	t.Cleanup(func() { source.Close() })

	hub := identity.NewHub()
	reg, err := session.NewRegistry(session.RegistryConfig{
		Feeds: []cfg.FeedConfiguration{
			{Table: "notifications", Shape: "counter", ReadColumn: "is_read", OwnerColumn: "user_id", KeyColumn: "id"},
		},
		Session:  cfg.SessionConfiguration{ReconnectDelayMS: 20},
		Source:   source,
		Fetcher:  be,
		Mutator:  be,
		Identity: hub,
	})
	require.NoError(t, err)

	reg.Start()
	t.Cleanup(reg.Stop)

	return NewRouter(NewHandlers(reg, hub)), hub
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body struct {
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Data
}

func waitForCount(t *testing.T, router http.Handler, table string, want float64) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/feeds/"+table+"/count", nil))
		if rec.Code != http.StatusOK {
			return false
		}
		return decodeData(t, rec)["count"] == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAdmin_Health(t *testing.T) {
	router, _ := newTestRouter(t, &fakeBackend{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeData(t, rec)["status"])
}

func TestAdmin_SignInDrivesSessionsAndCounts(t *testing.T) {
	router, _ := newTestRouter(t, &fakeBackend{count: 3})

	// Nothing is synchronized before sign-in
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/feeds/notifications/count", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/identity/sign-in",
		bytes.NewBufferString(`{"user_id":"u1"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	waitForCount(t, router, "notifications", 3)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/session", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData(t, rec)
	require.Equal(t, true, data["signed_in"])
	require.Equal(t, "u1", data["user_id"])
}

func TestAdmin_ReadAllZeroesCounter(t *testing.T) {
	router, hub := newTestRouter(t, &fakeBackend{count: 5})

	hub.SignedIn("u1")
	waitForCount(t, router, "notifications", 5)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/feeds/notifications/read-all", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(0), decodeData(t, rec)["count"])
}

func TestAdmin_SignOutTearsDownSessions(t *testing.T) {
	router, hub := newTestRouter(t, &fakeBackend{count: 1})

	hub.SignedIn("u1")
	waitForCount(t, router, "notifications", 1)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/identity/sign-out", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/feeds/notifications/count", nil))
		return rec.Code == http.StatusNotFound
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAdmin_SignInRequiresUserID(t *testing.T) {
	router, _ := newTestRouter(t, &fakeBackend{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/identity/sign-in",
		bytes.NewBufferString(`{}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_AuthToken(t *testing.T) {
	previous := cfg.Config.Admin.AuthToken
	cfg.Config.Admin.AuthToken = "s3cret"
	t.Cleanup(func() { cfg.Config.Admin.AuthToken = previous })

	router, _ := newTestRouter(t, &fakeBackend{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/session", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("GET", "/v1/session", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Health stays open
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
