package handlers

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/netgate/internal/models"
)

func TestStatsHandler_CountsDecisions(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.rules.Upsert("good.test", models.AllowDomain)
	_, _ = env.rules.Upsert("bad.test", models.DenyDomain)

	for _, host := range []string{"good.test", "good.test", "bad.test"} {
		w := env.do(http.MethodPost, "/hook/evaluate", jsonBody{"method": "GET", "scheme": "https", "host": host, "path": "/"})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := env.do(http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var stats models.Stats
	decodeJSON(t, w, &stats)
	assert.EqualValues(t, 3, stats.Total)
	assert.EqualValues(t, 2, stats.Allowed)
	assert.EqualValues(t, 1, stats.Denied)
	require.Len(t, stats.ByDomain, 2)
	assert.Equal(t, "good.test", stats.ByDomain[0].Domain)

	w = env.do(http.MethodGet, "/api/v1/stats?top=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &stats)
	assert.Len(t, stats.ByDomain, 1)
}

func TestStatsHandler_Requests(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.rules.Upsert("good.test", models.AllowDomain)

	env.do(http.MethodPost, "/hook/evaluate", jsonBody{"host": "good.test", "path": "/first"})
	mark := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	env.do(http.MethodPost, "/hook/evaluate", jsonBody{"host": "good.test", "path": "/second"})

	w := env.do(http.MethodGet, "/api/v1/requests", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var recs []models.RequestRecord
	decodeJSON(t, w, &recs)
	require.Len(t, recs, 2)
	assert.Equal(t, "/second", recs[0].Path, "newest first")

	w = env.do(http.MethodGet, "/api/v1/requests?limit=1", nil)
	decodeJSON(t, w, &recs)
	assert.Len(t, recs, 1)

	w = env.do(http.MethodGet, "/api/v1/requests?since="+url.QueryEscape(mark.Format(time.RFC3339Nano)), nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeJSON(t, w, &recs)
	require.Len(t, recs, 1)
	assert.Equal(t, "/second", recs[0].Path)
}

func TestStatsHandler_BadParams(t *testing.T) {
	env := newTestEnv(t)

	for _, target := range []string{
		"/api/v1/stats?top=0",
		"/api/v1/stats?top=abc",
		"/api/v1/requests?limit=100000",
		"/api/v1/requests?since=yesterday",
	} {
		w := env.do(http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
		assert.Equal(t, CodeInvalidInput, errorCode(t, w), target)
	}
}
