package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/netgate/internal/cerberus"
	"github.com/Wikid82/netgate/internal/config"
	"github.com/Wikid82/netgate/internal/database"
	"github.com/Wikid82/netgate/internal/enforcement"
	"github.com/Wikid82/netgate/internal/models"
	"github.com/Wikid82/netgate/internal/services"
)

type fakeEnforcement struct {
	mu       sync.Mutex
	status   enforcement.Status
	applyErr error
	applied  []string
	removed  []string
}

func (f *fakeEnforcement) Status() enforcement.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeEnforcement) Apply(_ context.Context, workload string) (models.EnforcementSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.applyErr != nil {
		return models.EnforcementSession{}, f.applyErr
	}
	f.applied = append(f.applied, workload)
	return models.EnforcementSession{UUID: "sess-1", Workload: workload, IP: "10.0.0.5", Chain: "NETGATE-00000000", Status: models.SessionActive}, nil
}

func (f *fakeEnforcement) Teardown(_ context.Context, workload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, workload)
	return nil
}

type testEnv struct {
	router   *gin.Engine
	rules    *services.RuleService
	pending  *services.PendingService
	ledger   *services.LedgerService
	notifier *services.NotificationService
	auth     *services.AuthService
	backups  *services.BackupService
	cerb     *cerberus.Cerberus
	enf      *fakeEnforcement
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Defaults()
	cfg.PendingTimeout = 5 * time.Second
	dir := t.TempDir()

	notifier := services.NewNotificationService(services.DefaultSubscriberBuffer)
	rules, err := services.NewRuleService(filepath.Join(dir, "network-rules.json"), false, notifier)
	require.NoError(t, err)
	pending := services.NewPendingService(cfg.PendingTimeout, cfg.MaxPending, notifier)
	ledger, err := services.NewLedgerService(database.OpenTestDB(t), filepath.Join(dir, "network-access.log"), cfg.RecentWindow)
	require.NoError(t, err)
	auth, err := services.NewAuthService("")
	require.NoError(t, err)
	backups, err := services.NewBackupService(rules, config.BackupConfig{Dir: filepath.Join(dir, "backups"), Keep: 5})
	require.NoError(t, err)
	cerb := cerberus.New(cfg, rules, pending, ledger)

	env := &testEnv{
		router:   gin.New(),
		rules:    rules,
		pending:  pending,
		ledger:   ledger,
		notifier: notifier,
		auth:     auth,
		backups:  backups,
		cerb:     cerb,
		enf:      &fakeEnforcement{status: enforcement.Status{Mode: enforcement.ModeAdvisory, Reason: "disabled by configuration", Sessions: []models.EnforcementSession{}}},
	}
	t.Cleanup(func() {
		cerb.Shutdown()
		_ = ledger.Close()
	})

	api := env.router.Group("/api/v1")
	api.GET("/health", NewHealthHandler(rules, pending, env.enf).Health)
	NewRulesHandler(rules).RegisterRoutes(api)
	NewPendingHandler(pending, cerb).RegisterRoutes(api)
	NewStatsHandler(ledger).RegisterRoutes(api)
	NewEnforcementHandler(env.enf).RegisterRoutes(api)
	NewBackupHandler(backups).RegisterRoutes(api)
	events := NewEventsHandler(notifier, auth, rules, pending)
	events.Coalesce = 20 * time.Millisecond
	api.GET("/events", events.Stream)
	api.POST("/events/ticket", events.Ticket)
	NewHookHandler(cerb).RegisterRoutes(env.router)
	return env
}

func (e *testEnv) do(method, target string, body interface{}) *httptest.ResponseRecorder {
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, _ := json.Marshal(b)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// holdRequest evaluates a request in the background so it sits in the
// pending queue, and returns the channel its decision arrives on.
func (e *testEnv) holdRequest(t *testing.T, host, path string) (models.PendingEntry, <-chan models.Decision) {
	t.Helper()
	before := e.pending.Len()
	out := make(chan models.Decision, 1)
	go func() {
		out <- e.cerb.Evaluate(context.Background(), cerberus.Request{Method: "GET", Scheme: "https", Host: host, Path: path})
	}()
	require.Eventually(t, func() bool { return e.pending.Len() == before+1 }, 2*time.Second, 5*time.Millisecond)
	for _, entry := range e.pending.List() {
		if entry.Host == host && entry.Path == path {
			return entry, out
		}
	}
	t.Fatalf("pending entry for %s%s not found", host, path)
	return models.PendingEntry{}, nil
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decodeJSON(t, w, &body)
	return body["code"]
}
