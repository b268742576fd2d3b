package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Wikid82/netgate/internal/models"
)

func newTestRuleService(t *testing.T) (*RuleService, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "network-rules.json")
	svc, err := NewRuleService(path, false, nil)
	require.NoError(t, err)
	return svc, path
}

func TestRuleService_MissingFileIsEmpty(t *testing.T) {
	svc, _ := newTestRuleService(t)
	assert.Empty(t, svc.List())
	assert.Equal(t, 0, svc.Count())
}

func TestRuleService_UpsertLookupPersists(t *testing.T) {
	svc, path := newTestRuleService(t)

	rule, err := svc.Upsert("API.GitHub.com", models.AllowDomain)
	require.NoError(t, err)
	assert.Equal(t, "api.github.com", rule.Target)
	assert.True(t, rule.Persistent)

	got, ok := svc.Lookup("api.github.com")
	require.True(t, ok)
	assert.Equal(t, rule, got)

	// Survives a restart.
	reopened, err := NewRuleService(path, false, nil)
	require.NoError(t, err)
	got, ok = reopened.Lookup("api.github.com")
	require.True(t, ok)
	assert.Equal(t, rule.Action, got.Action)
	assert.True(t, rule.CreatedAt.Equal(got.CreatedAt))
}

func TestRuleService_UpsertIsIdempotent(t *testing.T) {
	svc, _ := newTestRuleService(t)
	first, err := svc.Upsert("https://x.test/secret", models.DenyURL)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := svc.Upsert("https://x.test/secret", models.DenyURL)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, svc.List(), 1)

	replaced, err := svc.Upsert("https://x.test/secret", models.AllowURL)
	require.NoError(t, err)
	assert.Equal(t, models.AllowURL, replaced.Action)
	assert.Len(t, svc.List(), 1)
}

func TestRuleService_UpsertRejectsInvalid(t *testing.T) {
	svc, _ := newTestRuleService(t)

	_, err := svc.Upsert("example.com", models.AllowOnce)
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = svc.Upsert("example.com", models.AllowURL)
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = svc.Upsert("not a host", models.AllowDomain)
	assert.ErrorIs(t, err, ErrInvalidTarget)

	assert.Empty(t, svc.List())
}

func TestRuleService_WriteFailureLeavesStateUnchanged(t *testing.T) {
	svc, _ := newTestRuleService(t)
	_, err := svc.Upsert("example.com", models.AllowDomain)
	require.NoError(t, err)

	svc.writeFile = func(string, []byte) error { return errors.New("disk full") }

	_, err = svc.Upsert("other.com", models.DenyDomain)
	assert.ErrorIs(t, err, ErrStorageWrite)
	_, ok := svc.Lookup("other.com")
	assert.False(t, ok)

	err = svc.Remove("example.com")
	assert.ErrorIs(t, err, ErrStorageWrite)
	_, ok = svc.Lookup("example.com")
	assert.True(t, ok)
}

func TestRuleService_Remove(t *testing.T) {
	svc, _ := newTestRuleService(t)
	_, err := svc.Upsert("example.com", models.AllowDomain)
	require.NoError(t, err)

	require.NoError(t, svc.Remove("EXAMPLE.com"))
	_, ok := svc.Lookup("example.com")
	assert.False(t, ok)

	assert.ErrorIs(t, svc.Remove("example.com"), ErrRuleNotFound)
}

func TestRuleService_Clear(t *testing.T) {
	svc, path := newTestRuleService(t)
	_, _ = svc.Upsert("a.com", models.AllowDomain)
	_, _ = svc.Upsert("b.com", models.DenyDomain)

	n, err := svc.Clear()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, svc.List())

	reopened, err := NewRuleService(path, false, nil)
	require.NoError(t, err)
	assert.Empty(t, reopened.List())
}

func TestRuleService_MatchPrecedence(t *testing.T) {
	svc, _ := newTestRuleService(t)
	_, _ = svc.Upsert("*.example.com", models.DenyDomain)
	_, _ = svc.Upsert("*.b.example.com", models.AllowDomain)
	_, _ = svc.Upsert("https://a.b.example.com/secret", models.DenyURL)

	r, ok := svc.Match("https://a.b.example.com/secret", "a.b.example.com")
	require.True(t, ok)
	assert.Equal(t, "https://a.b.example.com/secret", r.Target)

	r, ok = svc.Match("https://a.b.example.com/public", "a.b.example.com")
	require.True(t, ok)
	assert.Equal(t, "*.b.example.com", r.Target)

	r, ok = svc.Match("https://c.example.com/", "c.example.com")
	require.True(t, ok)
	assert.Equal(t, "*.example.com", r.Target)

	// A wildcard also covers the bare domain.
	r, ok = svc.Match("https://example.com/", "example.com")
	require.True(t, ok)
	assert.Equal(t, "*.example.com", r.Target)

	_, ok = svc.Match("https://example.org/", "example.org")
	assert.False(t, ok)

	// An exact host rule beats wildcards.
	_, _ = svc.Upsert("c.example.com", models.AllowDomain)
	r, ok = svc.Match("https://c.example.com/", "c.example.com")
	require.True(t, ok)
	assert.Equal(t, models.AllowDomain, r.Action)
}

func TestRuleService_ExportImportRoundTrip(t *testing.T) {
	src, _ := newTestRuleService(t)
	_, _ = src.Upsert("api.github.com", models.AllowDomain)
	_, _ = src.Upsert("*.evil.test", models.DenyDomain)
	_, _ = src.Upsert("https://x.test/secret?q=1", models.DenyURL)

	dst, _ := newTestRuleService(t)
	n, err := dst.Import(src.Export())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.ElementsMatch(t, src.List(), dst.List())
}

func TestRuleService_ImportMergesAndValidates(t *testing.T) {
	svc, _ := newTestRuleService(t)
	_, _ = svc.Upsert("keep.com", models.AllowDomain)
	_, _ = svc.Upsert("flip.com", models.AllowDomain)

	n, err := svc.Import(models.RuleSnapshot{Rules: map[string]string{
		"flip.com":          "deny",
		"https://new.test/": "allow-url",
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	r, _ := svc.Lookup("flip.com")
	assert.Equal(t, models.DenyDomain, r.Action)
	_, ok := svc.Lookup("keep.com")
	assert.True(t, ok)

	_, err = svc.Import(models.RuleSnapshot{Rules: map[string]string{
		"good.com": "allow-domain",
		"bad host": "allow-domain",
	}})
	assert.ErrorIs(t, err, ErrInvalidTarget)
	_, ok = svc.Lookup("good.com")
	assert.False(t, ok)
}

func TestRuleService_LoadsLegacyFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"github.com":"allow","https://x.test/secret":"deny","*.npmjs.org":"allow-domain"}`), 0o644))

	svc, err := NewRuleService(path, false, nil)
	require.NoError(t, err)

	r, ok := svc.Lookup("github.com")
	require.True(t, ok)
	assert.Equal(t, models.AllowDomain, r.Action)
	r, ok = svc.Lookup("https://x.test/secret")
	require.True(t, ok)
	assert.Equal(t, models.DenyURL, r.Action)
	assert.Equal(t, 3, svc.Count())
}

func TestRuleService_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

	_, err := NewRuleService(path, false, nil)
	assert.ErrorIs(t, err, ErrCorruptRules)

	svc, err := NewRuleService(path, true, nil)
	require.NoError(t, err)
	assert.Empty(t, svc.List())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	matches, _ := filepath.Glob(path + ".corrupt-*")
	assert.Len(t, matches, 1)
}

func TestRuleService_CorruptEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"rules":{"ok.com":"allow-domain","bad host":"allow","x.com":"sometimes","y.com":"allow-once"}}`), 0o644))

	_, err := NewRuleService(path, false, nil)
	assert.ErrorIs(t, err, ErrCorruptRules)

	svc, err := NewRuleService(path, true, nil)
	require.NoError(t, err)
	require.Len(t, svc.List(), 1)
	assert.Equal(t, "ok.com", svc.List()[0].Target)
}

func TestRuleService_PublishesRuleChanged(t *testing.T) {
	notifier := NewNotificationService(8)
	sub := notifier.Subscribe()
	svc, err := NewRuleService(filepath.Join(t.TempDir(), "rules.json"), false, notifier)
	require.NoError(t, err)

	_, err = svc.Upsert("example.com", models.AllowDomain)
	require.NoError(t, err)

	ev := <-sub.Events()
	assert.Equal(t, EventRuleChanged, ev.Kind)
	change := ev.Data.(RuleChange)
	assert.Equal(t, RuleOpUpsert, change.Op)
	assert.Equal(t, "example.com", change.Target)
}

func TestRuleService_OnChangeHooks(t *testing.T) {
	svc, _ := newTestRuleService(t)
	var ops []string
	svc.OnChange(func(c RuleChange) { ops = append(ops, c.Op) })

	_, err := svc.Upsert("example.com", models.AllowDomain)
	require.NoError(t, err)
	_, err = svc.Upsert("example.com", models.AllowDomain)
	require.NoError(t, err)
	_, err = svc.Import(models.RuleSnapshot{Rules: map[string]string{"other.com": "deny-domain"}})
	require.NoError(t, err)
	require.NoError(t, svc.Remove("other.com"))

	svc.writeFile = func(string, []byte) error { return errors.New("read-only") }
	_, err = svc.Upsert("fail.com", models.AllowDomain)
	require.Error(t, err)

	assert.Equal(t, []string{RuleOpUpsert, RuleOpImport, RuleOpRemove}, ops, "identical and failed writes run no hook")
}

func TestRuleService_ReloadIgnoresOwnWritesAndBadEdits(t *testing.T) {
	svc, path := newTestRuleService(t)
	_, err := svc.Upsert("example.com", models.AllowDomain)
	require.NoError(t, err)

	changed, err := svc.Reload()
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(path, []byte(`{"rules":{"example.com":"deny-domain","other.com":"allow"}}`), 0o644))
	changed, err = svc.Reload()
	require.NoError(t, err)
	assert.True(t, changed)
	r, _ := svc.Lookup("example.com")
	assert.Equal(t, models.DenyDomain, r.Action)
	assert.Equal(t, 2, svc.Count())

	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o644))
	_, err = svc.Reload()
	assert.ErrorIs(t, err, ErrCorruptRules)
	assert.Equal(t, 2, svc.Count())
}

func TestRuleService_WatchReloadsExternalEdit(t *testing.T) {
	notifier := NewNotificationService(8)
	path := filepath.Join(t.TempDir(), "rules.json")
	svc, err := NewRuleService(path, false, notifier)
	require.NoError(t, err)
	sub := notifier.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"edited.com":"allow"}`), 0o644))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, RuleOpReload, ev.Data.(RuleChange).Op)
	case <-time.After(3 * time.Second):
		t.Fatal("external edit not picked up")
	}
	_, ok := svc.Lookup("edited.com")
	assert.True(t, ok)
}

func TestRuleService_ConcurrentAccess(t *testing.T) {
	svc, _ := newTestRuleService(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			target := []string{"a.com", "b.com", "c.com", "d.com"}[i%4]
			_, err := svc.Upsert(target, models.AllowDomain)
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			svc.Match("https://a.com/", "a.com")
			svc.List()
		}()
	}
	wg.Wait()
	assert.Equal(t, 4, svc.Count())
}

func TestParseSnapshot(t *testing.T) {
	snap, err := ParseSnapshot([]byte(`{"rules":{"a.test":"allow-domain"},"created":{"a.test":"2025-01-01T00:00:00Z"}}`))
	require.NoError(t, err)
	assert.Equal(t, "allow-domain", snap.Rules["a.test"])
	assert.False(t, snap.Created["a.test"].IsZero())

	snap, err = ParseSnapshot([]byte(`{"github.com":"allow","https://x.test/secret":"deny"}`))
	require.NoError(t, err)
	assert.Len(t, snap.Rules, 2)
	assert.Nil(t, snap.Created)

	_, err = ParseSnapshot([]byte(`{"a.test": 3}`))
	assert.ErrorIs(t, err, ErrInvalidAction)
	_, err = ParseSnapshot([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidTarget)
}
