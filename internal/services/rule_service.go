package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Wikid82/netgate/internal/logger"
	"github.com/Wikid82/netgate/internal/models"
	"github.com/Wikid82/netgate/internal/util"
)

var (
	// ErrCorruptRules means the rule file could not be parsed.
	ErrCorruptRules = errors.New("corrupt rule file")
	// ErrStorageWrite means a rule mutation could not be made durable; the
	// in-memory rule set is unchanged.
	ErrStorageWrite = errors.New("rule storage write failed")
	// ErrRuleNotFound is returned when removing an unknown target.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrInvalidTarget and ErrInvalidAction are re-exported so handlers only
	// need this package to classify errors.
	ErrInvalidTarget = models.ErrInvalidTarget
	ErrInvalidAction = models.ErrInvalidAction
)

// Rule change operations carried by rule_changed events.
const (
	RuleOpUpsert = "upsert"
	RuleOpRemove = "remove"
	RuleOpImport = "import"
	RuleOpClear  = "clear"
	RuleOpReload = "reload"
)

const watchDebounce = 100 * time.Millisecond

// RuleService owns the persisted target -> action rules. Reads are served
// from an in-memory map; every mutation is written to disk before it becomes
// visible.
type RuleService struct {
	path       string
	permissive bool
	notifier   *NotificationService

	mu    sync.RWMutex
	rules map[string]models.Rule

	// writeMu serializes mutations together with their file write.
	writeMu    sync.Mutex
	lastDigest [sha256.Size]byte

	// writeFile is swapped in tests to simulate storage failures.
	writeFile func(path string, data []byte) error

	hooks []func(RuleChange)
}

// NewRuleService loads the rule file at path. A missing file yields an empty
// store. A corrupt file is fatal unless permissive is set, in which case
// unreadable entries are discarded and an unparsable file is moved aside.
func NewRuleService(path string, permissive bool, notifier *NotificationService) (*RuleService, error) {
	s := &RuleService{
		path:       path,
		permissive: permissive,
		notifier:   notifier,
		rules:      make(map[string]models.Rule),
		writeFile:  writeFileAtomic,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the rule file location.
func (s *RuleService) Path() string { return s.path }

func (s *RuleService) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read rule file: %w", err)
	}

	rules, bad, err := decodeRules(data, time.Now().UTC())
	if err != nil {
		if !s.permissive {
			return fmt.Errorf("%w: %s: %v", ErrCorruptRules, s.path, err)
		}
		aside := fmt.Sprintf("%s.corrupt-%s", s.path, time.Now().UTC().Format("20060102T150405Z"))
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			return fmt.Errorf("%w: move corrupt rule file aside: %v", ErrCorruptRules, renameErr)
		}
		logger.Log().WithError(err).WithField("moved_to", aside).Warn("rule file unreadable; starting with an empty rule set")
		return nil
	}
	if len(bad) > 0 {
		if !s.permissive {
			return fmt.Errorf("%w: %s: %d invalid entries (first: %s)", ErrCorruptRules, s.path, len(bad), bad[0])
		}
		for _, b := range bad {
			logger.Log().WithField("entry", util.SanitizeForLog(b)).Warn("discarding invalid rule entry")
		}
	}

	s.rules = rules
	s.lastDigest = sha256.Sum256(data)
	return nil
}

// decodeRules parses either the current {"rules":{...},"created":{...}} file
// or the legacy bare {target: action} object. Entries that fail validation
// are returned in bad rather than failing the whole file.
func decodeRules(data []byte, now time.Time) (map[string]models.Rule, []string, error) {
	rules := make(map[string]models.Rule)
	if len(bytes.TrimSpace(data)) == 0 {
		return rules, nil, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, err
	}

	snap := models.RuleSnapshot{Rules: map[string]string{}}
	if body, ok := raw["rules"]; ok && isJSONObject(body) {
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, nil, err
		}
	} else {
		var bad []string
		for target, v := range raw {
			var action string
			if err := json.Unmarshal(v, &action); err != nil {
				bad = append(bad, fmt.Sprintf("%s: action is not a string", target))
				continue
			}
			snap.Rules[target] = action
		}
		rules, more := snapshotRules(snap, now)
		return rules, append(bad, more...), nil
	}

	rules, bad := snapshotRules(snap, now)
	return rules, bad, nil
}

// ParseSnapshot decodes an import body in either the rule file format or the
// legacy bare {target: action} object. Entries are validated by Import.
func ParseSnapshot(data []byte) (models.RuleSnapshot, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return models.RuleSnapshot{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if body, ok := raw["rules"]; ok && isJSONObject(body) {
		var snap models.RuleSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return models.RuleSnapshot{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
		}
		return snap, nil
	}
	snap := models.RuleSnapshot{Rules: make(map[string]string, len(raw))}
	for target, v := range raw {
		var action string
		if err := json.Unmarshal(v, &action); err != nil {
			return models.RuleSnapshot{}, fmt.Errorf("%w: %s: action is not a string", ErrInvalidAction, util.SanitizeForLog(target))
		}
		snap.Rules[target] = action
	}
	return snap, nil
}

func isJSONObject(b json.RawMessage) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}

// snapshotRules validates every entry of snap. Targets are visited in sorted
// order so that when two spellings normalize to the same target the result is
// deterministic.
func snapshotRules(snap models.RuleSnapshot, now time.Time) (map[string]models.Rule, []string) {
	rules := make(map[string]models.Rule, len(snap.Rules))
	var bad []string

	targets := make([]string, 0, len(snap.Rules))
	for t := range snap.Rules {
		targets = append(targets, t)
	}
	sort.Strings(targets)

	for _, raw := range targets {
		target, err := models.NormalizeTarget(raw)
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", raw, err))
			continue
		}
		action, err := models.ParseRuleAction(target, snap.Rules[raw])
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", raw, err))
			continue
		}
		if _, dup := rules[target]; dup {
			bad = append(bad, fmt.Sprintf("%s: duplicate of %s", raw, target))
			continue
		}
		created, ok := snap.Created[raw]
		if !ok || created.IsZero() {
			created = now
		}
		rules[target] = models.Rule{Target: target, Action: action, Persistent: true, CreatedAt: created.UTC()}
	}
	return rules, bad
}

func encodeRules(rules map[string]models.Rule) ([]byte, error) {
	snap := toSnapshot(rules)
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func toSnapshot(rules map[string]models.Rule) models.RuleSnapshot {
	snap := models.RuleSnapshot{
		Rules:   make(map[string]string, len(rules)),
		Created: make(map[string]time.Time, len(rules)),
	}
	for t, r := range rules {
		snap.Rules[t] = r.Action.String()
		snap.Created[t] = r.CreatedAt
	}
	return snap
}

// writeFileAtomic replaces path with data so that readers see either the old
// or the new content, and the new content survives a crash once it returns.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// commit writes next to disk and swaps it in. Callers hold writeMu.
func (s *RuleService) commit(next map[string]models.Rule) error {
	data, err := encodeRules(next)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrStorageWrite, err)
	}
	if err := s.writeFile(s.path, data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}
	s.mu.Lock()
	s.rules = next
	s.lastDigest = sha256.Sum256(data)
	s.mu.Unlock()
	return nil
}

// clone copies the committed rule set. Callers hold writeMu, so no other
// writer can swap the map underneath.
func (s *RuleService) clone() map[string]models.Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	next := make(map[string]models.Rule, len(s.rules)+1)
	for k, v := range s.rules {
		next[k] = v
	}
	return next
}

// OnChange registers fn to run after every committed mutation, including
// reloads of an externally edited file. Hooks run synchronously while the
// mutation still holds the write lock, so they must not mutate rules.
func (s *RuleService) OnChange(fn func(RuleChange)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *RuleService) publish(change RuleChange) {
	s.mu.RLock()
	hooks := s.hooks
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(change)
	}
	if s.notifier != nil {
		s.notifier.Publish(EventRuleChanged, change)
	}
}

// Lookup returns the rule stored for exactly target.
func (s *RuleService) Lookup(target string) (models.Rule, bool) {
	norm, err := models.NormalizeTarget(target)
	if err != nil {
		return models.Rule{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[norm]
	return r, ok
}

// Match finds the rule that governs a request: the exact URL rule first,
// then the host itself, then wildcard domains from most to least specific.
// urlTarget and host must already be normalized.
func (s *RuleService) Match(urlTarget, host string) (models.Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if urlTarget != "" {
		if r, ok := s.rules[urlTarget]; ok {
			return r, true
		}
	}
	for _, cand := range models.DomainCandidates(host) {
		if r, ok := s.rules[cand]; ok {
			return r, true
		}
	}
	return models.Rule{}, false
}

// Upsert stores action for target, replacing any existing rule. Storing an
// identical rule again succeeds without rewriting the file and keeps the
// original creation time.
func (s *RuleService) Upsert(target string, action models.Action) (models.Rule, error) {
	norm, err := models.NormalizeTarget(target)
	if err != nil {
		return models.Rule{}, err
	}
	if err := models.CheckRuleAction(norm, action); err != nil {
		return models.Rule{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.clone()
	if existing, ok := next[norm]; ok && existing.Action == action {
		return existing, nil
	}
	rule := models.Rule{Target: norm, Action: action, Persistent: true, CreatedAt: time.Now().UTC()}
	next[norm] = rule
	if err := s.commit(next); err != nil {
		return models.Rule{}, err
	}

	logger.Log().WithField("target", util.SanitizeForLog(norm)).WithField("action", action.String()).Info("rule stored")
	s.publish(RuleChange{Op: RuleOpUpsert, Target: norm, Rule: &rule})
	return rule, nil
}

// Remove deletes the rule for exactly target.
func (s *RuleService) Remove(target string) error {
	norm, err := models.NormalizeTarget(target)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.clone()
	if _, ok := next[norm]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, norm)
	}
	delete(next, norm)
	if err := s.commit(next); err != nil {
		return err
	}

	logger.Log().WithField("target", util.SanitizeForLog(norm)).Info("rule removed")
	s.publish(RuleChange{Op: RuleOpRemove, Target: norm})
	return nil
}

// Clear removes every stored rule.
func (s *RuleService) Clear() (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	n := len(s.rules)
	s.mu.RUnlock()
	if err := s.commit(make(map[string]models.Rule)); err != nil {
		return 0, err
	}

	logger.Log().WithField("count", n).Info("rules cleared")
	s.publish(RuleChange{Op: RuleOpClear, Count: n})
	return n, nil
}

// List returns every rule sorted by target.
func (s *RuleService) List() []models.Rule {
	s.mu.RLock()
	out := make([]models.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Count returns the number of stored rules.
func (s *RuleService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// Export returns a snapshot of the stored rules in rule file form.
func (s *RuleService) Export() models.RuleSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return toSnapshot(s.rules)
}

// Import merges snap into the store, overwriting conflicting targets. The
// snapshot is validated as a whole first; one bad entry rejects the import
// without changing anything.
func (s *RuleService) Import(snap models.RuleSnapshot) (int, error) {
	incoming, bad := snapshotRules(snap, time.Now().UTC())
	if len(bad) > 0 {
		return 0, fmt.Errorf("%w: %d invalid entries (first: %s)", ErrInvalidTarget, len(bad), bad[0])
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.clone()
	for t, r := range incoming {
		if existing, ok := next[t]; ok && existing.Action == r.Action {
			continue
		}
		next[t] = r
	}
	if err := s.commit(next); err != nil {
		return 0, err
	}

	logger.Log().WithField("count", len(incoming)).Info("rules imported")
	s.publish(RuleChange{Op: RuleOpImport, Count: len(incoming)})
	return len(incoming), nil
}

// Replace swaps the whole rule set for snap, as when restoring a backup.
func (s *RuleService) Replace(snap models.RuleSnapshot) (int, error) {
	incoming, bad := snapshotRules(snap, time.Now().UTC())
	if len(bad) > 0 {
		return 0, fmt.Errorf("%w: %d invalid entries (first: %s)", ErrInvalidTarget, len(bad), bad[0])
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.commit(incoming); err != nil {
		return 0, err
	}

	logger.Log().WithField("count", len(incoming)).Info("rules replaced")
	s.publish(RuleChange{Op: RuleOpImport, Count: len(incoming)})
	return len(incoming), nil
}

// Reload re-reads the rule file after an external edit. An unreadable or
// invalid file is logged and ignored so the previous rules stay in force.
func (s *RuleService) Reload() (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read rule file: %w", err)
	}
	digest := sha256.Sum256(data)
	s.mu.RLock()
	same := digest == s.lastDigest
	s.mu.RUnlock()
	if same {
		return false, nil
	}

	rules, bad, err := decodeRules(data, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorruptRules, err)
	}
	if len(bad) > 0 {
		return false, fmt.Errorf("%w: %d invalid entries (first: %s)", ErrCorruptRules, len(bad), bad[0])
	}

	s.mu.Lock()
	s.rules = rules
	s.lastDigest = digest
	s.mu.Unlock()

	logger.Log().WithField("count", len(rules)).Info("rule file reloaded")
	s.publish(RuleChange{Op: RuleOpReload, Count: len(rules)})
	return true, nil
}

// Watch reloads the rule file whenever it changes on disk until ctx is done.
func (s *RuleService) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(s.path), err)
	}
	target := filepath.Clean(s.path)

	var debounce *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if _, err := s.Reload(); err != nil {
				logger.Log().WithError(err).Warn("ignoring invalid rule file edit")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			logger.Log().WithError(err).Warn("rule file watcher error")
		}
	}
}
