package services

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Wikid82/netgate/internal/metrics"
	"github.com/Wikid82/netgate/internal/models"
)

var (
	// ErrPendingNotFound is returned when resolving an unknown or already
	// resolved pending id.
	ErrPendingNotFound = errors.New("pending request not found")
	// ErrQueueFull is returned by Enqueue when max pending entries are waiting.
	ErrQueueFull = errors.New("pending queue full")
	// ErrQueueClosed is returned by Enqueue after AbandonAll.
	ErrQueueClosed = errors.New("pending queue closed")
)

// PendingRequest is a normalized request about to be held for a decision.
type PendingRequest struct {
	Method string
	Scheme string
	Host   string
	Path   string
	URL    string
}

// PendingHandle is the waiting side of a pending entry. Exactly one decision
// is ever delivered on Done.
type PendingHandle struct {
	Entry models.PendingEntry
	done  chan models.Decision
}

// Done delivers the decision once the entry is resolved.
func (h *PendingHandle) Done() <-chan models.Decision { return h.done }

type pendingItem struct {
	handle *PendingHandle
	timer  *time.Timer
	// fallback is the first verdict that arrived while the item was claimed.
	fallback *models.Decision
}

// PendingClaim is an entry taken out of the queue by Claim. It must be
// finished with Complete or Release.
type PendingClaim struct {
	Entry models.PendingEntry
	item  *pendingItem
}

// PendingService holds requests waiting for a human or programmatic
// decision. Each entry owns a timer that resolves it with the default action
// when nobody answers in time.
type PendingService struct {
	timeout  time.Duration
	max      int
	notifier *NotificationService

	mu      sync.Mutex
	entries map[string]*pendingItem
	claimed map[string]*pendingItem
	closed  bool
}

// NewPendingService creates a queue that holds at most max entries for up to
// timeout each.
func NewPendingService(timeout time.Duration, max int, notifier *NotificationService) *PendingService {
	return &PendingService{
		timeout:  timeout,
		max:      max,
		notifier: notifier,
		entries:  make(map[string]*pendingItem),
		claimed:  make(map[string]*pendingItem),
	}
}

// DefaultDecision is the verdict delivered when an entry is not answered by a
// human: deny, attributed to the system default.
func DefaultDecision(reason string) models.Decision {
	return models.Decision{Action: models.DenyOnce, Source: models.SourceDefault, Reason: reason}
}

// Enqueue creates a pending entry for req and starts its timeout.
func (s *PendingService) Enqueue(req PendingRequest) (*PendingHandle, error) {
	now := time.Now().UTC()
	entry := models.PendingEntry{
		ID:         ulid.Make().String(),
		Method:     req.Method,
		Scheme:     req.Scheme,
		Host:       req.Host,
		Path:       req.Path,
		URL:        req.URL,
		ReceivedAt: now,
		ExpiresAt:  now.Add(s.timeout),
	}
	h := &PendingHandle{Entry: entry, done: make(chan models.Decision, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if s.max > 0 && s.size() >= s.max {
		s.mu.Unlock()
		return nil, ErrQueueFull
	}
	item := &pendingItem{handle: h}
	s.entries[entry.ID] = item
	s.arm(item, s.timeout)
	n := s.size()
	s.mu.Unlock()

	metrics.SetPending(n)
	if s.notifier != nil {
		s.notifier.Publish(EventRequestReceived, entry)
	}
	return h, nil
}

// arm starts the item's timeout. Callers hold mu.
func (s *PendingService) arm(item *pendingItem, after time.Duration) {
	id := item.handle.Entry.ID
	item.timer = time.AfterFunc(after, func() {
		s.Resolve(id, DefaultDecision(models.ReasonTimeout))
	})
}

// size counts queued and claimed entries. Callers hold mu.
func (s *PendingService) size() int { return len(s.entries) + len(s.claimed) }

// Resolve delivers d to the entry's waiter and removes the entry. It returns
// false if the id is unknown, already resolved, or currently claimed. A
// claimed entry keeps d and receives it if the claim is released.
func (s *PendingService) Resolve(id string, d models.Decision) bool {
	s.mu.Lock()
	item, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
		item.timer.Stop()
	} else if c, claimed := s.claimed[id]; claimed && c.fallback == nil {
		c.fallback = &d
	}
	n := s.size()
	s.mu.Unlock()
	if !ok {
		return false
	}
	metrics.SetPending(n)
	s.deliver(item, d)
	return true
}

// ResolveWhere resolves every entry for which match returns a decision, and
// returns how many were resolved.
func (s *PendingService) ResolveWhere(match func(models.PendingEntry) (models.Decision, bool)) int {
	type resolved struct {
		item *pendingItem
		d    models.Decision
	}
	var out []resolved

	s.mu.Lock()
	for id, item := range s.entries {
		if d, ok := match(item.handle.Entry); ok {
			delete(s.entries, id)
			item.timer.Stop()
			out = append(out, resolved{item: item, d: d})
		}
	}
	n := s.size()
	s.mu.Unlock()

	if len(out) > 0 {
		metrics.SetPending(n)
	}
	for _, r := range out {
		s.deliver(r.item, r.d)
	}
	return len(out)
}

// Claim takes entry id out of the queue so that only the caller can decide
// it. The entry's timeout is suspended and Get, Resolve and ResolveWhere no
// longer see it until the claim is released.
func (s *PendingService) Claim(id string) (*PendingClaim, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	delete(s.entries, id)
	item.timer.Stop()
	s.claimed[id] = item
	return &PendingClaim{Entry: item.handle.Entry, item: item}, true
}

// Complete delivers d for a claimed entry. It returns false if the claim was
// already finished.
func (s *PendingService) Complete(c *PendingClaim, d models.Decision) bool {
	s.mu.Lock()
	if _, ok := s.claimed[c.Entry.ID]; !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.claimed, c.Entry.ID)
	n := s.size()
	s.mu.Unlock()

	metrics.SetPending(n)
	s.deliver(c.item, d)
	return true
}

// Release puts a claimed entry back in the queue with the time it had left.
// A timeout or cancellation that arrived during the claim, an expired
// deadline, or a closed queue resolve it instead.
func (s *PendingService) Release(c *PendingClaim) {
	s.mu.Lock()
	item, ok := s.claimed[c.Entry.ID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.claimed, c.Entry.ID)

	var d *models.Decision
	remaining := time.Until(item.handle.Entry.ExpiresAt)
	switch {
	case item.fallback != nil:
		d = item.fallback
	case s.closed:
		abandoned := DefaultDecision(models.ReasonAbandoned)
		d = &abandoned
	case remaining <= 0:
		expired := DefaultDecision(models.ReasonTimeout)
		d = &expired
	default:
		s.entries[c.Entry.ID] = item
		s.arm(item, remaining)
	}
	n := s.size()
	s.mu.Unlock()

	if d != nil {
		metrics.SetPending(n)
		s.deliver(item, *d)
	}
}

func (s *PendingService) deliver(item *pendingItem, d models.Decision) {
	entry := item.handle.Entry
	item.handle.done <- d
	metrics.ObservePendingWait(time.Since(entry.ReceivedAt).Seconds())
	if s.notifier != nil {
		s.notifier.Publish(EventRequestResolved, ResolvedRequest{ID: entry.ID, URL: entry.URL, Host: entry.Host, Decision: d})
	}
}

// Get returns the pending entry with id.
func (s *PendingService) Get(id string) (models.PendingEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.entries[id]
	if !ok {
		return models.PendingEntry{}, false
	}
	return item.handle.Entry, true
}

// FindByURL returns the oldest pending entry for an exact URL target.
func (s *PendingService) FindByURL(url string) (models.PendingEntry, bool) {
	for _, e := range s.List() {
		if e.URL == url {
			return e, true
		}
	}
	return models.PendingEntry{}, false
}

// List returns the pending entries, oldest first.
func (s *PendingService) List() []models.PendingEntry {
	s.mu.Lock()
	out := make([]models.PendingEntry, 0, len(s.entries))
	for _, item := range s.entries {
		out = append(out, item.handle.Entry)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of pending entries, claimed ones included.
func (s *PendingService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size()
}

// AbandonAll releases every waiter with the default deny and refuses new
// entries. It is called on shutdown.
func (s *PendingService) AbandonAll() int {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.ResolveWhere(func(models.PendingEntry) (models.Decision, bool) {
		return DefaultDecision(models.ReasonAbandoned), true
	})
}
