package services

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/containrrr/shoutrrr"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Wikid82/netgate/internal/logger"
	"github.com/Wikid82/netgate/internal/metrics"
	"github.com/Wikid82/netgate/internal/models"
	"github.com/Wikid82/netgate/internal/util"
)

// Event kinds broadcast to subscribers.
const (
	EventRequestReceived = "request_received"
	EventRequestResolved = "request_resolved"
	EventRuleChanged     = "rule_changed"
)

// DefaultSubscriberBuffer is how many events a subscriber may fall behind
// before it is dropped.
const DefaultSubscriberBuffer = 64

// Event is one broadcast notification.
type Event struct {
	Kind string      `json:"kind"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// RuleChange is the payload of a rule_changed event.
type RuleChange struct {
	Op     string       `json:"op"`
	Target string       `json:"target,omitempty"`
	Rule   *models.Rule `json:"rule,omitempty"`
	Count  int          `json:"count,omitempty"`
}

// ResolvedRequest is the payload of a request_resolved event.
type ResolvedRequest struct {
	ID       string          `json:"id"`
	URL      string          `json:"url"`
	Host     string          `json:"host"`
	Decision models.Decision `json:"decision"`
}

// Subscription receives events until it is unsubscribed or dropped. A closed
// channel means the subscriber fell behind and must reconcile from the
// list endpoints.
type Subscription struct {
	id uint64
	ch chan Event
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan Event { return s.ch }

// NotificationService fans events out to in-process subscribers and,
// optionally, to external shoutrrr destinations.
type NotificationService struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	bufSize int

	external *externalNotifier
}

// NewNotificationService creates a broadcaster whose subscribers each buffer
// up to bufSize events.
func NewNotificationService(bufSize int) *NotificationService {
	if bufSize <= 0 {
		bufSize = DefaultSubscriberBuffer
	}
	return &NotificationService{
		subs:    make(map[uint64]*Subscription),
		bufSize: bufSize,
	}
}

// Subscribe registers a new subscriber.
func (s *NotificationService) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	sub := &Subscription{id: s.nextID, ch: make(chan Event, s.bufSize)}
	s.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Calling it for
// a subscriber that was already dropped is a no-op.
func (s *NotificationService) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub.id]; ok {
		delete(s.subs, sub.id)
		close(sub.ch)
	}
}

// SubscriberCount returns the number of live subscribers.
func (s *NotificationService) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Publish delivers an event to every subscriber without blocking. A
// subscriber whose buffer is full is dropped.
func (s *NotificationService) Publish(kind string, data interface{}) {
	ev := Event{Kind: kind, Time: time.Now().UTC(), Data: data}

	s.mu.Lock()
	for id, sub := range s.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(s.subs, id)
			close(sub.ch)
			logger.Log().WithField("subscriber", id).Warn("event subscriber fell behind; dropped")
		}
	}
	ext := s.external
	s.mu.Unlock()

	if ext != nil && kind == EventRequestReceived {
		if entry, ok := data.(models.PendingEntry); ok {
			ext.notify(entry)
		}
	}
}

// EnableExternal forwards request_received events to the given shoutrrr URLs,
// at most once per interval on average.
func (s *NotificationService) EnableExternal(urls []string, every time.Duration) error {
	ext, err := newExternalNotifier(urls, every)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.external = ext
	s.mu.Unlock()
	return nil
}

// externalNotifier pushes pending-request alerts to chat and mail services.
type externalNotifier struct {
	urls    []string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	send    func(url, message string) error

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

// normalizeURL turns a Discord webhook URL into shoutrrr's discord:// form.
// Other URLs are passed through.
func normalizeURL(rawURL string) string {
	matches := discordWebhookRegex.FindStringSubmatch(rawURL)
	if len(matches) == 3 {
		return fmt.Sprintf("discord://%s@%s", matches[2], matches[1])
	}
	return rawURL
}

func newExternalNotifier(urls []string, every time.Duration) (*externalNotifier, error) {
	if every <= 0 {
		every = 10 * time.Second
	}
	n := &externalNotifier{
		limiter: rate.NewLimiter(rate.Every(every), 3),
		send:    shoutrrr.Send,
	}
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		u := normalizeURL(raw)
		if !strings.Contains(u, "://") {
			return nil, fmt.Errorf("invalid notification url %q", util.SanitizeForLog(raw))
		}
		n.urls = append(n.urls, u)
	}
	if len(n.urls) == 0 {
		return nil, errors.New("no notification urls configured")
	}
	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "netgate-notify",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return n, nil
}

func (n *externalNotifier) notify(entry models.PendingEntry) {
	if !n.limiter.Allow() {
		logger.Log().WithField("pending_id", entry.ID).Debug("external notification rate limited")
		return
	}
	msg := fmt.Sprintf("Netgate: pending request\n\n%s %s\nid: %s", entry.Method, entry.URL, entry.ID)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()
	go func() {
		defer n.wg.Done()
		_, err := n.breaker.Execute(func() (interface{}, error) {
			var errs []error
			for _, u := range n.urls {
				if err := n.send(u, msg); err != nil {
					errs = append(errs, err)
				}
			}
			return nil, errors.Join(errs...)
		})
		if err != nil {
			metrics.IncNotifyFailure()
			logger.Log().WithError(err).Warn("failed to send external notification")
		}
	}()
}

// close stops new sends and waits for in-flight ones.
func (n *externalNotifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()
}

// Close stops external notifications and blocks until in-flight ones
// finish. Local subscribers are unaffected.
func (s *NotificationService) Close() {
	s.mu.Lock()
	ext := s.external
	s.mu.Unlock()
	if ext != nil {
		ext.close()
	}
}
