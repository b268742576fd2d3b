package cerberus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Wikid82/netgate/internal/config"
	"github.com/Wikid82/netgate/internal/logger"
	"github.com/Wikid82/netgate/internal/metrics"
	"github.com/Wikid82/netgate/internal/models"
	"github.com/Wikid82/netgate/internal/services"
	"github.com/Wikid82/netgate/internal/util"
)

// Request is one outbound request handed over by the proxy engine. Path may
// carry a query string.
type Request struct {
	Method string `json:"method"`
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Path   string `json:"path"`
}

// Cerberus decides whether outbound requests may leave the workload. It
// consults the rule store, and on a miss holds the request in the pending
// queue until a human or an API client answers.
type Cerberus struct {
	cfg     config.Config
	rules   *services.RuleService
	pending *services.PendingService
	ledger  *services.LedgerService

	prompts chan models.PendingEntry
}

// New creates a new Cerberus instance. Rules committed through any path,
// including the API, imports, backup restores and file reloads, release the
// pending requests they cover.
func New(cfg config.Config, rules *services.RuleService, pending *services.PendingService, ledger *services.LedgerService) *Cerberus {
	c := &Cerberus{
		cfg:     cfg,
		rules:   rules,
		pending: pending,
		ledger:  ledger,
	}
	rules.OnChange(c.ruleChanged)
	return c
}

// Evaluate returns the verdict for req. It is safe for concurrent use and
// never fails: malformed input, timeouts and cancellation all resolve to the
// default deny.
func (c *Cerberus) Evaluate(ctx context.Context, req Request) (d models.Decision) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = "GET"
	}
	path := req.Path
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	rec := models.RequestRecord{Method: util.SanitizeForLog(method), Host: util.SanitizeForLog(req.Host), Path: util.SanitizeForLog(path)}

	defer func() {
		if r := recover(); r != nil {
			logger.Log().WithField("panic", fmt.Sprint(r)).Error("request evaluation panicked")
			d = services.DefaultDecision(models.ReasonMalformed)
		}
		d = c.record(rec, d)
	}()

	host, _, err := models.NormalizeHostPort(req.Host)
	if err != nil {
		logger.Log().WithField("host", util.SanitizeForLog(req.Host)).Warn("malformed request host; denying")
		return services.DefaultDecision(models.ReasonMalformed)
	}
	rec.Host = host
	urlTarget, err := models.URLTarget(req.Scheme, req.Host, path)
	if err != nil {
		logger.Log().WithField("host", util.SanitizeForLog(req.Host)).WithError(err).Warn("malformed request; denying")
		return services.DefaultDecision(models.ReasonMalformed)
	}

	if rule, ok := c.rules.Match(urlTarget, host); ok {
		return ruleDecision(rule)
	}

	if !c.cfg.DenyByDefault() {
		return models.Decision{Action: models.AllowOnce, Source: models.SourceDefault, Reason: models.ReasonDefaultAllow}
	}

	pr := services.PendingRequest{Method: method, Scheme: schemeOf(urlTarget), Host: host, Path: path, URL: urlTarget}
	if c.cfg.MissMode == config.MissModeQueue {
		return c.queue(pr)
	}
	return c.hold(ctx, pr)
}

// queue records the request for a later decision and denies it right away.
// Retries of a URL that is already queued do not add entries.
func (c *Cerberus) queue(pr services.PendingRequest) models.Decision {
	if _, ok := c.pending.FindByURL(pr.URL); ok {
		return services.DefaultDecision(models.ReasonQueued)
	}
	h, err := c.pending.Enqueue(pr)
	if err != nil {
		return enqueueFailure(err)
	}
	if c.settledByRule(h) {
		return <-h.Done()
	}
	c.offerPrompt(h.Entry)
	return services.DefaultDecision(models.ReasonQueued)
}

// hold blocks until the pending entry is resolved, times out, or ctx ends.
func (c *Cerberus) hold(ctx context.Context, pr services.PendingRequest) models.Decision {
	h, err := c.pending.Enqueue(pr)
	if err != nil {
		return enqueueFailure(err)
	}
	if !c.settledByRule(h) {
		c.offerPrompt(h.Entry)
	}

	select {
	case d := <-h.Done():
		return d
	case <-ctx.Done():
		if c.pending.Resolve(h.Entry.ID, services.DefaultDecision(models.ReasonCancelled)) {
			logger.Log().WithField("pending_id", h.Entry.ID).Info("request cancelled while pending")
		}
		// Whoever resolved the entry delivered exactly one decision.
		return <-h.Done()
	}
}

// settledByRule covers a rule committed between the lookup miss and the
// enqueue: the rule hook ran before the entry existed, so the entry is
// matched again here. It reports whether a decision is already on h.Done.
func (c *Cerberus) settledByRule(h *services.PendingHandle) bool {
	rule, ok := c.rules.Match(h.Entry.URL, h.Entry.Host)
	if !ok {
		return false
	}
	// A false Resolve means someone else decided first; their verdict is
	// on the channel either way.
	c.pending.Resolve(h.Entry.ID, ruleDecision(rule))
	return true
}

func ruleDecision(rule models.Rule) models.Decision {
	return models.Decision{Action: rule.Action, Source: models.SourceRule, RuleTarget: rule.Target}
}

func enqueueFailure(err error) models.Decision {
	switch {
	case errors.Is(err, services.ErrQueueFull):
		logger.Log().Warn("pending queue full; denying")
		return services.DefaultDecision(models.ReasonQueueFull)
	default:
		return services.DefaultDecision(models.ReasonAbandoned)
	}
}

func schemeOf(urlTarget string) string {
	scheme, _, _ := strings.Cut(urlTarget, "://")
	return scheme
}

func (c *Cerberus) record(rec models.RequestRecord, d models.Decision) models.Decision {
	rec.Decision = d.Action
	rec.Source = d.Source
	rec.Reason = d.Reason
	if c.ledger != nil {
		rec = c.ledger.Append(rec)
		d.RecordID = rec.ID
	}
	metrics.IncDecision(string(d.Action.Direction), string(d.Source))

	entry := logger.WithFields(logrus.Fields{
		"method":   rec.Method,
		"host":     rec.Host,
		"path":     rec.Path,
		"decision": d.Action.String(),
		"source":   d.Source,
	})
	if d.Reason != "" {
		entry = entry.WithField("reason", d.Reason)
	}
	entry.Debug("request evaluated")
	return d
}

// Resolve answers pending entry id. The entry is claimed first, so a
// concurrent resolve, its timeout or a cancellation cannot decide it while
// the rule is written. A url or domain scoped action then stores a rule; if
// that fails the entry goes back to the queue and the error is returned.
// Storing the rule also resolves every other pending entry it matches.
func (c *Cerberus) Resolve(id string, action models.Action) (models.Decision, error) {
	if !action.Valid() {
		return models.Decision{}, fmt.Errorf("%w: %s/%s", models.ErrInvalidAction, action.Direction, action.Scope)
	}
	claim, ok := c.pending.Claim(id)
	if !ok {
		return models.Decision{}, fmt.Errorf("%w: %s", services.ErrPendingNotFound, id)
	}
	entry := claim.Entry

	d := models.Decision{Action: action, Source: models.SourceInteractive}
	if action.Persistent() {
		target := entry.Host
		if action.Scope == models.ScopeURL {
			target = entry.URL
		}
		rule, err := c.rules.Upsert(target, action)
		if err != nil {
			c.pending.Release(claim)
			return models.Decision{}, err
		}
		d.RuleTarget = rule.Target
	}

	c.pending.Complete(claim, d)
	logger.WithFields(logrus.Fields{
		"pending_id": id,
		"url":        util.SanitizeForLog(entry.URL),
		"action":     action.String(),
	}).Info("pending request resolved")

	if action.Persistent() {
		// Upsert of an identical rule commits nothing and runs no hook.
		c.resolveMatching()
	}
	return d, nil
}

// ResolveTarget answers every pending entry for a host or URL in one call.
// Persistent actions store a rule on the host (domain scope) or URL (url
// scope) and report how many waiting entries that rule released; once
// actions resolve the entries for url, or for host when url is empty.
func (c *Cerberus) ResolveTarget(host, url string, action models.Action) (int, error) {
	if !action.Valid() {
		return 0, fmt.Errorf("%w: %s/%s", models.ErrInvalidAction, action.Direction, action.Scope)
	}

	if action.Persistent() {
		target := host
		if action.Scope == models.ScopeURL {
			target = url
		}
		waiting := c.pending.List()
		rule, err := c.rules.Upsert(target, action)
		if err != nil {
			return 0, err
		}
		c.resolveMatching()

		n := 0
		for _, e := range waiting {
			if _, still := c.pending.Get(e.ID); still {
				continue
			}
			if r, ok := c.rules.Match(e.URL, e.Host); ok && r.Target == rule.Target {
				n++
			}
		}
		return n, nil
	}

	var wantURL, wantHost string
	var err error
	if url != "" {
		if wantURL, err = models.NormalizeTarget(url); err != nil {
			return 0, err
		}
	} else if wantHost, _, err = models.NormalizeHostPort(host); err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrInvalidTarget, err)
	}
	d := models.Decision{Action: action, Source: models.SourceInteractive}
	return c.pending.ResolveWhere(func(e models.PendingEntry) (models.Decision, bool) {
		if wantURL != "" {
			return d, e.URL == wantURL
		}
		return d, e.Host == wantHost
	}), nil
}

// ruleChanged runs after every committed rule mutation.
func (c *Cerberus) ruleChanged(change services.RuleChange) {
	if change.Op == services.RuleOpRemove || change.Op == services.RuleOpClear {
		return
	}
	c.resolveMatching()
}

// resolveMatching resolves pending entries that a stored rule now covers.
func (c *Cerberus) resolveMatching() int {
	n := c.pending.ResolveWhere(func(e models.PendingEntry) (models.Decision, bool) {
		rule, ok := c.rules.Match(e.URL, e.Host)
		if !ok {
			return models.Decision{}, false
		}
		return ruleDecision(rule), true
	})
	if n > 0 {
		logger.Log().WithField("count", n).Info("pending requests resolved by new rule")
	}
	return n
}

// Shutdown releases every waiting request with the default deny.
func (c *Cerberus) Shutdown() {
	if n := c.pending.AbandonAll(); n > 0 {
		logger.Log().WithField("count", n).Info("abandoned pending requests on shutdown")
	}
}
