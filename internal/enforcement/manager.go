package enforcement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"regexp"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/Wikid82/netgate/internal/config"
	"github.com/Wikid82/netgate/internal/logger"
	"github.com/Wikid82/netgate/internal/metrics"
	"github.com/Wikid82/netgate/internal/models"
	"github.com/Wikid82/netgate/internal/util"
)

var workloadPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Manager installs and removes per-workload packet-filter chains so a
// workload can only reach the proxy and DNS.
type Manager struct {
	cfg      config.EnforcementConfig
	db       *gorm.DB
	ipt      iptables
	resolver Resolver
	owner    string

	goos     string
	lookPath func(string) (string, error)

	mu     sync.Mutex
	mode   string
	reason string
	cron   *cron.Cron
}

// NewManager returns a manager in advisory mode; Start probes the host.
// resolver may be nil, in which case only IP literals are accepted.
func NewManager(cfg config.EnforcementConfig, db *gorm.DB, runner Runner, resolver Resolver) *Manager {
	return &Manager{
		cfg:      cfg,
		db:       db,
		ipt:      iptables{run: runner},
		resolver: resolver,
		owner:    ulid.Make().String(),
		goos:     runtime.GOOS,
		lookPath: exec.LookPath,
		mode:     ModeAdvisory,
		reason:   "not started",
	}
}

// Start probes the host, cleans up after previous processes and schedules
// periodic reconciliation. Only a bad schedule is an error; every other
// problem leaves the manager in advisory mode.
func (m *Manager) Start(ctx context.Context) error {
	if !m.probe(ctx) {
		return nil
	}
	if _, err := m.Reconcile(ctx); err != nil {
		logger.Log().WithError(err).Warn("initial enforcement reconcile failed")
	}
	if m.cfg.ReconcileSchedule == "" {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(m.cfg.ReconcileSchedule, func() {
		if _, err := m.Reconcile(context.Background()); err != nil {
			logger.Log().WithError(err).Warn("scheduled enforcement reconcile failed")
		}
	}); err != nil {
		return fmt.Errorf("%w: enforcement.reconcile_schedule: %v", config.ErrConfig, err)
	}
	c.Start()
	m.mu.Lock()
	m.cron = c
	m.mu.Unlock()
	return nil
}

// Stop halts reconciliation and removes every session this process applied.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}

	sessions, err := m.activeSessions()
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range sessions {
		if s.Owner != m.owner {
			continue
		}
		if err := m.Teardown(ctx, s.Workload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) probe(ctx context.Context) bool {
	mode, reason := ModeEnforced, ""
	switch {
	case !m.cfg.Enabled:
		reason = "disabled by configuration"
	case m.goos != "linux":
		reason = "packet filtering requires linux, running on " + m.goos
	default:
		if _, err := m.lookPath(m.cfg.IPTablesPath); err != nil {
			reason = "iptables binary not found: " + err.Error()
		} else if _, err := m.ipt.run.Run(ctx, "-S", m.cfg.ParentChain); err != nil {
			reason = "iptables probe failed: " + err.Error()
		}
	}
	if reason != "" {
		mode = ModeAdvisory
	}

	m.mu.Lock()
	m.mode, m.reason = mode, reason
	m.mu.Unlock()

	if mode == ModeAdvisory && m.cfg.Enabled {
		logger.Log().WithField("reason", reason).Warn("enforcement unavailable; running in advisory mode")
	} else if mode == ModeEnforced {
		logger.Log().WithField("parent_chain", m.cfg.ParentChain).Info("enforcement bridge active")
	}
	return mode == ModeEnforced
}

// Status reports the mode and the active sessions.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{Mode: m.mode, Reason: m.reason}
	m.mu.Unlock()

	sessions, err := m.activeSessions()
	if err != nil {
		logger.Log().WithError(err).Warn("failed to list enforcement sessions")
	}
	if sessions == nil {
		sessions = []models.EnforcementSession{}
	}
	st.Sessions = sessions
	return st
}

// Enforced reports whether rules are actually being installed.
func (m *Manager) Enforced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode == ModeEnforced
}

// Apply confines workload to the proxy and DNS. Applying an already confined
// workload re-checks its rules; a changed address replaces them.
func (m *Manager) Apply(ctx context.Context, workload string) (models.EnforcementSession, error) {
	if !m.Enforced() {
		return models.EnforcementSession{}, ErrEnforcementUnavailable
	}
	ip, err := m.resolve(ctx, workload)
	if err != nil {
		return models.EnforcementSession{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, found, err := m.findActive(workload)
	if err != nil {
		return models.EnforcementSession{}, err
	}
	if found && existing.IP != ip {
		if err := m.closeSession(ctx, existing); err != nil {
			return models.EnforcementSession{}, err
		}
		found = false
	}

	rs := buildRuleSet(m.cfg.ParentChain, chainFor(workload), ip, m.cfg.ProxyAddr, m.cfg.ProxyPort, m.cfg.DNSPort)
	if found {
		// The session stays active on failure: whatever part of its rules
		// is in place still confines the workload.
		if err := m.ipt.repair(ctx, rs); err != nil {
			return existing, fmt.Errorf("re-check rules for %s: %w", workload, err)
		}
		return existing, nil
	}
	if err := m.ipt.install(ctx, rs); err != nil {
		if rmErr := m.ipt.remove(ctx, rs); rmErr != nil {
			logger.Log().WithError(rmErr).WithField("chain", rs.Chain).Warn("failed to roll back partial enforcement rules")
		}
		return models.EnforcementSession{}, fmt.Errorf("install rules for %s: %w", workload, err)
	}

	encoded, err := json.Marshal(rs)
	if err != nil {
		return models.EnforcementSession{}, err
	}
	session := models.EnforcementSession{
		UUID:      uuid.NewString(),
		Workload:  workload,
		Owner:     m.owner,
		IP:        ip,
		Chain:     rs.Chain,
		ProxyPort: m.cfg.ProxyPort,
		DNSPort:   m.cfg.DNSPort,
		Rules:     string(encoded),
		Status:    models.SessionActive,
		AppliedAt: time.Now().UTC(),
	}
	if err := m.db.Create(&session).Error; err != nil {
		if rmErr := m.ipt.remove(ctx, rs); rmErr != nil {
			logger.Log().WithError(rmErr).WithField("chain", rs.Chain).Warn("failed to roll back unrecorded enforcement rules")
		}
		return models.EnforcementSession{}, fmt.Errorf("record enforcement session: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"workload": util.SanitizeForLog(workload),
		"ip":       ip,
		"chain":    rs.Chain,
	}).Info("enforcement applied")
	m.updateGauge()
	return session, nil
}

// Teardown removes exactly the rules recorded for workload. It is a no-op
// when the workload has no active session.
func (m *Manager) Teardown(ctx context.Context, workload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, found, err := m.findActive(workload)
	if err != nil || !found {
		return err
	}
	if err := m.closeSession(ctx, s); err != nil {
		return err
	}
	logger.Log().WithField("workload", util.SanitizeForLog(workload)).Info("enforcement removed")
	m.updateGauge()
	return nil
}

// Reconcile closes sessions left active by earlier processes and deletes
// prefixed chains no active session accounts for. It returns how many
// sessions and chains it cleaned up.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	if !m.Enforced() {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, err := m.activeSessions()
	if err != nil {
		return 0, err
	}

	cleaned := 0
	known := make(map[string]bool)
	var errs []error
	for _, s := range sessions {
		if s.Owner == m.owner {
			known[s.Chain] = true
			continue
		}
		if err := m.db.Model(&models.EnforcementSession{}).Where("id = ?", s.ID).Update("status", models.SessionOrphaned).Error; err != nil {
			errs = append(errs, err)
			continue
		}
		s.Status = models.SessionOrphaned
		if err := m.closeSession(ctx, s); err != nil {
			errs = append(errs, err)
			continue
		}
		logger.WithFields(logrus.Fields{"workload": s.Workload, "chain": s.Chain}).Info("removed orphaned enforcement session")
		cleaned++
	}

	chains, err := m.ipt.ownedChains(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, chain := range chains {
		if known[chain] {
			continue
		}
		if err := m.removeStray(ctx, chain); err != nil {
			errs = append(errs, err)
			continue
		}
		logger.Log().WithField("chain", chain).Info("removed stray enforcement chain")
		cleaned++
	}

	m.updateGauge()
	return cleaned, errors.Join(errs...)
}

func (m *Manager) removeStray(ctx context.Context, chain string) error {
	jumps, err := m.ipt.jumpsTo(ctx, m.cfg.ParentChain, chain)
	if err != nil {
		return err
	}
	for _, j := range jumps {
		if err := m.ipt.deleteRule(ctx, j); err != nil {
			return err
		}
	}
	return m.ipt.deleteChain(ctx, chain)
}

// closeSession removes the session's rules and marks it closed. Callers
// hold m.mu.
func (m *Manager) closeSession(ctx context.Context, s models.EnforcementSession) error {
	var rs ruleSet
	if err := json.Unmarshal([]byte(s.Rules), &rs); err != nil {
		return fmt.Errorf("decode rules of session %s: %w", s.UUID, err)
	}
	if err := m.ipt.remove(ctx, rs); err != nil {
		return fmt.Errorf("remove rules for %s: %w", s.Workload, err)
	}
	now := time.Now().UTC()
	return m.db.Model(&models.EnforcementSession{}).Where("id = ?", s.ID).
		Updates(map[string]interface{}{"status": models.SessionClosed, "closed_at": now}).Error
}

func (m *Manager) resolve(ctx context.Context, workload string) (string, error) {
	if !workloadPattern.MatchString(workload) {
		return "", fmt.Errorf("%w: %q", ErrInvalidWorkload, util.SanitizeForLog(workload))
	}
	if ip := net.ParseIP(workload); ip != nil {
		if ip.To4() == nil {
			return "", fmt.Errorf("%w: only IPv4 workloads are supported", ErrInvalidWorkload)
		}
		return ip.String(), nil
	}
	if m.resolver == nil {
		return "", fmt.Errorf("%w: %q is not an IP address and container lookup is disabled", ErrInvalidWorkload, workload)
	}
	return m.resolver.ResolveIP(ctx, workload)
}

func (m *Manager) findActive(workload string) (models.EnforcementSession, bool, error) {
	var s models.EnforcementSession
	err := m.db.Where("workload = ? AND status = ?", workload, models.SessionActive).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s, false, nil
	}
	return s, err == nil, err
}

func (m *Manager) activeSessions() ([]models.EnforcementSession, error) {
	var sessions []models.EnforcementSession
	err := m.db.Where("status = ?", models.SessionActive).Order("applied_at asc").Find(&sessions).Error
	return sessions, err
}

func (m *Manager) updateGauge() {
	var n int64
	if err := m.db.Model(&models.EnforcementSession{}).Where("status = ?", models.SessionActive).Count(&n).Error; err == nil {
		metrics.SetEnforcementSessions(int(n))
	}
}
