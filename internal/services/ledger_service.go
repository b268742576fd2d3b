package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/natefinch/lumberjack.v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Wikid82/netgate/internal/logger"
	"github.com/Wikid82/netgate/internal/metrics"
	"github.com/Wikid82/netgate/internal/models"
	"github.com/Wikid82/netgate/internal/util"
)

const (
	ledgerQueueSize  = 4096
	ledgerBatchSize  = 256
	ledgerFlushEvery = 500 * time.Millisecond
	// ledgerTailBytes bounds how much of the access log is read at startup to
	// prime the recent-requests window.
	ledgerTailBytes = 100 * 1024
	// ledgerMaxSizeMB is the access log segment size before rotation.
	ledgerMaxSizeMB = 100

	defaultQueryLimit = 50
	defaultTopDomains = 10
)

var errLedgerClosed = errors.New("access ledger closed")

// LedgerService is the append-only access ledger. Records land in an
// in-memory window immediately and are written to a rotated log file and the
// sqlite counters by a background worker.
type LedgerService struct {
	db  *gorm.DB
	out io.WriteCloser
	w   *bufio.Writer

	mu     sync.RWMutex
	window *recordRing

	closeMu sync.RWMutex
	closed  bool
	records chan models.RequestRecord
	flushes chan chan struct{}
	done    chan struct{}
}

// NewLedgerService opens the access log at logPath, primes the recent window
// from its tail and starts the writer.
func NewLedgerService(db *gorm.DB, logPath string, window int) (*LedgerService, error) {
	if window <= 0 {
		window = 1000
	}
	ring := newRecordRing(window)
	recent, err := readLogTail(logPath, ledgerTailBytes)
	if err != nil {
		return nil, fmt.Errorf("read access log: %w", err)
	}
	for _, rec := range recent {
		ring.push(rec)
	}

	out := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    ledgerMaxSizeMB,
		MaxBackups: 0, // keep every segment
		MaxAge:     0,
		Compress:   false,
	}
	return newLedger(db, out, ring), nil
}

func newLedger(db *gorm.DB, out io.WriteCloser, ring *recordRing) *LedgerService {
	s := &LedgerService{
		db:      db,
		out:     out,
		w:       bufio.NewWriter(out),
		window:  ring,
		records: make(chan models.RequestRecord, ledgerQueueSize),
		flushes: make(chan chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Append records an evaluated request. It never blocks: if the writer is
// saturated the record still reaches the recent window but is not written to
// disk.
func (s *LedgerService) Append(rec models.RequestRecord) models.RequestRecord {
	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	s.window.push(rec)
	s.mu.Unlock()

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return rec
	}
	select {
	case s.records <- rec:
	default:
		metrics.IncLedgerDropped()
		logger.Log().WithField("record_id", rec.ID).Warn("access ledger saturated; record not written to disk")
	}
	return rec
}

// Query returns up to limit records newer than since, newest first.
func (s *LedgerService) Query(limit int, since time.Time) []models.RequestRecord {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	s.mu.RLock()
	all := s.window.newestFirst()
	s.mu.RUnlock()

	out := make([]models.RequestRecord, 0, min(limit, len(all)))
	for _, rec := range all {
		if !since.IsZero() && !rec.Timestamp.After(since) {
			continue
		}
		out = append(out, rec)
		if len(out) == limit {
			break
		}
	}
	return out
}

// Stats flushes pending writes and reads the authoritative counters.
func (s *LedgerService) Stats(ctx context.Context, topN int) (models.Stats, error) {
	if topN <= 0 {
		topN = defaultTopDomains
	}
	if err := s.Flush(ctx); err != nil && !errors.Is(err, errLedgerClosed) {
		return models.Stats{}, err
	}

	var counters []models.DecisionCounter
	if err := s.db.WithContext(ctx).Find(&counters).Error; err != nil {
		return models.Stats{}, fmt.Errorf("read decision counters: %w", err)
	}
	stats := models.Stats{ByDomain: []models.DomainCount{}}
	for _, c := range counters {
		switch models.Direction(c.Decision) {
		case models.DirectionAllow:
			stats.Allowed = c.Total
		case models.DirectionDeny:
			stats.Denied = c.Total
		}
	}
	stats.Total = stats.Allowed + stats.Denied

	var domains []models.DomainCounter
	if err := s.db.WithContext(ctx).Order("total desc").Order("domain asc").Limit(topN).Find(&domains).Error; err != nil {
		return models.Stats{}, fmt.Errorf("read domain counters: %w", err)
	}
	for _, d := range domains {
		stats.ByDomain = append(stats.ByDomain, models.DomainCount{Domain: d.Domain, Total: d.Total, Allowed: d.Allowed, Denied: d.Denied})
	}
	return stats, nil
}

// Flush waits until every record appended so far is on disk.
func (s *LedgerService) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case s.flushes <- ack:
	case <-s.done:
		return errLedgerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued records, flushes them and closes the log file.
func (s *LedgerService) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.records)
	s.closeMu.Unlock()

	<-s.done
	return s.out.Close()
}

type counterBatch struct {
	n         int
	decisions map[models.Direction]int64
	domains   map[string]*models.DomainCounter
}

func newCounterBatch() *counterBatch {
	return &counterBatch{
		decisions: make(map[models.Direction]int64),
		domains:   make(map[string]*models.DomainCounter),
	}
}

func (b *counterBatch) add(rec models.RequestRecord) {
	b.n++
	b.decisions[rec.Decision.Direction]++
	dc, ok := b.domains[rec.Host]
	if !ok {
		dc = &models.DomainCounter{Domain: rec.Host}
		b.domains[rec.Host] = dc
	}
	dc.Total++
	if rec.Decision.Allowed() {
		dc.Allowed++
	} else {
		dc.Denied++
	}
}

func (s *LedgerService) run() {
	defer close(s.done)
	ticker := time.NewTicker(ledgerFlushEvery)
	defer ticker.Stop()

	batch := newCounterBatch()
	flush := func() {
		if err := s.w.Flush(); err != nil {
			logger.Log().WithError(err).Warn("failed to flush access log")
		}
		if batch.n == 0 {
			return
		}
		if err := s.saveCounters(batch); err != nil {
			logger.Log().WithError(err).WithField("records", batch.n).Error("failed to update access counters")
		}
		batch = newCounterBatch()
	}
	write := func(rec models.RequestRecord) {
		if _, err := s.w.WriteString(formatLedgerLine(rec)); err != nil {
			logger.Log().WithError(err).Warn("failed to write access log line")
		}
		batch.add(rec)
		if batch.n >= ledgerBatchSize {
			flush()
		}
	}

	for {
		select {
		case rec, ok := <-s.records:
			if !ok {
				flush()
				return
			}
			write(rec)
		case <-ticker.C:
			flush()
		case ack := <-s.flushes:
		drain:
			for {
				select {
				case rec, ok := <-s.records:
					if !ok {
						break drain
					}
					write(rec)
				default:
					break drain
				}
			}
			flush()
			close(ack)
		}
	}
}

func (s *LedgerService) saveCounters(b *counterBatch) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for dir, n := range b.decisions {
			row := models.DecisionCounter{Decision: string(dir), Total: n}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "decision"}},
				DoUpdates: clause.Assignments(map[string]interface{}{"total": gorm.Expr("total + ?", n)}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}
		for _, dc := range b.domains {
			row := *dc
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "domain"}},
				DoUpdates: clause.Assignments(map[string]interface{}{
					"total":   gorm.Expr("total + ?", dc.Total),
					"allowed": gorm.Expr("allowed + ?", dc.Allowed),
					"denied":  gorm.Expr("denied + ?", dc.Denied),
				}),
			}).Create(&row).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// formatLedgerLine renders one greppable access log line:
//
//	timestamp | DECISION | METHOD | host+path | source | reason | id
func formatLedgerLine(rec models.RequestRecord) string {
	reason := rec.Reason
	if reason == "" {
		reason = "-"
	}
	return fmt.Sprintf("%s | %-12s | %-6s | %s%s | %s | %s | %s\n",
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		strings.ToUpper(rec.Decision.String()),
		util.SanitizeLedgerField(rec.Method),
		util.SanitizeLedgerField(rec.Host),
		util.SanitizeLedgerField(rec.Path),
		rec.Source,
		util.SanitizeLedgerField(reason),
		rec.ID,
	)
}

// legacyTimeLayout is the timestamp format of access logs written before
// records carried a zone.
const legacyTimeLayout = "2006-01-02T15:04:05.999999"

// parseLedgerLine parses a line written by formatLedgerLine, or the shorter
// four-field form of older logs. Lines for undecided requests are skipped.
func parseLedgerLine(line string) (models.RequestRecord, bool) {
	parts := strings.Split(strings.TrimSpace(line), " | ")
	if len(parts) < 4 {
		return models.RequestRecord{}, false
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		ts, err = time.ParseInLocation(legacyTimeLayout, parts[0], time.Local)
		if err != nil {
			return models.RequestRecord{}, false
		}
	}

	decision, err := models.ParseAction(parts[1])
	if err != nil {
		switch strings.ToLower(parts[1]) {
		case "allow":
			decision = models.AllowOnce
		case "deny":
			decision = models.DenyOnce
		default:
			return models.RequestRecord{}, false
		}
	}

	host, path := parts[3], "/"
	if i := strings.Index(host, "/"); i >= 0 {
		host, path = host[:i], host[i:]
	}

	rec := models.RequestRecord{
		Timestamp: ts.UTC(),
		Method:    parts[2],
		Host:      host,
		Path:      path,
		Decision:  decision,
	}
	if len(parts) >= 7 {
		rec.Source = models.DecisionSource(parts[4])
		if parts[5] != "-" {
			rec.Reason = parts[5]
		}
		rec.ID = parts[6]
	}
	return rec, true
}

// readLogTail parses at most maxBytes from the end of the access log, oldest
// record first. A missing file yields nothing.
func readLogTail(path string, maxBytes int64) ([]models.RequestRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	offset := info.Size() - maxBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}

	var out []models.RequestRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	skipPartial := offset > 0
	for scanner.Scan() {
		if skipPartial {
			skipPartial = false
			continue
		}
		if rec, ok := parseLedgerLine(scanner.Text()); ok {
			out = append(out, rec)
		}
	}
	return out, scanner.Err()
}

// recordRing keeps the most recent records in a fixed-size buffer.
type recordRing struct {
	buf  []models.RequestRecord
	next int
	full bool
}

func newRecordRing(size int) *recordRing {
	return &recordRing{buf: make([]models.RequestRecord, size)}
}

func (r *recordRing) push(rec models.RequestRecord) {
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *recordRing) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *recordRing) newestFirst() []models.RequestRecord {
	n := r.len()
	out := make([]models.RequestRecord, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, r.buf[(r.next-i+len(r.buf))%len(r.buf)])
	}
	return out
}
