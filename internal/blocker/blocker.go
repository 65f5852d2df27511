// Package blocker owns the authoritative state of which source IPs are
// blocked, for how long, and why.
package blocker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"authguard/internal/config"
)

// Severity ranks how aggressively a block escalates.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// BlockStatus is the outcome of a block request.
type BlockStatus string

const (
	StatusBlocked     BlockStatus = "blocked"
	StatusExtended    BlockStatus = "extended"
	StatusWhitelisted BlockStatus = "skipped_whitelisted"
)

// ErrNotBlocked is returned by Unblock for an IP with no active record.
var ErrNotBlocked = errors.New("blocker: ip is not blocked")

// BlockRecord is the authoritative state for one blocked IP. Version
// increments on every mutation so the sweeper can detect a concurrent
// re-block and leave the fresher record alone.
type BlockRecord struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"` // originating detector
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Active    bool      `json:"active"`
	Enforced  bool      `json:"enforced"`
	Version   uint64    `json:"version"`
}

// Expired reports whether the record's expiry has passed at now.
func (r *BlockRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Outcome reports what a block request did.
type Outcome struct {
	Status   BlockStatus  `json:"status"`
	Record   *BlockRecord `json:"record,omitempty"`
	Enforced bool         `json:"enforced"`
}

// Enforcer is the enforcement port. Both calls must be idempotent;
// failures are reported, never masked.
type Enforcer interface {
	Apply(ctx context.Context, ip string) error
	Revoke(ctx context.Context, ip string) error
}

// RecordStore persists block records so blocks survive a restart. May be
// nil for in-memory-only operation.
type RecordStore interface {
	Save(ctx context.Context, record *BlockRecord) error
	LoadActive(ctx context.Context) ([]*BlockRecord, error)
}

// Archiver receives records retired by the sweeper. Optional.
type Archiver interface {
	Archive(ctx context.Context, record *BlockRecord) error
}

// Blocker implements the block state machine:
// unblocked -> blocked -> expired/unblocked.
type Blocker struct {
	cfg       config.BlockerConfig
	whitelist *Whitelist
	enforcer  Enforcer
	store     RecordStore // optional
	archiver  Archiver    // optional

	shards []*blockShard

	wg   sync.WaitGroup
	done chan struct{}

	blocked     uint64
	extended    uint64
	refused     uint64
	expired     uint64
	enforceErrs uint64
}

type blockShard struct {
	mu      sync.Mutex
	records map[string]*BlockRecord
}

// New creates a blocker. enforcer is required; store and archiver may be
// nil.
func New(cfg config.BlockerConfig, enforcer Enforcer, store RecordStore, archiver Archiver) *Blocker {
	b := &Blocker{
		cfg:       cfg,
		whitelist: NewWhitelist(cfg.Whitelist),
		enforcer:  enforcer,
		store:     store,
		archiver:  archiver,
		shards:    make([]*blockShard, 16),
		done:      make(chan struct{}),
	}
	for i := range b.shards {
		b.shards[i] = &blockShard{records: make(map[string]*BlockRecord)}
	}
	return b
}

func (b *Blocker) shard(ip string) *blockShard {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return b.shards[int(h.Sum32())%len(b.shards)]
}

// Whitelist exposes the whitelist for runtime management.
func (b *Blocker) Whitelist() *Whitelist {
	return b.whitelist
}

// duration maps severity to block duration via the configured table.
func (b *Blocker) duration(severity Severity) time.Duration {
	switch severity {
	case SeverityCritical:
		return b.cfg.DurationCritical
	case SeverityHigh:
		return b.cfg.DurationHigh
	case SeverityMedium:
		return b.cfg.DurationMedium
	default:
		return b.cfg.DurationLow
	}
}

// Restore loads persisted active records, re-applying enforcement for
// those still unexpired. Called once at startup.
func (b *Blocker) Restore(ctx context.Context) error {
	if b.store == nil {
		return nil
	}
	records, err := b.store.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("loading block records: %w", err)
	}

	now := time.Now()
	restored := 0
	for _, rec := range records {
		if rec.Expired(now) || b.whitelist.Contains(rec.IP) {
			continue
		}
		if err := b.enforcer.Apply(ctx, rec.IP); err != nil {
			slog.Warn("failed to re-apply block on restore", "ip", rec.IP, "error", err)
			rec.Enforced = false
		} else {
			rec.Enforced = true
		}
		sh := b.shard(rec.IP)
		sh.mu.Lock()
		sh.records[rec.IP] = rec
		sh.mu.Unlock()
		restored++
	}

	slog.Info("block state restored", "active", restored, "persisted", len(records))
	return nil
}

// RequestBlock blocks ip for a severity-derived duration. Whitelisted
// IPs are refused. An already-active block keeps the longer of its
// remaining time and the newly computed duration. The outcome reports
// enforcement separately from record state: a failed enforcement still
// records the block but is not reported as protecting.
func (b *Blocker) RequestBlock(ctx context.Context, ip, reason, source string, severity Severity) Outcome {
	if b.whitelist.Contains(ip) {
		atomic.AddUint64(&b.refused, 1)
		slog.Info("block refused, ip whitelisted", "ip", ip, "reason", reason)
		return Outcome{Status: StatusWhitelisted}
	}

	now := time.Now()
	newExpiry := now.Add(b.duration(severity))

	sh := b.shard(ip)
	sh.mu.Lock()

	existing, ok := sh.records[ip]
	if ok && existing.Active && !existing.Expired(now) {
		// Take the longer of remaining time and the new duration.
		if newExpiry.After(existing.ExpiresAt) {
			existing.ExpiresAt = newExpiry
		}
		if sevRank(severity) > sevRank(existing.Severity) {
			existing.Severity = severity
			existing.Reason = reason
			existing.Source = source
		}
		existing.Version++
		rec := *existing
		sh.mu.Unlock()

		// A block whose original Apply failed is still worth protecting;
		// retry enforcement on every re-block until it sticks.
		if !rec.Enforced {
			if err := b.enforcer.Apply(ctx, ip); err != nil {
				atomic.AddUint64(&b.enforceErrs, 1)
				slog.Error("enforcement retry failed, block still not protecting", "ip", ip, "error", err)
			} else {
				b.markEnforced(ip, rec.Version)
				rec.Enforced = true
			}
		}

		atomic.AddUint64(&b.extended, 1)
		b.persist(ctx, &rec)
		slog.Info("block extended", "ip", ip, "expires_at", rec.ExpiresAt, "severity", rec.Severity)
		return Outcome{Status: StatusExtended, Record: &rec, Enforced: rec.Enforced}
	}

	record := &BlockRecord{
		IP:        ip,
		Reason:    reason,
		Source:    source,
		Severity:  severity,
		CreatedAt: now,
		ExpiresAt: newExpiry,
		Active:    true,
	}
	if ok {
		record.Version = existing.Version + 1
	}
	sh.records[ip] = record
	sh.mu.Unlock()

	enforced := true
	if err := b.enforcer.Apply(ctx, ip); err != nil {
		enforced = false
		atomic.AddUint64(&b.enforceErrs, 1)
		slog.Error("enforcement failed, block recorded but not protecting", "ip", ip, "error", err)
	}

	sh.mu.Lock()
	if current, ok := sh.records[ip]; ok && current.Version == record.Version {
		current.Enforced = enforced
	}
	rec := *record
	rec.Enforced = enforced
	sh.mu.Unlock()

	atomic.AddUint64(&b.blocked, 1)
	b.persist(ctx, &rec)
	slog.Info("ip blocked",
		"ip", ip,
		"reason", reason,
		"severity", severity,
		"duration", b.duration(severity),
		"enforced", enforced,
	)
	return Outcome{Status: StatusBlocked, Record: &rec, Enforced: enforced}
}

// Unblock releases ip immediately, regardless of remaining TTL.
func (b *Blocker) Unblock(ctx context.Context, ip string) error {
	sh := b.shard(ip)
	sh.mu.Lock()
	record, ok := sh.records[ip]
	if !ok || !record.Active {
		sh.mu.Unlock()
		return ErrNotBlocked
	}
	record.Active = false
	record.Version++
	rec := *record
	sh.mu.Unlock()

	if err := b.enforcer.Revoke(ctx, ip); err != nil {
		atomic.AddUint64(&b.enforceErrs, 1)
		return fmt.Errorf("revoking block for %s: %w", ip, err)
	}

	b.persist(ctx, &rec)
	slog.Info("ip unblocked", "ip", ip)
	return nil
}

// IsBlocked reports whether ip has an active, unexpired block. Expired
// records read as unblocked even before the sweeper retires them.
func (b *Blocker) IsBlocked(ip string) bool {
	sh := b.shard(ip)
	sh.mu.Lock()
	record, ok := sh.records[ip]
	sh.mu.Unlock()
	return ok && record.Active && !record.Expired(time.Now())
}

// ActiveCount returns the number of active, unexpired blocks.
func (b *Blocker) ActiveCount() int {
	now := time.Now()
	n := 0
	for _, sh := range b.shards {
		sh.mu.Lock()
		for _, record := range sh.records {
			if record.Active && !record.Expired(now) {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// ActiveRecords returns copies of all active, unexpired records.
func (b *Blocker) ActiveRecords() []*BlockRecord {
	now := time.Now()
	var out []*BlockRecord
	for _, sh := range b.shards {
		sh.mu.Lock()
		for _, record := range sh.records {
			if record.Active && !record.Expired(now) {
				rec := *record
				out = append(out, &rec)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// SweepExpired retires active records whose expiry has passed and revokes
// their enforcement, and retries enforcement for active records whose
// earlier Apply failed. Idempotent. The version check makes it safe
// against a concurrent RequestBlock on the same IP: a record re-blocked
// between the scan and the flip keeps its fresher state.
func (b *Blocker) SweepExpired(ctx context.Context) int {
	now := time.Now()
	type candidate struct {
		ip      string
		version uint64
	}

	var candidates, unenforced []candidate
	for _, sh := range b.shards {
		sh.mu.Lock()
		for ip, record := range sh.records {
			switch {
			case record.Active && record.Expired(now):
				candidates = append(candidates, candidate{ip: ip, version: record.Version})
			case record.Active && !record.Enforced:
				unenforced = append(unenforced, candidate{ip: ip, version: record.Version})
			}
		}
		sh.mu.Unlock()
	}

	swept := 0
	for _, c := range candidates {
		sh := b.shard(c.ip)
		sh.mu.Lock()
		record, ok := sh.records[c.ip]
		// Compare-and-swap on version: skip records touched since the scan.
		if !ok || !record.Active || record.Version != c.version {
			sh.mu.Unlock()
			continue
		}
		record.Active = false
		record.Version++
		rec := *record
		sh.mu.Unlock()

		if err := b.enforcer.Revoke(ctx, c.ip); err != nil {
			atomic.AddUint64(&b.enforceErrs, 1)
			slog.Warn("failed to revoke expired block", "ip", c.ip, "error", err)
		}

		b.persist(ctx, &rec)
		if b.archiver != nil {
			if err := b.archiver.Archive(ctx, &rec); err != nil {
				slog.Warn("failed to archive retired block", "ip", c.ip, "error", err)
			}
		}

		atomic.AddUint64(&b.expired, 1)
		swept++
		slog.Info("block expired", "ip", c.ip, "blocked_for", now.Sub(rec.CreatedAt).Round(time.Second))
	}

	for _, c := range unenforced {
		if err := b.enforcer.Apply(ctx, c.ip); err != nil {
			atomic.AddUint64(&b.enforceErrs, 1)
			slog.Warn("enforcement retry failed during sweep", "ip", c.ip, "error", err)
			continue
		}
		sh := b.shard(c.ip)
		sh.mu.Lock()
		record, ok := sh.records[c.ip]
		if !ok || !record.Active || record.Version != c.version {
			sh.mu.Unlock()
			continue
		}
		record.Enforced = true
		record.Version++
		rec := *record
		sh.mu.Unlock()

		b.persist(ctx, &rec)
		slog.Info("enforcement recovered", "ip", c.ip)
	}
	return swept
}

// markEnforced flips Enforced on the live record unless it has been
// touched since version was read.
func (b *Blocker) markEnforced(ip string, version uint64) {
	sh := b.shard(ip)
	sh.mu.Lock()
	if current, ok := sh.records[ip]; ok && current.Version == version {
		current.Enforced = true
	}
	sh.mu.Unlock()
}

// Start launches the periodic sweeper.
func (b *Blocker) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-b.done:
				return
			case <-ticker.C:
				b.SweepExpired(ctx)
			}
		}
	}()
	slog.Info("blocker started", "sweep_interval", b.cfg.SweepInterval, "whitelist", b.whitelist.Len())
}

// Stop stops the sweeper.
func (b *Blocker) Stop() {
	close(b.done)
	b.wg.Wait()
}

// persist writes the record through the store, logging failures. The
// in-memory view stays authoritative for this process.
func (b *Blocker) persist(ctx context.Context, record *BlockRecord) {
	if b.store == nil {
		return
	}
	if err := b.store.Save(ctx, record); err != nil {
		slog.Warn("failed to persist block record", "ip", record.IP, "error", err)
	}
}

// Metrics returns blocker counters.
func (b *Blocker) Metrics() Metrics {
	return Metrics{
		Blocked:         atomic.LoadUint64(&b.blocked),
		Extended:        atomic.LoadUint64(&b.extended),
		Refused:         atomic.LoadUint64(&b.refused),
		Expired:         atomic.LoadUint64(&b.expired),
		EnforcementErrs: atomic.LoadUint64(&b.enforceErrs),
		Active:          b.ActiveCount(),
	}
}

// Metrics holds blocker counters.
type Metrics struct {
	Blocked         uint64 `json:"blocked"`
	Extended        uint64 `json:"extended"`
	Refused         uint64 `json:"refused"`
	Expired         uint64 `json:"expired"`
	EnforcementErrs uint64 `json:"enforcement_failures"`
	Active          int    `json:"active"`
}

func sevRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
