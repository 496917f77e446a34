// Package bytestore is the durable (service, hash) → record cache with TTL
// expiry, bulk upserts, release-key aggregation and a write path that's
// protected by a bounded queue and a circuit breaker. The store is an
// optional accelerant: infrastructural errors are logged, never propagated.
package bytestore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Record is a single cache row. The primary key is (Service, Hash).
type Record struct {
	Service    string          `json:"service"`
	Hash       string          `json:"hash"`
	FileName   string          `json:"fileName,omitempty"`
	SizeBytes  int64           `json:"sizeBytes,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	ReleaseKey string          `json:"releaseKey,omitempty"`
	Category   string          `json:"category,omitempty"`
	Resolution string          `json:"resolution,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	ExpiresAt  time.Time       `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// Counts aggregates the rows of a release.
type Counts struct {
	Total                int
	ByCategory           map[string]int
	ByCategoryResolution map[string]map[string]int
}

// Backend is the storage a Store writes through to.
// Implementations: Badger (default) and Redis.
type Backend interface {
	Put(rec Record) error
	PutBatch(recs []Record) error
	Get(service, hash string) (Record, bool, error)
	Delete(service, hash string) error
	DeleteByPrefix(service, hashPrefix string) (int, error)
	ByRelease(service, releaseKey string) ([]Record, error)
	PurgeExpired() (int, error)
	Close() error
}

type Options struct {
	// Max number of batch writes in flight
	UpsertConcurrency int
	// Max number of queued writes; overflow drops the oldest entry
	UpsertQueueMax int
	// Consecutive write failures before the breaker opens
	MaxConsecutiveFailures uint32
	// How long the breaker stays open before half-opening
	BreakerCooldown time.Duration
	// Interval of the expired-row sweeper
	SweepInterval time.Duration
	// TTL applied when the caller passes none
	DefaultTTL time.Duration
	// Max records per underlying batch write
	BatchSize int
}

var DefaultOptions = Options{
	UpsertConcurrency:      5,
	UpsertQueueMax:         200,
	MaxConsecutiveFailures: 5,
	BreakerCooldown:        30 * time.Second,
	SweepInterval:          10 * time.Minute,
	DefaultTTL:             7 * 24 * time.Hour,
	BatchSize:              100,
}

// Store wraps a Backend with TTL stamping, an async bounded write queue and
// a circuit breaker. Reads always go straight to the backend, so a degraded
// write path doesn't affect them.
type Store struct {
	backend Backend
	opts    Options
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger

	mu      sync.Mutex
	backlog [][]Record
	wake    chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	dropped int64
}

func NewStore(backend Backend, opts Options, logger *zap.Logger) *Store {
	if opts.UpsertConcurrency <= 0 {
		opts.UpsertConcurrency = DefaultOptions.UpsertConcurrency
	}
	if opts.UpsertQueueMax <= 0 {
		opts.UpsertQueueMax = DefaultOptions.UpsertQueueMax
	}
	if opts.MaxConsecutiveFailures == 0 {
		opts.MaxConsecutiveFailures = DefaultOptions.MaxConsecutiveFailures
	}
	if opts.BreakerCooldown == 0 {
		opts.BreakerCooldown = DefaultOptions.BreakerCooldown
	}
	if opts.DefaultTTL == 0 {
		opts.DefaultTTL = DefaultOptions.DefaultTTL
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions.BatchSize
	}

	s := &Store{
		backend: backend,
		opts:    opts,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bytestore-write",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Write circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	for i := 0; i < opts.UpsertConcurrency; i++ {
		s.wg.Add(1)
		go s.writeWorker()
	}
	return s
}

// Upsert enqueues a single record write. Returns false if the write was
// rejected immediately (store closed); queued writes can still be dropped
// later by the breaker or by backlog overflow.
func (s *Store) Upsert(rec Record, ttl time.Duration) bool {
	return s.UpsertBulk([]Record{rec}, ttl)
}

// UpsertBulk enqueues a batch write. Duplicate (service, hash) pairs within
// the batch are collapsed, last one wins.
func (s *Store) UpsertBulk(recs []Record, ttl time.Duration) bool {
	if len(recs) == 0 {
		return false
	}
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	now := time.Now()

	// Dedupe by key within the batch, keeping the order of first occurrence
	// but the data of the last one.
	index := make(map[string]int, len(recs))
	deduped := make([]Record, 0, len(recs))
	for _, rec := range recs {
		rec.UpdatedAt = now
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if rec.ExpiresAt.IsZero() {
			rec.ExpiresAt = now.Add(ttl)
		}
		key := rec.Service + "\x00" + rec.Hash
		if i, ok := index[key]; ok {
			deduped[i] = rec
			continue
		}
		index[key] = len(deduped)
		deduped = append(deduped, rec)
	}

	select {
	case <-s.done:
		return false
	default:
	}

	s.mu.Lock()
	for start := 0; start < len(deduped); start += s.opts.BatchSize {
		end := start + s.opts.BatchSize
		if end > len(deduped) {
			end = len(deduped)
		}
		s.backlog = append(s.backlog, deduped[start:end])
	}
	// Enforce the cap after appending so the backlog never exceeds it, not
	// even transiently by the size of the incoming batch
	for len(s.backlog) > s.opts.UpsertQueueMax {
		s.backlog = s.backlog[1:]
		s.dropped++
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Store) writeWorker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		var batch []Record
		if len(s.backlog) > 0 {
			batch = s.backlog[0]
			s.backlog = s.backlog[1:]
		}
		remaining := len(s.backlog)
		s.mu.Unlock()

		if batch == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		_, err := s.breaker.Execute(func() (interface{}, error) {
			return nil, s.backend.PutBatch(batch)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			// Writes silently drop while the store is degraded
			s.logger.Debug("Dropping cache write, circuit breaker open", zap.Int("records", len(batch)))
		} else if err != nil {
			s.logger.Error("Couldn't write cache records", zap.Error(err), zap.Int("records", len(batch)))
		}

		if remaining > 0 {
			select {
			case s.wake <- struct{}{}:
			default:
			}
		}
	}
}

// Get returns the record for (service, hash), treating expired rows as
// absent. Errors are logged and reported as a miss.
func (s *Store) Get(ctx context.Context, service, hash string) (Record, bool) {
	rec, found, err := s.backend.Get(service, hash)
	if err != nil {
		s.logger.Error("Couldn't read cache record", zap.Error(err), zap.String("service", service), zap.String("hash", hash))
		return Record{}, false
	}
	if !found || rec.expired(time.Now()) {
		return Record{}, false
	}
	return rec, true
}

// GetMany returns the non-expired records for the given hashes, keyed by hash.
func (s *Store) GetMany(ctx context.Context, service string, hashes []string) map[string]Record {
	result := make(map[string]Record, len(hashes))
	now := time.Now()
	for _, hash := range hashes {
		rec, found, err := s.backend.Get(service, hash)
		if err != nil {
			s.logger.Error("Couldn't read cache record", zap.Error(err), zap.String("service", service), zap.String("hash", hash))
			continue
		}
		if found && !rec.expired(now) {
			result[hash] = rec
		}
	}
	return result
}

// Delete removes a row synchronously. Used for evicting stale entries, so it
// doesn't go through the async write queue.
func (s *Store) Delete(ctx context.Context, service, hash string) bool {
	if err := s.backend.Delete(service, hash); err != nil {
		s.logger.Error("Couldn't delete cache record", zap.Error(err), zap.String("service", service), zap.String("hash", hash))
		return false
	}
	return true
}

// DeleteByPrefix removes all rows of a service whose hash starts with the
// given prefix. Returns the number of deleted rows.
func (s *Store) DeleteByPrefix(ctx context.Context, service, hashPrefix string) int {
	n, err := s.backend.DeleteByPrefix(service, hashPrefix)
	if err != nil {
		s.logger.Error("Couldn't delete cache records by prefix", zap.Error(err), zap.String("service", service), zap.String("hashPrefix", hashPrefix))
		return 0
	}
	return n
}

// CountsByRelease aggregates the live rows of a release by category and
// category+resolution.
func (s *Store) CountsByRelease(ctx context.Context, service, releaseKey string) Counts {
	counts := Counts{
		ByCategory:           map[string]int{},
		ByCategoryResolution: map[string]map[string]int{},
	}
	recs, err := s.backend.ByRelease(service, releaseKey)
	if err != nil {
		s.logger.Error("Couldn't read release records", zap.Error(err), zap.String("service", service), zap.String("releaseKey", releaseKey))
		return counts
	}
	now := time.Now()
	for _, rec := range recs {
		if rec.expired(now) {
			continue
		}
		counts.Total++
		counts.ByCategory[rec.Category]++
		byRes, ok := counts.ByCategoryResolution[rec.Category]
		if !ok {
			byRes = map[string]int{}
			counts.ByCategoryResolution[rec.Category] = byRes
		}
		byRes[rec.Resolution]++
	}
	return counts
}

// PurgeExpired deletes expired rows. Also runs on a schedule, see StartSweeper.
func (s *Store) PurgeExpired(ctx context.Context) int {
	n, err := s.backend.PurgeExpired()
	if err != nil {
		s.logger.Error("Couldn't purge expired cache records", zap.Error(err))
		return 0
	}
	return n
}

// StartSweeper runs PurgeExpired on the configured interval until ctx is done.
func (s *Store) StartSweeper(ctx context.Context) {
	interval := s.opts.SweepInterval
	if interval <= 0 {
		interval = DefaultOptions.SweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := s.PurgeExpired(ctx)
				if n > 0 {
					s.logger.Debug("Swept expired cache records", zap.Int("count", n))
				}
			}
		}
	}()
}

// Dropped returns how many queued writes were dropped due to backlog overflow.
func (s *Store) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Flush blocks until the backlog is drained. Test helper.
func (s *Store) Flush() {
	for {
		s.mu.Lock()
		empty := len(s.backlog) == 0
		s.mu.Unlock()
		if empty {
			// Workers may still be mid-write, give them a beat
			time.Sleep(10 * time.Millisecond)
			s.mu.Lock()
			empty = len(s.backlog) == 0
			s.mu.Unlock()
			if empty {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close stops the workers and closes the backend.
func (s *Store) Close() error {
	close(s.done)
	s.wg.Wait()
	return s.backend.Close()
}
