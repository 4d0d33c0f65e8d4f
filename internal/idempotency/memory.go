package idempotency

import (
	"context"
	"sync"
	"time"
)

const memoryCleanupInterval = time.Minute

type memoryRecord struct {
	done      bool
	result    []byte
	expiresAt time.Time
}

// MemoryStore keeps reservations in process. It is used by tests and by the
// single-instance development setup.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
	ttl     time.Duration
	wait    time.Duration
	lease   time.Duration
	now     func() time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func NewMemoryStore(ttl, wait time.Duration, opts ...Option) *MemoryStore {
	o := buildOptions(ttl, opts)
	s := &MemoryStore{
		records:     make(map[string]*memoryRecord),
		ttl:         ttl,
		wait:        wait,
		lease:       o.lease,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(memoryCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.DeleteExpired(context.Background())
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) Reserve(ctx context.Context, key string) (Reservation, error) {
	return reserveOrWait(ctx, key, s.wait, func(context.Context) (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if rec, ok := s.records[key]; ok && s.now().Before(rec.expiresAt) {
			return false, nil
		}
		s.records[key] = &memoryRecord{expiresAt: s.now().Add(s.lease)}
		return true, nil
	}, func(context.Context) (recordState, []byte, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		rec, ok := s.records[key]
		if !ok || !s.now().Before(rec.expiresAt) {
			return stateMissing, nil, nil
		}
		if !rec.done {
			return statePending, nil, nil
		}
		return stateDone, append([]byte(nil), rec.result...), nil
	})
}

func (s *MemoryStore) Save(_ context.Context, key string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = &memoryRecord{
		done:      true,
		result:    append([]byte(nil), result...),
		expiresAt: s.now().Add(s.ttl),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

func (s *MemoryStore) DeleteExpired(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := s.now()
	for key, rec := range s.records {
		if !now.Before(rec.expiresAt) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}

// Close stops the background cleanup and waits for it to finish.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	s.wg.Wait()
	return nil
}
