package ledger_repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reconciler/internal/domain"
)

// MemoryStore keeps the ledger in process memory. Units of work on the same
// order are serialized by a per-order mutex and their writes become visible
// only on commit.
type MemoryStore struct {
	locks keyedMutex

	mu           sync.RWMutex
	orders       map[string]*domain.Order
	transactions map[string]*domain.Transaction
	byOrder      map[string]string
	byIntent     map[string]string
	outbox       []*domain.OutboxMessage
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:        keyedMutex{held: make(map[string]*keyLock)},
		orders:       make(map[string]*domain.Order),
		transactions: make(map[string]*domain.Transaction),
		byOrder:      make(map[string]string),
		byIntent:     make(map[string]string),
		now:          time.Now,
	}
}

func intentKey(g domain.Gateway, id string) string {
	return string(g) + "/" + id
}

func copyOrder(o *domain.Order) *domain.Order {
	c := *o
	c.Items = append([]domain.LineItem(nil), o.Items...)
	return &c
}

func copyTransaction(t *domain.Transaction) *domain.Transaction {
	c := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func (s *MemoryStore) RunInTx(ctx context.Context, orderID string, fn func(ctx context.Context, tx Tx) error) error {
	unlock, err := s.locks.lock(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to lock order %s: %w", orderID, err)
	}
	defer unlock()

	tx := &memoryTx{
		store:        s,
		orders:       make(map[string]*domain.Order),
		newOrders:    make(map[string]bool),
		transactions: make(map[string]*domain.Transaction),
		newTxs:       make(map[string]bool),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range tx.newTxs {
		t := tx.transactions[id]
		if _, taken := s.byOrder[t.OrderID]; taken {
			return fmt.Errorf("%w: order %s already has a transaction", domain.ErrInvalidState, t.OrderID)
		}
		if _, taken := s.byIntent[intentKey(t.Gateway, t.RemoteIntentID)]; taken {
			return fmt.Errorf("%w: intent %s already attached", domain.ErrInvalidState, t.RemoteIntentID)
		}
	}
	for id := range tx.newOrders {
		if _, taken := s.orders[id]; taken {
			return fmt.Errorf("order %s already exists", id)
		}
	}

	for id, o := range tx.orders {
		s.orders[id] = o
	}
	for id, t := range tx.transactions {
		s.transactions[id] = t
		s.byOrder[t.OrderID] = id
		s.byIntent[intentKey(t.Gateway, t.RemoteIntentID)] = id
	}
	s.outbox = append(s.outbox, tx.outbox...)
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	return copyOrder(o), nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, id)
	}
	return copyTransaction(t), nil
}

func (s *MemoryStore) GetTransactionByOrder(ctx context.Context, orderID string) (*domain.Transaction, error) {
	s.mu.RLock()
	id, ok := s.byOrder[orderID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrTransactionNotFound, orderID)
	}
	return s.GetTransaction(ctx, id)
}

func (s *MemoryStore) FindTransactionByIntent(ctx context.Context, gateway domain.Gateway, remoteIntentID string) (*domain.Transaction, error) {
	s.mu.RLock()
	id, ok := s.byIntent[intentKey(gateway, remoteIntentID)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s intent %s", domain.ErrTransactionNotFound, gateway, remoteIntentID)
	}
	return s.GetTransaction(ctx, id)
}

func (s *MemoryStore) ListAbandonedOrders(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	var candidates []*domain.Order
	for _, o := range s.orders {
		if o.PaymentStatus != domain.PaymentStatusUnpaid || o.UnderReview() || !o.CreatedAt.Before(cutoff) {
			continue
		}
		if _, hasTx := s.byOrder[o.ID]; hasTx {
			continue
		}
		candidates = append(candidates, o)
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	ids := make([]string, 0, len(candidates))
	for i, o := range candidates {
		if i == limit {
			break
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (s *MemoryStore) ListStaleTransactions(_ context.Context, cutoff time.Time, limit int) ([]*domain.Transaction, error) {
	s.mu.RLock()
	var stale []*domain.Transaction
	for _, t := range s.transactions {
		if t.IsTerminal() || !t.UpdatedAt.Before(cutoff) {
			continue
		}
		o, ok := s.orders[t.OrderID]
		if !ok || o.PaymentStatus != domain.PaymentStatusUnpaid || o.UnderReview() {
			continue
		}
		stale = append(stale, copyTransaction(t))
	}
	s.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].UpdatedAt.Before(stale[j].UpdatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *MemoryStore) ProcessPending(ctx context.Context, limit, maxAttempts int, publish PublishFunc) (int, error) {
	s.mu.RLock()
	var batch []*domain.OutboxMessage
	for _, msg := range s.outbox {
		if msg.Status == domain.OutboxStatusPending {
			batch = append(batch, msg)
			if len(batch) == limit {
				break
			}
		}
	}
	s.mu.RUnlock()

	sent := 0
	for _, msg := range batch {
		err := publish(ctx, *msg)

		s.mu.Lock()
		msg.Attempts++
		if err == nil {
			at := s.now().UTC()
			msg.Status = domain.OutboxStatusSent
			msg.SentAt = &at
			sent++
		} else if msg.Attempts >= maxAttempts {
			msg.Status = domain.OutboxStatusFailed
		}
		s.mu.Unlock()
	}
	return sent, nil
}

// OutboxMessages returns a snapshot of every outbox message in insertion order.
func (s *MemoryStore) OutboxMessages() []domain.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.OutboxMessage, len(s.outbox))
	for i, msg := range s.outbox {
		out[i] = *msg
	}
	return out
}

type memoryTx struct {
	store        *MemoryStore
	orders       map[string]*domain.Order
	newOrders    map[string]bool
	transactions map[string]*domain.Transaction
	newTxs       map[string]bool
	outbox       []*domain.OutboxMessage
}

func (t *memoryTx) GetOrderForUpdate(ctx context.Context, orderID string) (*domain.Order, error) {
	if o, ok := t.orders[orderID]; ok {
		return copyOrder(o), nil
	}
	return t.store.GetOrder(ctx, orderID)
}

func (t *memoryTx) CreateOrder(_ context.Context, order *domain.Order) error {
	if _, ok := t.orders[order.ID]; ok {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	t.orders[order.ID] = copyOrder(order)
	t.newOrders[order.ID] = true
	return nil
}

func (t *memoryTx) UpdateOrder(ctx context.Context, order *domain.Order) error {
	if _, ok := t.orders[order.ID]; !ok {
		if _, err := t.store.GetOrder(ctx, order.ID); err != nil {
			return err
		}
	}
	t.orders[order.ID] = copyOrder(order)
	return nil
}

func (t *memoryTx) GetTransactionByOrder(ctx context.Context, orderID string) (*domain.Transaction, error) {
	for _, tr := range t.transactions {
		if tr.OrderID == orderID {
			return copyTransaction(tr), nil
		}
	}
	return t.store.GetTransactionByOrder(ctx, orderID)
}

func (t *memoryTx) CreateTransaction(ctx context.Context, tr *domain.Transaction) error {
	if _, err := t.GetTransactionByOrder(ctx, tr.OrderID); err == nil {
		return fmt.Errorf("%w: order %s already has a transaction", domain.ErrInvalidState, tr.OrderID)
	}
	t.transactions[tr.ID] = copyTransaction(tr)
	t.newTxs[tr.ID] = true
	return nil
}

func (t *memoryTx) UpdateTransaction(ctx context.Context, tr *domain.Transaction) error {
	if _, ok := t.transactions[tr.ID]; !ok {
		if _, err := t.store.GetTransaction(ctx, tr.ID); err != nil {
			return err
		}
	}
	t.transactions[tr.ID] = copyTransaction(tr)
	return nil
}

func (t *memoryTx) AddOutboxMessage(_ context.Context, msg *domain.OutboxMessage) error {
	c := *msg
	c.Payload = append([]byte(nil), msg.Payload...)
	t.outbox = append(t.outbox, &c)
	return nil
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// keyedMutex hands out one lock per key and forgets keys nobody holds.
type keyedMutex struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.held[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	release := func() {
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			release()
		}, nil
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}
}
