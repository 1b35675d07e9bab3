package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	_ Store = (*MemStore)(nil)
)

// MemStore is an in-memory Store. Values are copied through msgpack so
// callers never share memory with the store.
type MemStore struct {
	mu sync.RWMutex

	outbox      map[bridge.Fingerprint][]byte
	withdrawals map[string][]byte
	utxos       map[bridge.OutPoint][]byte
	heights     map[string]int64
	headers     map[int64]Header
}

func NewMemStore() *MemStore {
	return &MemStore{
		outbox:      make(map[bridge.Fingerprint][]byte),
		withdrawals: make(map[string][]byte),
		utxos:       make(map[bridge.OutPoint][]byte),
		heights:     make(map[string]int64),
		headers:     make(map[int64]Header),
	}
}

func (m *MemStore) PutOutbox(_ context.Context, e *bridge.OutboxEntry) (bool, error) {
	d, err := msgpack.Marshal(e)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.outbox[e.Fingerprint]; ok {
		return false, nil
	}
	m.outbox[e.Fingerprint] = d

	return true, nil
}

func (m *MemStore) GetOutbox(_ context.Context, fp bridge.Fingerprint) (*bridge.OutboxEntry, error) {
	m.mu.RLock()
	d, ok := m.outbox[fp]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	e := &bridge.OutboxEntry{}
	return e, msgpack.Unmarshal(d, e)
}

func (m *MemStore) UpdateOutbox(_ context.Context, e *bridge.OutboxEntry) error {
	d, err := msgpack.Marshal(e)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.outbox[e.Fingerprint]; !ok {
		return ErrNotFound
	}
	m.outbox[e.Fingerprint] = d

	return nil
}

func (m *MemStore) ListOutbox(_ context.Context, status bridge.OutboxStatus) ([]*bridge.OutboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*bridge.OutboxEntry, 0, len(m.outbox))
	for _, d := range m.outbox {
		e := &bridge.OutboxEntry{}
		if err := msgpack.Unmarshal(d, e); err != nil {
			return nil, err
		}
		if status != 0 && e.Status != status {
			continue
		}
		list = append(list, e)
	}

	sort.Slice(list, func(i, j int) bool { return list[i].Less(list[j]) })

	return list, nil
}

func (m *MemStore) PutWithdrawal(_ context.Context, w *bridge.Withdrawal) error {
	d, err := msgpack.Marshal(w)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.withdrawals[w.Request.RequestID] = d

	return nil
}

func (m *MemStore) GetWithdrawal(_ context.Context, id string) (*bridge.Withdrawal, error) {
	m.mu.RLock()
	d, ok := m.withdrawals[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	w := &bridge.Withdrawal{}
	return w, msgpack.Unmarshal(d, w)
}

func (m *MemStore) ListWithdrawals(_ context.Context) ([]*bridge.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*bridge.Withdrawal, 0, len(m.withdrawals))
	for _, d := range m.withdrawals {
		w := &bridge.Withdrawal{}
		if err := msgpack.Unmarshal(d, w); err != nil {
			return nil, err
		}
		list = append(list, w)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].Request.RequestID < list[j].Request.RequestID
	})

	return list, nil
}

func (m *MemStore) PutUTXO(_ context.Context, u *bridge.UTXO) error {
	d, err := msgpack.Marshal(u)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.utxos[u.OutPoint] = d

	return nil
}

func (m *MemStore) DeleteUTXO(_ context.Context, op bridge.OutPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.utxos, op)

	return nil
}

func (m *MemStore) ListUTXOs(_ context.Context) ([]*bridge.UTXO, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]*bridge.UTXO, 0, len(m.utxos))
	for _, d := range m.utxos {
		u := &bridge.UTXO{}
		if err := msgpack.Unmarshal(d, u); err != nil {
			return nil, err
		}
		list = append(list, u)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].OutPoint.String() < list[j].OutPoint.String()
	})

	return list, nil
}

func (m *MemStore) SetLastHeight(_ context.Context, nodeID string, height int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.heights[nodeID] = height

	return nil
}

func (m *MemStore) LastHeight(_ context.Context, nodeID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.heights[nodeID], nil
}

func (m *MemStore) PutHeader(_ context.Context, h *Header) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.headers[h.Height] = *h

	return nil
}

func (m *MemStore) GetHeader(_ context.Context, height int64) (*Header, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.headers[height]
	if !ok {
		return nil, ErrNotFound
	}

	return &h, nil
}

func (m *MemStore) DeleteHeadersFrom(_ context.Context, height int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for h := range m.headers {
		if h >= height {
			delete(m.headers, h)
		}
	}

	return nil
}

func (m *MemStore) Close() error {
	return nil
}
