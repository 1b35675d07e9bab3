package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/storage"
)

var (
	_ storage.Store = (*PebbleStore)(nil)
)

const (
	cacheSize = 1 << 20 * 64

	tableSep byte = ':'
)

type keyType byte

const (
	outboxTPrefix keyType = iota + 1
	outboxIndexTPrefix
	withdrawalTPrefix
	utxoTPrefix
	lastHeightTPrefix
	headerTPrefix
)

// PebbleStore persists bridge state in a single pebble database. Writes
// that must survive a crash are synced.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	c := pebble.NewCache(cacheSize)
	defer c.Unref()

	db, err := pebble.Open(dir, &pebble.Options{Cache: c})
	if err != nil {
		return nil, errors.Wrap(err, "opening pebble store")
	}

	return &PebbleStore{db: db}, nil
}

// NewMemPebbleStore opens a pebble store backed by an in-memory filesystem.
func NewMemPebbleStore() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, errors.Wrap(err, "opening pebble store")
	}

	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}

func (s *PebbleStore) get(key []byte, v interface{}) error {
	d, done, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return storage.ErrNotFound
		}
		return err
	}
	defer done.Close()

	return msgpack.Unmarshal(d, v)
}

func (s *PebbleStore) set(key []byte, v interface{}) error {
	d, err := msgpack.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshalling value")
	}

	return s.db.Set(key, d, pebble.Sync)
}

func (s *PebbleStore) has(key []byte) (bool, error) {
	_, done, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	} else if err != nil {
		return false, err
	}

	return true, done.Close()
}

func (s *PebbleStore) scan(kType keyType, fn func(k, v []byte) error) error {
	iter := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{byte(kType)},
		UpperBound: []byte{byte(kType) + 1},
	})
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}

	return iter.Error()
}

func outboxKey(d *bridge.Deposit) []byte {
	return typedKey(outboxTPrefix,
		d.ScriptKey(),
		fmt.Sprintf("%016x", d.BlockHeight),
		fmt.Sprintf("%08x", d.TxIndex),
		fmt.Sprintf("%08x", d.Vout),
	)
}

func (s *PebbleStore) PutOutbox(ctx context.Context, e *bridge.OutboxEntry) (bool, error) {
	idx := typedKey(outboxIndexTPrefix, e.Fingerprint.String())

	exists, err := s.has(idx)
	if err != nil {
		return false, errors.Wrap(err, "checking outbox index")
	}
	if exists {
		return false, nil
	}

	d, err := msgpack.Marshal(e)
	if err != nil {
		return false, errors.Wrap(err, "marshalling outbox entry")
	}

	k := outboxKey(&e.Deposit)

	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Set(k, d, nil); err != nil {
		return false, err
	}
	if err := b.Set(idx, k, nil); err != nil {
		return false, err
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return false, errors.Wrap(err, "committing outbox entry")
	}

	return true, nil
}

func (s *PebbleStore) outboxKeyFor(fp bridge.Fingerprint) ([]byte, error) {
	k, done, err := s.db.Get(typedKey(outboxIndexTPrefix, fp.String()))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	defer done.Close()

	return append([]byte(nil), k...), nil
}

func (s *PebbleStore) GetOutbox(ctx context.Context, fp bridge.Fingerprint) (*bridge.OutboxEntry, error) {
	k, err := s.outboxKeyFor(fp)
	if err != nil {
		return nil, err
	}

	e := &bridge.OutboxEntry{}
	if err := s.get(k, e); err != nil {
		return nil, errors.Wrap(err, "reading outbox entry")
	}

	return e, nil
}

func (s *PebbleStore) UpdateOutbox(ctx context.Context, e *bridge.OutboxEntry) error {
	k, err := s.outboxKeyFor(e.Fingerprint)
	if err != nil {
		return err
	}

	return s.set(k, e)
}

func (s *PebbleStore) ListOutbox(ctx context.Context, status bridge.OutboxStatus) ([]*bridge.OutboxEntry, error) {
	list := []*bridge.OutboxEntry{}

	err := s.scan(outboxTPrefix, func(_, v []byte) error {
		e := &bridge.OutboxEntry{}
		if err := msgpack.Unmarshal(v, e); err != nil {
			return errors.Wrap(err, "unmarshalling outbox entry")
		}
		if status == 0 || e.Status == status {
			list = append(list, e)
		}
		return nil
	})

	sort.Slice(list, func(i, j int) bool { return list[i].Less(list[j]) })

	return list, err
}

func (s *PebbleStore) PutWithdrawal(ctx context.Context, w *bridge.Withdrawal) error {
	return s.set(typedKey(withdrawalTPrefix, w.Request.RequestID), w)
}

func (s *PebbleStore) GetWithdrawal(ctx context.Context, id string) (*bridge.Withdrawal, error) {
	w := &bridge.Withdrawal{}
	if err := s.get(typedKey(withdrawalTPrefix, id), w); err != nil {
		return nil, err
	}

	return w, nil
}

func (s *PebbleStore) ListWithdrawals(ctx context.Context) ([]*bridge.Withdrawal, error) {
	list := []*bridge.Withdrawal{}

	err := s.scan(withdrawalTPrefix, func(_, v []byte) error {
		w := &bridge.Withdrawal{}
		if err := msgpack.Unmarshal(v, w); err != nil {
			return errors.Wrap(err, "unmarshalling withdrawal")
		}
		list = append(list, w)
		return nil
	})

	return list, err
}

func (s *PebbleStore) PutUTXO(ctx context.Context, u *bridge.UTXO) error {
	return s.set(typedKey(utxoTPrefix, u.OutPoint.String()), u)
}

func (s *PebbleStore) DeleteUTXO(ctx context.Context, op bridge.OutPoint) error {
	return s.db.Delete(typedKey(utxoTPrefix, op.String()), pebble.Sync)
}

func (s *PebbleStore) ListUTXOs(ctx context.Context) ([]*bridge.UTXO, error) {
	list := []*bridge.UTXO{}

	err := s.scan(utxoTPrefix, func(_, v []byte) error {
		u := &bridge.UTXO{}
		if err := msgpack.Unmarshal(v, u); err != nil {
			return errors.Wrap(err, "unmarshalling utxo")
		}
		list = append(list, u)
		return nil
	})

	// keys are txid:vout as text, which misorders vout >= 10
	sort.Slice(list, func(i, j int) bool {
		return list[i].OutPoint.String() < list[j].OutPoint.String()
	})

	return list, err
}

func (s *PebbleStore) SetLastHeight(ctx context.Context, nodeID string, height int64) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, uint64(height))

	return s.db.Set(typedKey(lastHeightTPrefix, nodeID), v, pebble.Sync)
}

func (s *PebbleStore) LastHeight(ctx context.Context, nodeID string) (int64, error) {
	v, done, err := s.db.Get(typedKey(lastHeightTPrefix, nodeID))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, nil
		}
		return 0, errors.Wrap(err, "reading last height")
	}
	defer done.Close()

	if len(v) != 8 {
		return 0, errors.New("corrupt last height")
	}

	return int64(binary.BigEndian.Uint64(v)), nil
}

func headerKey(height int64) []byte {
	return typedKey(headerTPrefix, fmt.Sprintf("%016x", height))
}

func (s *PebbleStore) PutHeader(ctx context.Context, h *storage.Header) error {
	return s.set(headerKey(h.Height), h)
}

func (s *PebbleStore) GetHeader(ctx context.Context, height int64) (*storage.Header, error) {
	h := &storage.Header{}
	if err := s.get(headerKey(height), h); err != nil {
		return nil, err
	}

	return h, nil
}

func (s *PebbleStore) DeleteHeadersFrom(ctx context.Context, height int64) error {
	return s.db.DeleteRange(headerKey(height), []byte{byte(headerTPrefix) + 1}, pebble.Sync)
}

func typedKey(kType keyType, parts ...string) []byte {
	n := 1
	for _, p := range parts {
		n += len(p) + 1 //add sep as well
	}

	k := make([]byte, 0, n)
	k = append(k, byte(kType))
	for _, p := range parts {
		k = append(k, []byte(p)...)
		k = append(k, tableSep)
	}

	if len(parts) == 0 {
		return k
	}

	return k[:len(k)-1]
}
