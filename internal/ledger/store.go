// Package ledger is the slot store every component persists through.
//
// Records live in redis hashes at "slot:<address>" where the address is
// derived with Derive. Each slot records the Owner that created it and only
// that owner may write it again. Balances live at "balance:<wallet>".
//
// Operations run through Store.Update: every slot and balance read inside the
// callback is WATCHed, and all writes are buffered and committed in a single
// MULTI/EXEC. A concurrent write to any watched key aborts the commit with
// ErrStale, so racing operations fail instead of corrupting state.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Owner names the component that exclusively writes a slot.
type Owner string

// EventsKey is the redis list holding the append-only audit trail.
const EventsKey = "ledger:events"

// Event is an audit record appended atomically with the state it describes.
type Event struct {
	ID    string            `json:"id"`
	Kind  string            `json:"kind"`
	Slot  string            `json:"slot,omitempty"`
	At    int64             `json:"at"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Store wraps the redis client with slot semantics.
type Store struct {
	rdb   *redis.Client
	nowFn func() int64
	log   *zap.Logger
}

func NewStore(rdb *redis.Client, log *zap.Logger) *Store {
	return &Store{
		rdb:   rdb,
		nowFn: func() int64 { return time.Now().Unix() },
		log:   log,
	}
}

// SetNowFunc overrides the clock. Passing nil restores wall time.
func (s *Store) SetNowFunc(now func() int64) {
	if now == nil {
		s.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	s.nowFn = now
}

// Now returns the current ledger time in unix seconds.
func (s *Store) Now() int64 { return s.nowFn() }

// Redis exposes the underlying client for queue consumers sharing the connection.
func (s *Store) Redis() *redis.Client { return s.rdb }

// Update runs fn as one atomic, serializable unit. If fn returns an error
// nothing is written.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) error {
	return s.run(ctx, false, fn)
}

// View runs fn against a consistent read of the store. Writes are rejected.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(*Tx) error) error {
	err := s.rdb.Watch(ctx, func(rtx *redis.Tx) error {
		tx := &Tx{
			ctx:      ctx,
			rtx:      rtx,
			now:      s.nowFn(),
			readOnly: readOnly,
			slots:    make(map[common.Hash]*slotEntry),
			balances: make(map[common.Address]*balanceEntry),
			indexes:  make(map[string][]string),
		}
		if err := fn(tx); err != nil {
			return err
		}
		if readOnly {
			return nil
		}
		return tx.commit()
	})
	if errors.Is(err, redis.TxFailedErr) {
		s.log.Debug("ledger: optimistic commit lost race")
		return ErrStale
	}
	return err
}

// Load reads a single slot outside of any operation.
func (s *Store) Load(ctx context.Context, slot common.Hash, v any) (bool, error) {
	var found bool
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		found, err = tx.Get(slot, v)
		return err
	})
	return found, err
}

// Balance returns the public balance of addr.
func (s *Store) Balance(ctx context.Context, addr common.Address) (uint64, error) {
	raw, err := s.rdb.Get(ctx, balanceKey(addr)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return strconv.ParseUint(raw, 10, 64)
}

// Members lists the ids indexed under namespace, sorted.
func (s *Store) Members(ctx context.Context, namespace string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Events returns up to n of the most recent audit events, oldest first.
func (s *Store) Events(ctx context.Context, n int64) ([]Event, error) {
	raw, err := s.rdb.LRange(ctx, EventsKey, -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	out := make([]Event, 0, len(raw))
	for _, r := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			s.log.Warn("ledger: skip malformed event", zap.Error(err))
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

type slotEntry struct {
	owner  Owner
	data   []byte
	exists bool
	dirty  bool
}

type balanceEntry struct {
	amount uint64
	dirty  bool
}

// Tx is the view of the store inside one Update or View call.
type Tx struct {
	ctx      context.Context
	rtx      *redis.Tx
	now      int64
	readOnly bool
	slots    map[common.Hash]*slotEntry
	balances map[common.Address]*balanceEntry
	indexes  map[string][]string
	events   []Event
}

// Now is the ledger time fixed at the start of the operation.
func (t *Tx) Now() int64 { return t.now }

// Context returns the operation context.
func (t *Tx) Context() context.Context { return t.ctx }

func (t *Tx) load(slot common.Hash) (*slotEntry, error) {
	if e, ok := t.slots[slot]; ok {
		return e, nil
	}
	key := slotKey(slot)
	if err := t.rtx.Watch(t.ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("watch %s: %w", key, err)
	}
	vals, err := t.rtx.HGetAll(t.ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	e := &slotEntry{}
	if len(vals) > 0 {
		e.exists = true
		e.owner = Owner(vals["owner"])
		e.data = []byte(vals["data"])
	}
	t.slots[slot] = e
	return e, nil
}

// Get decodes the slot into v and reports whether it exists.
func (t *Tx) Get(slot common.Hash, v any) (bool, error) {
	e, err := t.load(slot)
	if err != nil {
		return false, err
	}
	if !e.exists {
		return false, nil
	}
	if err := json.Unmarshal(e.data, v); err != nil {
		return false, fmt.Errorf("decode slot %s: %w", slot.Hex(), err)
	}
	return true, nil
}

// Exists reports whether the slot has been written.
func (t *Tx) Exists(slot common.Hash) (bool, error) {
	e, err := t.load(slot)
	if err != nil {
		return false, err
	}
	return e.exists, nil
}

// Put buffers a write of v to slot on behalf of owner.
func (t *Tx) Put(owner Owner, slot common.Hash, v any) error {
	if t.readOnly {
		return errors.New("ledger: write in read-only view")
	}
	e, err := t.load(slot)
	if err != nil {
		return err
	}
	if e.exists && e.owner != owner {
		return fmt.Errorf("%w: slot %s is owned by %s", ErrUnauthorized, slot.Hex(), e.owner)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode slot %s: %w", slot.Hex(), err)
	}
	e.owner = owner
	e.data = raw
	e.exists = true
	e.dirty = true
	return nil
}

// Index records id under namespace so keepers can enumerate records.
func (t *Tx) Index(namespace, id string) {
	t.indexes[namespace] = append(t.indexes[namespace], id)
}

// Balance returns the balance of addr as seen by this operation.
func (t *Tx) Balance(addr common.Address) (uint64, error) {
	if b, ok := t.balances[addr]; ok {
		return b.amount, nil
	}
	key := balanceKey(addr)
	if err := t.rtx.Watch(t.ctx, key).Err(); err != nil {
		return 0, fmt.Errorf("watch %s: %w", key, err)
	}
	var amount uint64
	raw, err := t.rtx.Get(t.ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return 0, fmt.Errorf("read %s: %w", key, err)
	default:
		amount, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
	}
	t.balances[addr] = &balanceEntry{amount: amount}
	return amount, nil
}

// Credit adds amount to addr.
func (t *Tx) Credit(addr common.Address, amount uint64) error {
	if t.readOnly {
		return errors.New("ledger: write in read-only view")
	}
	cur, err := t.Balance(addr)
	if err != nil {
		return err
	}
	if amount > math.MaxUint64-cur {
		return fmt.Errorf("%w: balance overflow for %s", ErrInvalidInput, addr.Hex())
	}
	t.balances[addr] = &balanceEntry{amount: cur + amount, dirty: true}
	return nil
}

// Debit removes amount from addr, failing with ErrInsufficientFunds.
func (t *Tx) Debit(addr common.Address, amount uint64) error {
	if t.readOnly {
		return errors.New("ledger: write in read-only view")
	}
	cur, err := t.Balance(addr)
	if err != nil {
		return err
	}
	if cur < amount {
		return fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientFunds, addr.Hex(), cur, amount)
	}
	t.balances[addr] = &balanceEntry{amount: cur - amount, dirty: true}
	return nil
}

// Transfer moves amount between two balances within the operation.
func (t *Tx) Transfer(from, to common.Address, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if err := t.Debit(from, amount); err != nil {
		return err
	}
	return t.Credit(to, amount)
}

// Emit appends an audit event that commits with the operation.
func (t *Tx) Emit(kind string, slot common.Hash, attrs map[string]string) {
	t.events = append(t.events, Event{
		ID:    uuid.NewString(),
		Kind:  kind,
		Slot:  slot.Hex(),
		At:    t.now,
		Attrs: attrs,
	})
}

func (t *Tx) commit() error {
	ctx := t.ctx
	_, err := t.rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for slot, e := range t.slots {
			if e.dirty {
				p.HSet(ctx, slotKey(slot), "owner", string(e.owner), "data", string(e.data))
			}
		}
		for addr, b := range t.balances {
			if b.dirty {
				p.Set(ctx, balanceKey(addr), strconv.FormatUint(b.amount, 10), 0)
			}
		}
		for ns, ids := range t.indexes {
			members := make([]any, len(ids))
			for i, id := range ids {
				members[i] = id
			}
			p.SAdd(ctx, indexKey(ns), members...)
		}
		for _, ev := range t.events {
			raw, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
			p.RPush(ctx, EventsKey, string(raw))
		}
		return nil
	})
	return err
}
