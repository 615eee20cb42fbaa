package engine

import (
	"fmt"
	"sort"

	"github.com/INLOpen/tstore/core"
	"github.com/INLOpen/tstore/memtable"
)

// IsolationLevel selects what a transaction's reads observe.
type IsolationLevel int

const (
	// ReadCommitted reads the latest committed version at each call.
	ReadCommitted IsolationLevel = iota
	// Snapshot reads the versions committed before the transaction began,
	// however many checkpoints and merges happen meanwhile.
	Snapshot
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadCommitted:
		return "read_committed"
	case Snapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("isolation(%d)", int(l))
	}
}

type pendingWrite struct {
	value     []byte
	tombstone bool
	// expectLive is the committed liveness of the key when the transaction
	// first wrote it. Commit fails if it changed.
	expectLive bool
}

// Txn buffers writes until Commit. All writes of a transaction commit with
// one version. A Txn is not safe for concurrent use.
type Txn struct {
	e         *Engine
	isolation IsolationLevel
	snap      *snapshotView
	writes    map[string]*pendingWrite
	done      bool
}

// BeginTransaction starts a transaction. Snapshot transactions pin the
// current state until they commit or abort.
func (e *Engine) BeginTransaction(level IsolationLevel) (*Txn, error) {
	if err := e.checkUsable(); err != nil {
		return nil, err
	}
	t := &Txn{e: e, isolation: level, writes: make(map[string]*pendingWrite)}
	if level == Snapshot {
		e.commitMu.Lock()
		e.stateMu.RLock()
		memtables := make([]*memtable.Memtable, 0, len(e.deltas)+1)
		memtables = append(memtables, e.active)
		for i := len(e.deltas) - 1; i >= 0; i-- {
			memtables = append(memtables, e.deltas[i])
		}
		e.stateMu.RUnlock()
		t.snap = e.snapshots.Pin(e.snapshotID.Add(1), e.seq.Load(), memtables, e.meta.Current)
		e.commitMu.Unlock()
	}
	return t, nil
}

// Isolation returns the transaction's isolation level.
func (t *Txn) Isolation() IsolationLevel { return t.isolation }

// Get reads key, seeing the transaction's own writes first.
func (t *Txn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, core.ErrTransactionDone
	}
	if w, ok := t.writes[string(key)]; ok {
		if w.tombstone {
			return nil, core.ErrKeyNotFound
		}
		return append([]byte(nil), w.value...), nil
	}
	if t.snap == nil {
		return t.e.Get(key)
	}
	if err := t.e.checkUsable(); err != nil {
		return nil, err
	}
	it, err := t.snap.get(key)
	if err != nil {
		return nil, err
	}
	if it == nil || it.IsTombstone() {
		return nil, core.ErrKeyNotFound
	}
	return append([]byte(nil), it.Value...), nil
}

// live reports whether key is visible to the transaction's writes: its own
// writes first, then the latest committed state.
func (t *Txn) live(key []byte) (live, committed bool) {
	committed = t.e.liveCommitted(key)
	if w, ok := t.writes[string(key)]; ok {
		return !w.tombstone, w.expectLive
	}
	return committed, committed
}

func (t *Txn) record(key []byte, value []byte, tombstone, committed bool) {
	k := string(key)
	if w, ok := t.writes[k]; ok {
		w.value, w.tombstone = value, tombstone
		return
	}
	t.writes[k] = &pendingWrite{value: value, tombstone: tombstone, expectLive: committed}
}

func (t *Txn) check(key []byte) error {
	if t.done {
		return core.ErrTransactionDone
	}
	if len(key) == 0 {
		return &core.ValidationError{Field: "key", Message: "must not be empty"}
	}
	return t.e.checkUsable()
}

// Add inserts key. It fails with ErrKeyExists if key is live.
func (t *Txn) Add(key, value []byte) error {
	if err := t.check(key); err != nil {
		return err
	}
	live, committed := t.live(key)
	if live {
		return core.ErrKeyExists
	}
	t.record(key, append([]byte(nil), value...), false, committed)
	return nil
}

// ConditionalUpdate replaces the value of a live key. It fails with
// ErrKeyNotFound otherwise.
func (t *Txn) ConditionalUpdate(key, value []byte) error {
	if err := t.check(key); err != nil {
		return err
	}
	live, committed := t.live(key)
	if !live {
		return core.ErrKeyNotFound
	}
	t.record(key, append([]byte(nil), value...), false, committed)
	return nil
}

// ConditionalRemove deletes a live key. It fails with ErrKeyNotFound otherwise.
func (t *Txn) ConditionalRemove(key []byte) error {
	if err := t.check(key); err != nil {
		return err
	}
	live, committed := t.live(key)
	if !live {
		return core.ErrKeyNotFound
	}
	t.record(key, nil, true, committed)
	return nil
}

// Commit validates every write against the committed state again and
// applies them under one new version.
func (t *Txn) Commit() error {
	if t.done {
		return core.ErrTransactionDone
	}
	t.done = true
	defer t.release()
	if len(t.writes) == 0 {
		return nil
	}

	e := t.e
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	if err := e.checkUsable(); err != nil {
		return err
	}

	keys := make([]string, 0, len(t.writes))
	for k := range t.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w := t.writes[k]
		if e.liveCommitted([]byte(k)) == w.expectLive {
			continue
		}
		e.metrics.CommitErrorsTotal.Add(1)
		if w.expectLive {
			return fmt.Errorf("commit conflict on %q: %w", k, core.ErrKeyNotFound)
		}
		return fmt.Errorf("commit conflict on %q: %w", k, core.ErrKeyExists)
	}

	version := e.seq.Load() + 1
	e.stateMu.RLock()
	active := e.active
	e.stateMu.RUnlock()
	for _, k := range keys {
		w := t.writes[k]
		item := &core.VersionedItem{Key: []byte(k), Version: version}
		switch {
		case w.tombstone && !w.expectLive:
			// Added and removed inside the transaction.
			continue
		case w.tombstone:
			item.Kind = core.RecordKindDeleted
		case w.expectLive:
			item.Kind, item.Value = core.RecordKindUpdated, w.value
		default:
			item.Kind, item.Value = core.RecordKindInserted, w.value
		}
		if err := active.Put(item); err != nil {
			e.metrics.CommitErrorsTotal.Add(1)
			return e.fail(fmt.Errorf("failed to apply commit version %d: %w", version, err))
		}
	}
	e.seq.Store(version)
	e.meta.NoteVersion(version)
	e.metrics.CommitTotal.Add(1)
	return nil
}

// Abort discards the transaction's writes.
func (t *Txn) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.release()
}

func (t *Txn) release() {
	if t.snap != nil {
		t.e.snapshots.Release(t.snap.id)
		t.snap = nil
	}
}
