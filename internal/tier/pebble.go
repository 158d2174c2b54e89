package tier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/layer-cache/layer-cache/internal/objectid"
	"github.com/layer-cache/layer-cache/internal/transform"
)

// 对象键前缀。上界取前缀的下一个字节，供 Len 迭代使用。
var (
	prefixObj      = []byte("obj:")
	prefixObjUpper = []byte("obj;")
)

// newPebbleTier 在指定目录打开 Pebble 实例作为 Durable 层后端。
// tr 负责落盘前的编码（none/zstd），解码失败视为损坏。
func newPebbleTier(name, dir string, tr transform.Transform) (Tier, error) {
	if dir == "" {
		return nil, errors.New("pebble tier path required")
	}
	if tr == nil {
		tr = transform.NewNone()
	}

	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	return &pebbleTier{
		name:      name,
		db:        db,
		transform: tr,
		locks:     make(map[string]*entryLock),
	}, nil
}

// pebbleTier 通过 entryLock 串行化同一 ID 的写入，load-check-Set
// 之间不允许并发写者插队，与 fs 后端保持同一不变量。
type pebbleTier struct {
	name      string
	db        *pebble.DB
	transform transform.Transform

	mu    sync.Mutex
	locks map[string]*entryLock
}

func (t *pebbleTier) Name() string    { return t.name }
func (t *pebbleTier) Backend() string { return "pebble" }

func (t *pebbleTier) Get(ctx context.Context, id objectid.ID) (*Object, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	payload, found, err := t.load(id)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}

	return &Object{ID: id, Payload: payload, Size: int64(len(payload))}, nil
}

func (t *pebbleTier) Put(ctx context.Context, id objectid.ID, payload []byte) (*Object, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	unlock := t.lockEntry(id)
	defer unlock()

	existing, found, err := t.load(id)
	if err != nil {
		return nil, err
	}
	if found {
		if bytes.Equal(existing, payload) {
			return &Object{ID: id, Payload: existing, Size: int64(len(existing))}, nil
		}
		return nil, fmt.Errorf("%w: tier=%s id=%s", ErrCorruption, t.name, id)
	}

	stored, err := t.transform.Encode(payload)
	if err != nil {
		return nil, err
	}

	if err := t.db.Set(t.key(id), stored, pebble.Sync); err != nil {
		return nil, err
	}

	return &Object{ID: id, Payload: payload, Size: int64(len(payload))}, nil
}

func (t *pebbleTier) Len(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	iter, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: prefixObj,
		UpperBound: prefixObjUpper,
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	count := 0
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	return count, iter.Error()
}

func (t *pebbleTier) Close() error {
	return t.db.Close()
}

func (t *pebbleTier) load(id objectid.ID) ([]byte, bool, error) {
	val, closer, err := t.db.Get(t.key(id))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer closer.Close()

	stored := make([]byte, len(val))
	copy(stored, val)

	payload, err := t.transform.Decode(stored)
	if err != nil {
		if errors.Is(err, transform.ErrEnvelope) {
			return nil, false, fmt.Errorf("%w: tier=%s id=%s: %v", ErrCorruption, t.name, id, err)
		}
		return nil, false, err
	}
	return payload, true, nil
}

func (t *pebbleTier) lockEntry(id objectid.ID) func() {
	key := id.String()
	t.mu.Lock()
	lock := t.locks[key]
	if lock == nil {
		lock = &entryLock{}
		t.locks[key] = lock
	}
	lock.refs++
	t.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		t.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}

func (t *pebbleTier) key(id objectid.ID) []byte {
	return append(append([]byte(nil), prefixObj...), id.String()...)
}
