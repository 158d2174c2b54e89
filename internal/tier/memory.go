package tier

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"sync"

	"github.com/layer-cache/layer-cache/internal/objectid"
)

// newMemoryTier 构建字节预算受限的内存层，按 LRU 顺序驱逐。
// Fast 层的标准后端：命中只是一次 map 查找加链表移动。
func newMemoryTier(name string, maxBytes int64) Tier {
	return &memoryTier{
		name:     name,
		maxBytes: maxBytes,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

type memoryTier struct {
	name     string
	maxBytes int64

	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // 头部为最近访问
	totalBytes int64
}

type memoryEntry struct {
	key     string
	id      objectid.ID
	payload []byte
}

func (t *memoryTier) Name() string    { return t.name }
func (t *memoryTier) Backend() string { return "memory" }

func (t *memoryTier) Get(ctx context.Context, id objectid.ID) (*Object, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.entries[id.String()]
	if !ok {
		return nil, ErrNotFound
	}
	t.order.MoveToFront(elem)

	entry := elem.Value.(*memoryEntry)
	return &Object{ID: entry.id, Payload: entry.payload, Size: int64(len(entry.payload))}, nil
}

func (t *memoryTier) Put(ctx context.Context, id objectid.ID, payload []byte) (*Object, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := id.String()
	if elem, ok := t.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		if bytes.Equal(entry.payload, payload) {
			t.order.MoveToFront(elem)
			return &Object{ID: id, Payload: entry.payload, Size: int64(len(entry.payload))}, nil
		}
		return nil, fmt.Errorf("%w: tier=%s id=%s", ErrCorruption, t.name, id)
	}

	// 存入独立副本，避免调用方后续修改底层切片。
	stored := append([]byte(nil), payload...)
	elem := t.order.PushFront(&memoryEntry{key: key, id: id, payload: stored})
	t.entries[key] = elem
	t.totalBytes += int64(len(stored))

	t.evictOverBudget(elem)

	return &Object{ID: id, Payload: stored, Size: int64(len(stored))}, nil
}

// evictOverBudget 从链表尾部逐出最久未使用的对象，直到满足预算。
// 刚写入的对象不参与驱逐，单个超预算对象因此仍可被缓存一次。
func (t *memoryTier) evictOverBudget(keep *list.Element) {
	for t.totalBytes > t.maxBytes {
		oldest := t.order.Back()
		if oldest == nil || oldest == keep {
			return
		}
		entry := oldest.Value.(*memoryEntry)
		t.order.Remove(oldest)
		delete(t.entries, entry.key)
		t.totalBytes -= int64(len(entry.payload))
	}
}

func (t *memoryTier) Len(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries), nil
}

func (t *memoryTier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*list.Element)
	t.order.Init()
	t.totalBytes = 0
	return nil
}
