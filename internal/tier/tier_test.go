package tier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/layer-cache/layer-cache/internal/objectid"
	"github.com/layer-cache/layer-cache/internal/transform"
)

func testID(t *testing.T, prefix string, fill byte) objectid.ID {
	t.Helper()
	id, err := objectid.Parse(prefix + strings.Repeat(string(fill), 37))
	if err != nil {
		t.Fatalf("test id invalid: %v", err)
	}
	return id
}

// openBackends 构建三种后端，统一验证 Tier 契约。
func openBackends(t *testing.T) map[string]Tier {
	t.Helper()

	fsT, err := Open("durable", Options{Backend: "fs", Path: t.TempDir()})
	if err != nil {
		t.Fatalf("open fs tier: %v", err)
	}
	pebbleT, err := Open("durable", Options{Backend: "pebble", Path: t.TempDir(), Transform: transform.NewZstd(1)})
	if err != nil {
		t.Fatalf("open pebble tier: %v", err)
	}
	memT, err := Open("fast", Options{Backend: "memory", MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("open memory tier: %v", err)
	}

	tiers := map[string]Tier{"fs": fsT, "pebble": pebbleT, "memory": memT}
	t.Cleanup(func() {
		for _, tr := range tiers {
			tr.Close()
		}
	})
	return tiers
}

func TestTierPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	id := testID(t, "abc", '1')
	payload := []byte("layer payload")

	for backend, tr := range openBackends(t) {
		if _, err := tr.Put(ctx, id, payload); err != nil {
			t.Fatalf("%s: put error: %v", backend, err)
		}
		obj, err := tr.Get(ctx, id)
		if err != nil {
			t.Fatalf("%s: get error: %v", backend, err)
		}
		if !bytes.Equal(obj.Payload, payload) {
			t.Fatalf("%s: payload mismatch: %q", backend, obj.Payload)
		}
		if obj.Size != int64(len(payload)) {
			t.Fatalf("%s: size mismatch: %d", backend, obj.Size)
		}
		n, err := tr.Len(ctx)
		if err != nil || n != 1 {
			t.Fatalf("%s: len mismatch: %d %v", backend, n, err)
		}
	}
}

func TestTierAbsenceIsNotFoundNotFailure(t *testing.T) {
	ctx := context.Background()
	id := testID(t, "def", '2')

	for backend, tr := range openBackends(t) {
		if _, err := tr.Get(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", backend, err)
		}
	}
}

func TestTierIdempotentRewrite(t *testing.T) {
	ctx := context.Background()
	id := testID(t, "abc", '3')
	payload := []byte("identical bytes")

	for backend, tr := range openBackends(t) {
		if _, err := tr.Put(ctx, id, payload); err != nil {
			t.Fatalf("%s: first put error: %v", backend, err)
		}
		if _, err := tr.Put(ctx, id, payload); err != nil {
			t.Fatalf("%s: identical rewrite must be a no-op success: %v", backend, err)
		}
		n, _ := tr.Len(ctx)
		if n != 1 {
			t.Fatalf("%s: rewrite should not duplicate entries: %d", backend, n)
		}
	}
}

func TestTierDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	id := testID(t, "abc", '4')
	original := []byte("B1")

	for backend, tr := range openBackends(t) {
		if _, err := tr.Put(ctx, id, original); err != nil {
			t.Fatalf("%s: put error: %v", backend, err)
		}
		if _, err := tr.Put(ctx, id, []byte("B2")); !errors.Is(err, ErrCorruption) {
			t.Fatalf("%s: expected ErrCorruption, got %v", backend, err)
		}
		obj, err := tr.Get(ctx, id)
		if err != nil {
			t.Fatalf("%s: get after corruption attempt: %v", backend, err)
		}
		if !bytes.Equal(obj.Payload, original) {
			t.Fatalf("%s: stored bytes must remain B1, got %q", backend, obj.Payload)
		}
	}
}

func TestTierSerializesConcurrentConflictingPuts(t *testing.T) {
	ctx := context.Background()
	id := testID(t, "abc", '9')

	for backend, tr := range openBackends(t) {
		const writers = 8
		payloads := make([][]byte, writers)
		errs := make([]error, writers)

		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			payloads[i] = []byte(fmt.Sprintf("payload-%d", i))
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = tr.Put(ctx, id, payloads[i])
			}(i)
		}
		wg.Wait()

		// 恰好一个写者胜出，其余全部观察到 ErrCorruption。
		winners := 0
		for i, err := range errs {
			switch {
			case err == nil:
				winners++
			case errors.Is(err, ErrCorruption):
			default:
				t.Fatalf("%s: writer %d unexpected error: %v", backend, i, err)
			}
		}
		if winners != 1 {
			t.Fatalf("%s: expected exactly one winning put, got %d", backend, winners)
		}

		obj, err := tr.Get(ctx, id)
		if err != nil {
			t.Fatalf("%s: get after concurrent puts: %v", backend, err)
		}
		matched := false
		for i, payload := range payloads {
			if bytes.Equal(obj.Payload, payload) {
				if errs[i] != nil {
					t.Fatalf("%s: stored bytes belong to a losing writer %d", backend, i)
				}
				matched = true
			}
		}
		if !matched {
			t.Fatalf("%s: stored bytes match no writer: %q", backend, obj.Payload)
		}
	}
}

func TestTierHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	id := testID(t, "abc", '5')

	for backend, tr := range openBackends(t) {
		if _, err := tr.Get(ctx, id); !errors.Is(err, context.Canceled) {
			t.Fatalf("%s: expected context error on get, got %v", backend, err)
		}
		if _, err := tr.Put(ctx, id, []byte("x")); !errors.Is(err, context.Canceled) {
			t.Fatalf("%s: expected context error on put, got %v", backend, err)
		}
	}
}

func TestFSTierShardsByPrefix(t *testing.T) {
	root := t.TempDir()
	tr, err := Open("durable", Options{Backend: "fs", Path: root})
	if err != nil {
		t.Fatalf("open fs tier: %v", err)
	}
	defer tr.Close()

	id := testID(t, "a1f", '6')
	if _, err := tr.Put(context.Background(), id, []byte("sharded")); err != nil {
		t.Fatalf("put error: %v", err)
	}

	expected := filepath.Join(root, "a1f", id.String()+layerExt)
	if _, err := os.Stat(expected); err != nil {
		t.Fatalf("expected sharded layout at %s: %v", expected, err)
	}
}

func TestFSTierLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	tr, err := Open("durable", Options{Backend: "fs", Path: root})
	if err != nil {
		t.Fatalf("open fs tier: %v", err)
	}
	defer tr.Close()

	id := testID(t, "abc", '7')
	if _, err := tr.Put(context.Background(), id, []byte("atomic")); err != nil {
		t.Fatalf("put error: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "abc"))
	if err != nil {
		t.Fatalf("read shard dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".layer-") {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestMemoryTierEvictsLeastRecentlyUsed(t *testing.T) {
	tr, err := Open("fast", Options{Backend: "memory", MaxBytes: 64})
	if err != nil {
		t.Fatalf("open memory tier: %v", err)
	}
	defer tr.Close()

	ctx := context.Background()
	first := testID(t, "111", 'a')
	second := testID(t, "222", 'b')
	third := testID(t, "333", 'c')
	payload := bytes.Repeat([]byte("x"), 32)

	if _, err := tr.Put(ctx, first, payload); err != nil {
		t.Fatalf("put first: %v", err)
	}
	if _, err := tr.Put(ctx, second, payload); err != nil {
		t.Fatalf("put second: %v", err)
	}
	// 触碰 first，使 second 成为最久未使用。
	if _, err := tr.Get(ctx, first); err != nil {
		t.Fatalf("touch first: %v", err)
	}
	if _, err := tr.Put(ctx, third, payload); err != nil {
		t.Fatalf("put third: %v", err)
	}

	if _, err := tr.Get(ctx, second); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second should be evicted, got %v", err)
	}
	if _, err := tr.Get(ctx, first); err != nil {
		t.Fatalf("first should survive eviction: %v", err)
	}
}

func TestMemoryTierStoresOversizedObjectOnce(t *testing.T) {
	tr, err := Open("fast", Options{Backend: "memory", MaxBytes: 8})
	if err != nil {
		t.Fatalf("open memory tier: %v", err)
	}
	defer tr.Close()

	id := testID(t, "444", 'd')
	payload := bytes.Repeat([]byte("y"), 64)
	if _, err := tr.Put(context.Background(), id, payload); err != nil {
		t.Fatalf("oversized put should still succeed: %v", err)
	}
	if _, err := tr.Get(context.Background(), id); err != nil {
		t.Fatalf("oversized object should be readable: %v", err)
	}
}

func TestPebbleTierPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	id := testID(t, "abc", '8')
	payload := []byte(strings.Repeat("durable bytes ", 128))

	tr, err := Open("durable", Options{Backend: "pebble", Path: dir, Transform: transform.NewZstd(2)})
	if err != nil {
		t.Fatalf("open pebble tier: %v", err)
	}
	if _, err := tr.Put(context.Background(), id, payload); err != nil {
		t.Fatalf("put error: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}

	reopened, err := Open("durable", Options{Backend: "pebble", Path: dir, Transform: transform.NewZstd(2)})
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	defer reopened.Close()

	obj, err := reopened.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if !bytes.Equal(obj.Payload, payload) {
		t.Fatalf("payload mismatch after reopen")
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	if _, err := Open("fast", Options{Backend: "redis"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
