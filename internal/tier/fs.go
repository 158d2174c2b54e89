package tier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/layer-cache/layer-cache/internal/objectid"
)

// layerExt 是磁盘层对象文件的统一扩展名，目录布局为
// <root>/<prefix>/<id>.layer，前缀扇出用于控制单目录条目数量。
const layerExt = ".layer"

// newFSTier 以 root 为根目录构建磁盘层，整个进程复用一份实例。
func newFSTier(name, root string) (Tier, error) {
	if root == "" {
		return nil, errors.New("fs tier path required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve tier path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create tier path: %w", err)
	}

	return &fsTier{
		name:  name,
		root:  abs,
		locks: make(map[string]*entryLock),
	}, nil
}

// fsTier 通过 entryLock 避免同一 ID 并发写入，同时复用 root 目录。
type fsTier struct {
	name string
	root string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (t *fsTier) Name() string    { return t.name }
func (t *fsTier) Backend() string { return "fs" }

func (t *fsTier) Get(ctx context.Context, id objectid.ID) (*Object, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath := t.objectPath(id)

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	payload, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &Object{
		ID:      id,
		Payload: payload,
		Size:    int64(len(payload)),
	}, nil
}

func (t *fsTier) Put(ctx context.Context, id objectid.ID, payload []byte) (*Object, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	unlock := t.lockEntry(id)
	defer unlock()

	filePath := t.objectPath(id)

	// 内容寻址不变量：已存在的对象只允许逐字节一致的重写。
	if existing, err := os.ReadFile(filePath); err == nil {
		if bytes.Equal(existing, payload) {
			return &Object{ID: id, Payload: payload, Size: int64(len(payload))}, nil
		}
		return nil, fmt.Errorf("%w: tier=%s id=%s", ErrCorruption, t.name, id)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}

	// 临时文件 + rename 保证读者永远看不到半写状态。
	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".layer-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	return &Object{ID: id, Payload: payload, Size: int64(len(payload))}, nil
}

func (t *fsTier) Len(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	count := 0
	err := filepath.WalkDir(t.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), layerExt) {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (t *fsTier) Close() error {
	return nil
}

func (t *fsTier) lockEntry(id objectid.ID) func() {
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

func (t *fsTier) objectPath(id objectid.ID) string {
	return filepath.Join(t.root, id.Prefix(), id.String()+layerExt)
}
