package tier

import (
	"context"
	"errors"
	"fmt"

	"github.com/layer-cache/layer-cache/internal/objectid"
	"github.com/layer-cache/layer-cache/internal/transform"
)

// Tier 是单个存储层的能力接口。Fast/Durable 两层是同一接口的两个实例，
// 层间回退顺序由路由层负责，Tier 本身绝不跨层查找。
type Tier interface {
	// Name 返回层的角色名（fast/durable），用于日志与诊断输出。
	Name() string

	// Backend 返回底层实现（memory/fs/pebble）。
	Backend() string

	// Get 返回指定 ID 的完整对象。对象不存在返回 ErrNotFound——
	// 缺失是正常结果，不是存储故障。
	Get(ctx context.Context, id objectid.ID) (*Object, error)

	// Put 写入对象并保证对并发读者原子可见。同 ID 重写相同字节是幂等
	// 的空操作；重写不同字节违反内容寻址不变量，返回 ErrCorruption，
	// 已存字节保持不变。
	Put(ctx context.Context, id objectid.ID, payload []byte) (*Object, error)

	// Len 返回当前层持有的对象数量，供 /-/tiers 诊断使用。
	Len(ctx context.Context) (int, error)

	Close() error
}

// Object 表示某一层内按 ID 寻址的不可变字节负载。
type Object struct {
	ID      objectid.ID
	Payload []byte
	Size    int64
}

// ErrNotFound 表示对象不在该层。
var ErrNotFound = errors.New("layer not present in tier")

// ErrCorruption 表示内容寻址不变量被破坏：同一 ID 下出现了不同字节。
// 调用方必须高调记录日志，绝不允许静默覆盖或返回不匹配的字节。
var ErrCorruption = errors.New("content address corruption detected")

// Options 描述构建单个层所需的全部参数。
type Options struct {
	Backend   string
	Path      string
	MaxBytes  int64
	Transform transform.Transform
}

// Open 按配置构建一个层实例。memory 仅用于 Fast 层，pebble 仅用于 Durable 层，
// 这一限制由 config 校验保证，这里只负责构造。
func Open(name string, opts Options) (Tier, error) {
	switch opts.Backend {
	case "memory":
		return newMemoryTier(name, opts.MaxBytes), nil
	case "fs":
		return newFSTier(name, opts.Path)
	case "pebble":
		return newPebbleTier(name, opts.Path, opts.Transform)
	default:
		return nil, fmt.Errorf("不支持的层后端: %s", opts.Backend)
	}
}
