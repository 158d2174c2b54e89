package populate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/layer-cache/layer-cache/internal/metrics"
	"github.com/layer-cache/layer-cache/internal/objectid"
	"github.com/layer-cache/layer-cache/internal/origin"
	"github.com/layer-cache/layer-cache/internal/tier"
)

// Coordinator 对同一 ID 的并发"取回并落盘"请求去重：任意时刻每个 ID
// 至多存在一张 ticket，后到者加入等待而不是重复回源。这是整个系统的
// 核心正确性保证——无论多少请求同时 miss，同一 ID 的源站取回恰好一次。
type Coordinator struct {
	origin  origin.Client
	durable tier.Tier
	fast    tier.Tier
	logger  *logrus.Logger
	metrics *metrics.Metrics

	maxRetries      int
	initialBackoff  time.Duration
	populateTimeout time.Duration
	negativeTTL     time.Duration
	now             func() time.Time

	// mu 只保护下面三张表；取回与落盘都在临界区之外执行。
	mu        sync.Mutex
	tickets   map[string]*ticket
	negative  map[string]time.Time
	promoting map[string]struct{}

	promoteWG sync.WaitGroup
}

// ticket 代表一次在途填充。err 在 done 关闭前写入且只写一次，
// 所有加入者观察到与 ticket 持有者完全相同的结果。
type ticket struct {
	done chan struct{}
	err  error
}

// Options 汇总协调器的全部依赖与策略参数。
type Options struct {
	Origin          origin.Client
	Durable         tier.Tier
	Fast            tier.Tier
	Logger          *logrus.Logger
	Metrics         *metrics.Metrics
	MaxRetries      int
	InitialBackoff  time.Duration
	PopulateTimeout time.Duration
	NegativeTTL     time.Duration
}

// New 构建协调器。Logger 为空时丢弃日志输出，方便测试注入。
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	timeout := opts.PopulateTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &Coordinator{
		origin:          opts.Origin,
		durable:         opts.Durable,
		fast:            opts.Fast,
		logger:          logger,
		metrics:         opts.Metrics,
		maxRetries:      opts.MaxRetries,
		initialBackoff:  backoff,
		populateTimeout: timeout,
		negativeTTL:     opts.NegativeTTL,
		now:             time.Now,
		tickets:         make(map[string]*ticket),
		negative:        make(map[string]time.Time),
		promoting:       make(map[string]struct{}),
	}
}

// EnsurePresent 保证对象在 Durable 层可读后返回。已有 ticket 则加入等待；
// 调用方的 ctx 取消只放弃它自己的等待，在途填充照常跑完——其余等待者
// 与后续请求仍然受益。
func (c *Coordinator) EnsurePresent(ctx context.Context, id objectid.ID) error {
	key := id.String()

	// 对象已在 Durable 层则直接返回，重复预热不再回源。
	if _, err := c.durable.Get(ctx, id); err == nil {
		return nil
	}

	c.mu.Lock()
	if until, ok := c.negative[key]; ok {
		if c.now().Before(until) {
			c.mu.Unlock()
			return origin.ErrUpstreamNotFound
		}
		delete(c.negative, key)
	}

	tk, joined := c.tickets[key]
	if !joined {
		tk = &ticket{done: make(chan struct{})}
		c.tickets[key] = tk
		c.metrics.PopulationStarted()
		go c.resolve(id, tk)
	}
	c.mu.Unlock()

	select {
	case <-tk.done:
		return tk.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inflight 返回当前在途 ticket 数量，供诊断接口输出。
func (c *Coordinator) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickets)
}

// resolve 是 ticket 持有者的完整生命周期：有界超时的独立 context、
// 取回并提交、结果写入后关闭 done、最后从在途表移除。
// 每张 ticket 都在有限时间内解决，绝不会无限悬挂。
func (c *Coordinator) resolve(id objectid.ID, tk *ticket) {
	started := c.now()

	ctx, cancel := context.WithTimeout(context.Background(), c.populateTimeout)
	defer cancel()

	err := c.fetchAndCommit(ctx, id)

	key := id.String()
	c.mu.Lock()
	if errors.Is(err, origin.ErrUpstreamNotFound) && c.negativeTTL > 0 {
		c.negative[key] = c.now().Add(c.negativeTTL)
	}
	delete(c.tickets, key)
	c.mu.Unlock()

	tk.err = err
	close(tk.done)

	elapsed := c.now().Sub(started)
	c.metrics.PopulationFinished(elapsed.Seconds())

	fields := logrus.Fields{
		"action":     "populate",
		"layer":      key,
		"elapsed_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		if errors.Is(err, origin.ErrUpstreamNotFound) {
			c.logger.WithFields(fields).Info("populate_upstream_missing")
			return
		}
		c.logger.WithFields(fields).Error("populate_failed")
		return
	}
	c.logger.WithFields(fields).Info("populate_complete")
}

func (c *Coordinator) fetchAndCommit(ctx context.Context, id objectid.ID) error {
	payload, err := c.fetchWithRetry(ctx, id)
	if err != nil {
		return err
	}

	if _, err := c.durable.Put(ctx, id, payload); err != nil {
		if errors.Is(err, tier.ErrCorruption) {
			// 内容寻址不变量被破坏，必须高调暴露，绝不静默覆盖。
			c.logger.WithFields(logrus.Fields{
				"action": "populate",
				"layer":  id.String(),
				"tier":   c.durable.Name(),
			}).Error("corruption_detected")
			return err
		}
		c.logger.WithFields(logrus.Fields{
			"action": "populate",
			"layer":  id.String(),
			"error":  err.Error(),
		}).Warn("durable_write_retry")
		if _, err = c.durable.Put(ctx, id, payload); err != nil {
			return fmt.Errorf("durable commit: %w", err)
		}
	}

	// 写透到 Fast 层：刚被请求过的对象大概率马上再被请求。
	// 提升失败不影响本次填充结果。
	if _, err := c.fast.Put(ctx, id, payload); err != nil {
		c.logger.WithFields(logrus.Fields{
			"action": "promote",
			"layer":  id.String(),
			"error":  err.Error(),
		}).Warn("fast_promote_failed")
	}

	return nil
}

// fetchWithRetry 只对瞬时故障按倍增退避重试；上游确认不存在是终态，
// 立即返回，绝不重试。
func (c *Coordinator) fetchWithRetry(ctx context.Context, id objectid.ID) ([]byte, error) {
	backoff := c.initialBackoff

	for attempt := 0; ; attempt++ {
		payload, err := c.origin.Fetch(ctx, id)
		if err == nil {
			c.metrics.RecordOriginFetch("ok")
			return payload, nil
		}
		if errors.Is(err, origin.ErrUpstreamNotFound) {
			c.metrics.RecordOriginFetch("not_found")
			return nil, err
		}
		if !origin.IsTransient(err) {
			c.metrics.RecordOriginFetch("error")
			return nil, err
		}

		c.metrics.RecordOriginFetch("transient")
		if attempt >= c.maxRetries {
			return nil, err
		}

		c.logger.WithFields(logrus.Fields{
			"action":  "origin_retry",
			"layer":   id.String(),
			"attempt": attempt + 1,
			"backoff": backoff.String(),
		}).Warn(err.Error())

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Promote 异步把 Durable 层已有的对象复制进 Fast 层，用于 Durable
// 命中后的加热。同一 ID 的在途提升去重，失败只记日志。
func (c *Coordinator) Promote(id objectid.ID) {
	key := id.String()

	c.mu.Lock()
	if _, busy := c.promoting[key]; busy {
		c.mu.Unlock()
		return
	}
	c.promoting[key] = struct{}{}
	c.promoteWG.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.promoteWG.Done()
		defer func() {
			c.mu.Lock()
			delete(c.promoting, key)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), c.populateTimeout)
		defer cancel()

		// 最后确认一次目标层确实没有，避免无谓拷贝。
		if _, err := c.fast.Get(ctx, id); err == nil {
			return
		}

		obj, err := c.durable.Get(ctx, id)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"action": "promote",
				"layer":  key,
				"error":  err.Error(),
			}).Warn("promote_source_read_failed")
			return
		}

		if _, err := c.fast.Put(ctx, id, obj.Payload); err != nil {
			c.logger.WithFields(logrus.Fields{
				"action": "promote",
				"layer":  key,
				"error":  err.Error(),
			}).Warn("fast_promote_failed")
		}
	}()
}
