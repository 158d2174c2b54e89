package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/layer-cache/layer-cache/internal/logging"
	"github.com/layer-cache/layer-cache/internal/metrics"
	"github.com/layer-cache/layer-cache/internal/objectid"
	"github.com/layer-cache/layer-cache/internal/origin"
	"github.com/layer-cache/layer-cache/internal/server"
	"github.com/layer-cache/layer-cache/internal/tier"
)

// Populator 抽象填充协调器，便于测试注入假实现。
type Populator interface {
	EnsurePresent(ctx context.Context, id objectid.ID) error
	Promote(id objectid.ID)
}

// Handler 负责 orchestrate "Fast 命中 → Durable 命中 → 填充后重读" 的全流程，
// 对外暴露 Fiber handler，内部复用两级存储与填充协调器。
type Handler struct {
	fast    tier.Tier
	durable tier.Tier
	coord   Populator
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewHandler constructs a gateway handler with shared tiers/coordinator/logger.
func NewHandler(fast, durable tier.Tier, coord Populator, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		fast:    fast,
		durable: durable,
		coord:   coord,
		logger:  logger,
		metrics: m,
	}
}

// HandleGetLayer 实现读路径状态机：按层级查找，全部 miss 时同步等待填充，
// 填充成功后从 Durable 重读并返回。任何阶段出错都会输出结构化日志。
func (h *Handler) HandleGetLayer(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	id, err := objectid.Parse(c.Params("id"))
	if err != nil {
		h.metrics.RecordRequest("bad_request")
		return h.writeError(c, fiber.StatusBadRequest, "invalid_layer_id", requestID)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if obj, err := h.lookup(ctx, h.fast, id); err == nil {
		return h.serveLayer(c, obj, h.fast.Name(), requestID, started)
	}

	if obj, err := h.lookup(ctx, h.durable, id); err == nil {
		// Durable 命中顺带加热 Fast 层，下次同 ID 直接走内存。
		h.coord.Promote(id)
		return h.serveLayer(c, obj, h.durable.Name(), requestID, started)
	}

	if err := h.coord.EnsurePresent(ctx, id); err != nil {
		return h.renderPopulateError(c, id, err, requestID, started)
	}

	// 填充完成后 Durable 应当可读；重读仍 miss 属内部不一致，
	// 记录日志后按对象不存在返回。
	obj, err := h.lookup(ctx, h.durable, id)
	if err != nil {
		h.metrics.RecordRequest("not_found")
		h.logResult(id, h.durable.Name(), "reread_failed", requestID, started, err)
		return h.writeError(c, fiber.StatusNotFound, "layer_not_found", requestID)
	}
	return h.serveLayer(c, obj, h.durable.Name(), requestID, started)
}

// HandlePopulate 供内部预热调用：保证对象进入 Durable 层，不返回字节。
func (h *Handler) HandlePopulate(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	id, err := objectid.Parse(c.Params("id"))
	if err != nil {
		h.metrics.RecordRequest("bad_request")
		return h.writeError(c, fiber.StatusBadRequest, "invalid_layer_id", requestID)
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if err := h.coord.EnsurePresent(ctx, id); err != nil {
		return h.renderPopulateError(c, id, err, requestID, started)
	}

	h.metrics.RecordRequest("populate")
	h.logResult(id, h.durable.Name(), "populate", requestID, started, nil)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"populated": true,
		"layer":     id.String(),
	})
}

// lookup 把存储层的非 miss 错误降级为 miss，并输出告警日志，
// 读路径不因单层故障而中断。
func (h *Handler) lookup(ctx context.Context, t tier.Tier, id objectid.ID) (*tier.Object, error) {
	obj, err := t.Get(ctx, id)
	if err == nil {
		return obj, nil
	}
	if !errors.Is(err, tier.ErrNotFound) {
		h.logger.WithError(err).
			WithFields(logrus.Fields{"tier": t.Name(), "layer": id.String()}).
			Warn("tier_get_failed")
	}
	return nil, tier.ErrNotFound
}

func (h *Handler) serveLayer(c fiber.Ctx, obj *tier.Object, tierName, requestID string, started time.Time) error {
	c.Set("Content-Type", "application/octet-stream")
	c.Response().Header.SetContentLength(int(obj.Size))
	c.Set("X-Layer-Cache-Tier", tierName)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(fiber.StatusOK)

	h.metrics.RecordRequest("serve")
	h.metrics.RecordTierHit(tierName)

	if c.Method() == fiber.MethodHead {
		h.logResult(obj.ID, tierName, "serve", requestID, started, nil)
		return nil
	}

	_, err := c.Response().BodyWriter().Write(obj.Payload)
	h.logResult(obj.ID, tierName, "serve", requestID, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "write layer failed")
	}
	h.metrics.RecordBytesServed(obj.Size)
	return nil
}

func (h *Handler) renderPopulateError(c fiber.Ctx, id objectid.ID, err error, requestID string, started time.Time) error {
	switch {
	case errors.Is(err, origin.ErrUpstreamNotFound):
		h.metrics.RecordRequest("not_found")
		h.logResult(id, "", "not_found", requestID, started, nil)
		return h.writeError(c, fiber.StatusNotFound, "layer_not_found", requestID)
	case errors.Is(err, tier.ErrCorruption):
		h.metrics.RecordRequest("origin_error")
		h.logResult(id, h.durable.Name(), "corruption", requestID, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "corruption_detected", requestID)
	default:
		h.metrics.RecordRequest("origin_error")
		h.logResult(id, "", "origin_error", requestID, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "origin_unavailable", requestID)
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string, requestID string) error {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(id objectid.ID, tierName, outcome, requestID string, started time.Time, err error) {
	fields := logging.LayerFields(id.String(), tierName, outcome, outcome == "serve")
	fields["action"] = "gateway"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("layer_request_failed")
		return
	}
	h.logger.WithFields(fields).Info("layer_request_complete")
}
