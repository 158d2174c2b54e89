package routes

import (
	"context"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/layer-cache/layer-cache/internal/tier"
	"github.com/layer-cache/layer-cache/internal/version"
)

// Diagnostics 汇总诊断接口需要观察的运行时组件。
type Diagnostics struct {
	Tiers    []tier.Tier
	Inflight func() int
}

// RegisterDiagnosticsRoutes 暴露 /-/ 前缀的诊断接口，供 SRE 查询健康状态、
// 层级占用与 Prometheus 指标。
func RegisterDiagnosticsRoutes(app *fiber.App, diag Diagnostics) {
	if app == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version.Full(),
		})
	})

	app.Get("/-/tiers", func(c fiber.Ctx) error {
		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		payload := fiber.Map{
			"tiers": encodeTiers(ctx, diag.Tiers),
		}
		if diag.Inflight != nil {
			payload["populations_inflight"] = diag.Inflight()
		}
		return c.JSON(payload)
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

type tierPayload struct {
	Name    string `json:"name"`
	Backend string `json:"backend"`
	Objects int    `json:"objects"`
	Error   string `json:"error,omitempty"`
}

func encodeTiers(ctx context.Context, tiers []tier.Tier) []tierPayload {
	if len(tiers) == 0 {
		return nil
	}
	result := make([]tierPayload, 0, len(tiers))
	for _, t := range tiers {
		item := tierPayload{
			Name:    t.Name(),
			Backend: t.Backend(),
		}
		count, err := t.Len(ctx)
		if err != nil {
			item.Error = err.Error()
		} else {
			item.Objects = count
		}
		result = append(result, item)
	}
	return result
}
