package server

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LayerHandler describes the component serving layer reads and populate
// requests. It allows injecting fake handlers during tests.
type LayerHandler interface {
	HandleGetLayer(fiber.Ctx) error
	HandlePopulate(fiber.Ctx) error
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Handler    LayerHandler
	ListenPort int
}

const contextKeyRequestID = "_layercache_request_id"

// NewApp builds a Fiber application with layer routes and structured error
// handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("layer handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	app.Get("/layer/:id", opts.Handler.HandleGetLayer)
	app.Head("/layer/:id", opts.Handler.HandleGetLayer)
	app.Post("/internal/populate/:id", opts.Handler.HandlePopulate)

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID，写入响应头并存入 Locals，
// 供 handler 的结果日志引用。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
