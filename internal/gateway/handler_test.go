package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/layer-cache/layer-cache/internal/objectid"
	"github.com/layer-cache/layer-cache/internal/origin"
	"github.com/layer-cache/layer-cache/internal/server"
	"github.com/layer-cache/layer-cache/internal/tier"
)

var gatewayTestID = objectid.MustParse("abc" + strings.Repeat("0", 37))

// fakePopulator 模拟协调器：EnsurePresent 要么按脚本报错，要么把
// payload 写进 Durable 层，逼近真实填充后的可见性。
type fakePopulator struct {
	mu        sync.Mutex
	durable   tier.Tier
	payload   []byte
	ensureErr error
	noWrite   bool
	ensures   int
	promoted  []objectid.ID
}

func (f *fakePopulator) EnsurePresent(ctx context.Context, id objectid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	if f.ensureErr != nil {
		return f.ensureErr
	}
	if f.noWrite {
		return nil
	}
	_, err := f.durable.Put(ctx, id, f.payload)
	return err
}

func (f *fakePopulator) Promote(id objectid.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promoted = append(f.promoted, id)
}

func (f *fakePopulator) ensureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensures
}

func (f *fakePopulator) promoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.promoted)
}

type gatewayFixture struct {
	app     *fiber.App
	fast    tier.Tier
	durable tier.Tier
	coord   *fakePopulator
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	fast, err := tier.Open("fast", tier.Options{Backend: "memory", MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("open fast tier: %v", err)
	}
	durable, err := tier.Open("durable", tier.Options{Backend: "fs", Path: t.TempDir()})
	if err != nil {
		t.Fatalf("open durable tier: %v", err)
	}
	t.Cleanup(func() {
		fast.Close()
		durable.Close()
	})

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	coord := &fakePopulator{durable: durable, payload: []byte("fetched layer")}
	handler := NewHandler(fast, durable, coord, logger, nil)

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Handler:    handler,
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("failed to create app: %v", err)
	}

	return &gatewayFixture{app: app, fast: fast, durable: durable, coord: coord}
}

func getLayer(t *testing.T, fx *gatewayFixture, method, id string) (int, []byte, map[string]string) {
	t.Helper()

	req := httptest.NewRequest(method, "http://cache.local/layer/"+id, nil)
	resp, err := fx.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	headers := map[string]string{
		"tier":           resp.Header.Get("X-Layer-Cache-Tier"),
		"request_id":     resp.Header.Get("X-Request-ID"),
		"content_length": resp.Header.Get("Content-Length"),
	}
	return resp.StatusCode, body, headers
}

func TestGetLayerRejectsMalformedID(t *testing.T) {
	fx := newGatewayFixture(t)

	status, body, _ := getLayer(t, fx, "GET", "not-a-layer-id")
	if status != fiber.StatusBadRequest {
		t.Fatalf("expected 400 status, got %d", status)
	}
	if !bytes.Contains(body, []byte(`"invalid_layer_id"`)) {
		t.Fatalf("expected invalid_layer_id error, got %s", string(body))
	}
	if fx.coord.ensureCount() != 0 {
		t.Fatalf("malformed id must not trigger population")
	}
}

func TestGetLayerServesFromFastTier(t *testing.T) {
	fx := newGatewayFixture(t)
	if _, err := fx.fast.Put(context.Background(), gatewayTestID, []byte("hot bytes")); err != nil {
		t.Fatalf("seed fast tier: %v", err)
	}

	status, body, headers := getLayer(t, fx, "GET", gatewayTestID.String())
	if status != fiber.StatusOK {
		t.Fatalf("expected 200 status, got %d (body=%s)", status, string(body))
	}
	if !bytes.Equal(body, []byte("hot bytes")) {
		t.Fatalf("body mismatch: %q", body)
	}
	if headers["tier"] != "fast" {
		t.Fatalf("expected fast tier header, got %s", headers["tier"])
	}
	if headers["request_id"] == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if fx.coord.ensureCount() != 0 {
		t.Fatalf("fast hit must not trigger population")
	}
	if fx.coord.promoteCount() != 0 {
		t.Fatalf("fast hit must not trigger promotion")
	}
}

func TestGetLayerServesFromDurableAndPromotes(t *testing.T) {
	fx := newGatewayFixture(t)
	if _, err := fx.durable.Put(context.Background(), gatewayTestID, []byte("warm bytes")); err != nil {
		t.Fatalf("seed durable tier: %v", err)
	}

	status, body, headers := getLayer(t, fx, "GET", gatewayTestID.String())
	if status != fiber.StatusOK {
		t.Fatalf("expected 200 status, got %d", status)
	}
	if !bytes.Equal(body, []byte("warm bytes")) {
		t.Fatalf("body mismatch: %q", body)
	}
	if headers["tier"] != "durable" {
		t.Fatalf("expected durable tier header, got %s", headers["tier"])
	}
	if fx.coord.ensureCount() != 0 {
		t.Fatalf("durable hit must not trigger population")
	}
	if fx.coord.promoteCount() != 1 {
		t.Fatalf("durable hit should schedule one promotion, got %d", fx.coord.promoteCount())
	}
}

func TestGetLayerPopulatesOnFullMiss(t *testing.T) {
	fx := newGatewayFixture(t)

	status, body, headers := getLayer(t, fx, "GET", gatewayTestID.String())
	if status != fiber.StatusOK {
		t.Fatalf("expected 200 status after populate, got %d (body=%s)", status, string(body))
	}
	if !bytes.Equal(body, []byte("fetched layer")) {
		t.Fatalf("body mismatch: %q", body)
	}
	if headers["tier"] != "durable" {
		t.Fatalf("populated read should come from durable, got %s", headers["tier"])
	}
	if fx.coord.ensureCount() != 1 {
		t.Fatalf("expected exactly one populate call, got %d", fx.coord.ensureCount())
	}
}

func TestGetLayerAnswersNotFoundWhenRetryStillMisses(t *testing.T) {
	fx := newGatewayFixture(t)
	fx.coord.noWrite = true

	status, body, _ := getLayer(t, fx, "GET", gatewayTestID.String())
	if status != fiber.StatusNotFound {
		t.Fatalf("durable retry miss should answer 404, got %d", status)
	}
	if !bytes.Contains(body, []byte(`"layer_not_found"`)) {
		t.Fatalf("expected layer_not_found error, got %s", string(body))
	}
	if fx.coord.ensureCount() != 1 {
		t.Fatalf("expected exactly one populate call, got %d", fx.coord.ensureCount())
	}
}

func TestGetLayerMapsPopulateErrors(t *testing.T) {
	cases := map[string]struct {
		err    error
		status int
		code   string
	}{
		"upstream_missing": {origin.ErrUpstreamNotFound, fiber.StatusNotFound, "layer_not_found"},
		"origin_down":      {&origin.TransientError{Err: errors.New("dial refused")}, fiber.StatusBadGateway, "origin_unavailable"},
		"corruption":       {tier.ErrCorruption, fiber.StatusBadGateway, "corruption_detected"},
	}

	for name, tc := range cases {
		fx := newGatewayFixture(t)
		fx.coord.ensureErr = tc.err

		status, body, _ := getLayer(t, fx, "GET", gatewayTestID.String())
		if status != tc.status {
			t.Fatalf("%s: expected %d status, got %d", name, tc.status, status)
		}
		if !bytes.Contains(body, []byte(tc.code)) {
			t.Fatalf("%s: expected %s error, got %s", name, tc.code, string(body))
		}
	}
}

func TestHeadLayerReturnsHeadersWithoutBody(t *testing.T) {
	fx := newGatewayFixture(t)
	payload := []byte("head payload")
	if _, err := fx.fast.Put(context.Background(), gatewayTestID, payload); err != nil {
		t.Fatalf("seed fast tier: %v", err)
	}

	status, body, headers := getLayer(t, fx, "HEAD", gatewayTestID.String())
	if status != fiber.StatusOK {
		t.Fatalf("expected 200 status, got %d", status)
	}
	if len(body) != 0 {
		t.Fatalf("HEAD response must not carry a body, got %q", body)
	}
	if headers["content_length"] != strconv.Itoa(len(payload)) {
		t.Fatalf("content length mismatch: %s", headers["content_length"])
	}
	if headers["tier"] != "fast" {
		t.Fatalf("expected fast tier header, got %s", headers["tier"])
	}
}

func TestHandlePopulateEnsuresPresence(t *testing.T) {
	fx := newGatewayFixture(t)

	req := httptest.NewRequest("POST", "http://cache.local/internal/populate/"+gatewayTestID.String(), nil)
	resp, err := fx.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200 status, got %d (body=%s)", resp.StatusCode, string(body))
	}

	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`"populated":true`)) {
		t.Fatalf("expected populated flag, got %s", string(body))
	}
	if fx.coord.ensureCount() != 1 {
		t.Fatalf("expected one populate call, got %d", fx.coord.ensureCount())
	}
	if _, err := fx.durable.Get(context.Background(), gatewayTestID); err != nil {
		t.Fatalf("populate should leave the object in durable: %v", err)
	}
}

func TestHandlePopulateRejectsMalformedID(t *testing.T) {
	fx := newGatewayFixture(t)

	req := httptest.NewRequest("POST", "http://cache.local/internal/populate/oops", nil)
	resp, err := fx.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("expected 400 status, got %d", resp.StatusCode)
	}
}

func TestHandlePopulateMapsUpstreamMissing(t *testing.T) {
	fx := newGatewayFixture(t)
	fx.coord.ensureErr = origin.ErrUpstreamNotFound

	req := httptest.NewRequest("POST", "http://cache.local/internal/populate/"+gatewayTestID.String(), nil)
	resp, err := fx.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404 status, got %d", resp.StatusCode)
	}
}
