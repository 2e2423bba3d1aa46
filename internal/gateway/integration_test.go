package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/crosslogic/metering-agent/internal/billing"
	"github.com/crosslogic/metering-agent/internal/gateway"
	"github.com/crosslogic/metering-agent/internal/meter"
	"github.com/crosslogic/metering-agent/internal/notifications"
	"github.com/crosslogic/metering-agent/internal/store"
	"github.com/crosslogic/metering-agent/pkg/cache"
	"github.com/crosslogic/metering-agent/pkg/events"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// fakeStripe accepts usage records for si_requests and can be switched to
// reject them.
type fakeStripe struct {
	mu        sync.Mutex
	reported  int64
	rejecting bool
}

func (f *fakeStripe) reject(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejecting = v
}

func (f *fakeStripe) total() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reported
}

func (f *fakeStripe) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v1/subscription_items/si_requests":
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "si_requests", "object": "subscription_item"})
	case r.Method == http.MethodPost && r.URL.Path == "/v1/subscription_items/si_requests/usage_records":
		if f.rejecting {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{
					"code":    "rate_limit",
					"message": "Too many requests",
					"type":    "invalid_request_error",
				},
			})
			return
		}
		_ = r.ParseForm()
		q, _ := strconv.ParseInt(r.PostForm.Get("quantity"), 10, 64)
		f.reported += q
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "mbur_" + strconv.FormatInt(f.reported, 10), "object": "usage_record"})
	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": "resource_missing", "message": "not found", "type": "invalid_request_error"},
		})
	}
}

type hookReceiver struct {
	mu     sync.Mutex
	events []notifications.WebhookPayload
}

func (h *hookReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var p notifications.WebhookPayload
	if err := json.Unmarshal(body, &p); err == nil {
		h.mu.Lock()
		h.events = append(h.events, p)
		h.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *hookReceiver) targets() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, e := range h.events {
		if e.Level != "" {
			out = append(out, e.Level)
		}
	}
	return out
}

// TestMeteringEndToEnd drives the product through the HTTP API with a Redis
// counter store, the Stripe transport and webhook notifications.
func TestMeteringEndToEnd(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	stripeSrv := &fakeStripe{}
	stripeHTTP := httptest.NewServer(stripeSrv)
	defer stripeHTTP.Close()

	hooks := &hookReceiver{}
	hookHTTP := httptest.NewServer(hooks)
	defer hookHTTP.Close()

	mr := miniredis.RunT(t)
	redisCache := cache.FromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	dims := store.NewRedis(redisCache, "metering:dimension")
	defer dims.Close()

	// Deliveries finish on their own goroutines, possibly after the test.
	quiet := zap.NewNop()
	bus := events.NewBus(quiet)
	notifier := notifications.NewService(&notifications.Config{
		Enabled:          true,
		WebhookEnabled:   true,
		WebhookURL:       hookHTTP.URL,
		WebhookMethod:    http.MethodPost,
		MaxRetries:       1,
		RetryBackoffBase: 10 * time.Millisecond,
		RetryQueueSize:   10,
		RetryWorkers:     1,
		DeliveryTimeout:  5 * time.Second,
		DedupTTL:         time.Hour,
	}, redisCache, quiet, bus)
	require.NoError(t, notifier.Start(ctx))
	defer notifier.Stop(ctx)

	mClock := quartz.NewMock(t)
	mClock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	submitter := meter.NewStripe(meter.StripeConfig{
		SecretKey:         "sk_test_123",
		APIURL:            stripeHTTP.URL,
		SubscriptionItems: map[string]string{"Requests": "si_requests"},
	}, logger)

	engine, err := billing.NewEngine(dims, submitter, logger, billing.Config{
		Dimensions: []string{"Requests"},
		Thresholds: billing.Thresholds{Interval: time.Minute, MaxIntervalsWarning: 1, MaxIntervalsStop: 3},
		Version:    "2.0.0",
		Location:   time.UTC,
	}, billing.WithClock(mClock), billing.WithEventBus(bus))
	require.NoError(t, err)
	require.NoError(t, engine.Init(ctx))

	ts := httptest.NewServer(gateway.NewGateway(engine, logger, gateway.Options{}))
	defer ts.Close()

	get := func(path string) (int, map[string]any) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	for i := 0; i < 4; i++ {
		code, _ := get("/v1/product")
		require.Equal(t, http.StatusOK, code)
	}
	resp, err := http.Post(ts.URL+"/v1/usage/Requests", "application/json", strings.NewReader(`{"quantity": 6}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The first cycle runs as soon as the loop starts.
	trap := mClock.Trap().TickerFunc("billing", "flush")
	require.NoError(t, engine.Start(ctx))
	defer engine.Close()
	trap.MustWait(ctx).MustRelease(ctx)
	trap.Close()
	assert.Equal(t, int64(10), stripeSrv.total())

	_, status := get("/metering/status")
	consumption := status["consumption"].(map[string]any)["dimensions"].([]any)
	require.Len(t, consumption, 1)
	assert.EqualValues(t, 0, consumption[0].(map[string]any)["quantity"])

	// Stripe starts rejecting; usage is kept and the product degrades.
	stripeSrv.reject(true)
	_, _ = get("/v1/product")
	mClock.Advance(time.Minute).MustWait(ctx)

	code, body := get("/v1/product")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "warning")
	assert.Equal(t, int64(10), stripeSrv.total())

	_, status = get("/metering/status")
	state := status["state"].(map[string]any)
	assert.Equal(t, "warning", state["type"])
	assert.Contains(t, state["details"], "rate_limit: Too many requests [usageDimension: Requests]")

	// Recovery sends everything that was held back.
	stripeSrv.reject(false)
	mClock.Advance(time.Minute).MustWait(ctx)
	assert.Equal(t, int64(12), stripeSrv.total())
	assert.Equal(t, billing.LevelNormal, engine.Level())

	require.Eventually(t, func() bool {
		targets := hooks.targets()
		return len(targets) == 2 && assert.ElementsMatch(t, []string{"warning", "normal"}, targets)
	}, 5*time.Second, 10*time.Millisecond)
}
