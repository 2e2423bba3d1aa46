package notifications

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/metering-agent/pkg/cache"
	"github.com/crosslogic/metering-agent/pkg/events"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type receiver struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	failures atomic.Int32
}

func (r *receiver) handler(w http.ResponseWriter, req *http.Request) {
	if r.failures.Load() > 0 {
		r.failures.Add(-1)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	body, _ := io.ReadAll(req.Body)
	r.mu.Lock()
	r.bodies = append(r.bodies, body)
	r.headers = append(r.headers, req.Header.Clone())
	r.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func webhookConfig(url string) *Config {
	return &Config{
		Enabled:          true,
		WebhookEnabled:   true,
		WebhookURL:       url,
		WebhookSecret:    "s3cret",
		WebhookMethod:    http.MethodPost,
		MaxRetries:       3,
		RetryBackoffBase: 10 * time.Millisecond,
		RetryQueueSize:   10,
		RetryWorkers:     1,
		DeliveryTimeout:  5 * time.Second,
		DedupTTL:         time.Hour,
	}
}

func healthEvent() events.Event {
	return events.NewEvent(events.EventHealthChanged, time.Unix(1700000000, 0), map[string]interface{}{
		"from": "normal",
		"to":   "warning",
		"state": map[string]interface{}{
			"type":    "warning",
			"value":   true,
			"details": []interface{}{"ThrottlingException: Rate exceeded [usageDimension: Requests]"},
		},
	})
}

func startService(t *testing.T, cfg *Config, c *cache.Cache) (*Service, *events.Bus) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus := events.NewBus(logger)
	svc := NewService(cfg, c, logger, bus)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() {
		_ = svc.Stop(context.Background())
		cancel()
	})
	return svc, bus
}

func TestWebhookDeliverySigned(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(http.HandlerFunc(rcv.handler))
	defer srv.Close()

	_, bus := startService(t, webhookConfig(srv.URL), nil)
	event := healthEvent()
	require.NoError(t, bus.PublishAndWait(context.Background(), event))

	require.Equal(t, 1, rcv.count())
	body, header := rcv.bodies[0], rcv.headers[0]
	assert.True(t, VerifySignature(body, header.Get("X-Metering-Signature"), "s3cret"))
	assert.False(t, VerifySignature(body, header.Get("X-Metering-Signature"), "other"))
	assert.False(t, VerifySignature(append(body, ' '), header.Get("X-Metering-Signature"), "s3cret"))
	assert.Equal(t, event.ID, header.Get("X-Metering-Event-ID"))

	var payload WebhookPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, WebhookPayload{
		EventID:       event.ID,
		EventType:     "metering.health_changed",
		OccurredAt:    "2023-11-14T22:13:20Z",
		Level:         "warning",
		PreviousLevel: "normal",
		Details:       []string{"ThrottlingException: Rate exceeded [usageDimension: Requests]"},
	}, payload)
}

func TestWebhookPayloadForFlushFailure(t *testing.T) {
	event := events.NewEvent(events.EventFlushFailed, time.Unix(1700000000, 0), map[string]interface{}{
		"error": "list dimensions: store unavailable",
	})

	p := newWebhookPayload(event)
	assert.Equal(t, "metering.flush_failed", p.EventType)
	assert.Equal(t, "list dimensions: store unavailable", p.Error)
	assert.Empty(t, p.Level)
	assert.Empty(t, p.Details)
}

func TestVerifySignatureRejectsMalformedHeader(t *testing.T) {
	body := []byte(`{"event_id":"e1"}`)
	assert.True(t, VerifySignature(body, sign(body, "s3cret", 1700000000), "s3cret"))

	for _, header := range []string{"", "v1=abc", "t=x,v1=abc", "t=1700000000", "garbage"} {
		assert.False(t, VerifySignature(body, header, "s3cret"), header)
	}
}

func TestDuplicateEventsDeliveredOnce(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(http.HandlerFunc(rcv.handler))
	defer srv.Close()

	_, bus := startService(t, webhookConfig(srv.URL), nil)
	event := healthEvent()
	require.NoError(t, bus.PublishAndWait(context.Background(), event))
	require.NoError(t, bus.PublishAndWait(context.Background(), event))

	assert.Equal(t, 1, rcv.count())
}

func TestDuplicateEventsWithRedis(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(http.HandlerFunc(rcv.handler))
	defer srv.Close()

	mr := miniredis.RunT(t)
	c := cache.FromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer c.Close()

	_, bus := startService(t, webhookConfig(srv.URL), c)
	event := healthEvent()
	require.NoError(t, bus.PublishAndWait(context.Background(), event))
	require.NoError(t, bus.PublishAndWait(context.Background(), event))

	assert.Equal(t, 1, rcv.count())
	assert.True(t, mr.Exists("notification:processed:"+event.ID))
}

func TestFailedDeliveryIsRetried(t *testing.T) {
	rcv := &receiver{}
	rcv.failures.Store(2)
	srv := httptest.NewServer(http.HandlerFunc(rcv.handler))
	defer srv.Close()

	retriesBefore := testutil.ToFloat64(retriesTotal.WithLabelValues(ChannelWebhook))
	failedBefore := testutil.ToFloat64(deliveriesTotal.WithLabelValues(ChannelWebhook, "metering.health_changed", "failed"))

	_, bus := startService(t, webhookConfig(srv.URL), nil)
	require.NoError(t, bus.PublishAndWait(context.Background(), healthEvent()))

	require.Eventually(t, func() bool { return rcv.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, retriesBefore+2, testutil.ToFloat64(retriesTotal.WithLabelValues(ChannelWebhook)))
	assert.Equal(t, failedBefore+2,
		testutil.ToFloat64(deliveriesTotal.WithLabelValues(ChannelWebhook, "metering.health_changed", "failed")))
}

func TestDeliveryDroppedAfterMaxRetries(t *testing.T) {
	rcv := &receiver{}
	rcv.failures.Store(100)
	srv := httptest.NewServer(http.HandlerFunc(rcv.handler))
	defer srv.Close()

	cfg := webhookConfig(srv.URL)
	cfg.MaxRetries = 1
	dropped := droppedTotal.WithLabelValues(ChannelWebhook, dropMaxRetries)
	before := testutil.ToFloat64(dropped)

	_, bus := startService(t, cfg, nil)
	require.NoError(t, bus.PublishAndWait(context.Background(), healthEvent()))

	require.Eventually(t, func() bool { return testutil.ToFloat64(dropped) == before+1 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, rcv.count())
}

func TestDisabledServiceIgnoresEvents(t *testing.T) {
	rcv := &receiver{}
	srv := httptest.NewServer(http.HandlerFunc(rcv.handler))
	defer srv.Close()

	cfg := webhookConfig(srv.URL)
	cfg.Enabled = false
	_, bus := startService(t, cfg, nil)
	require.NoError(t, bus.PublishAndWait(context.Background(), healthEvent()))

	assert.Zero(t, rcv.count())
}

func TestSlackFormatsHealthChange(t *testing.T) {
	var got SlackWebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	slack := NewSlackAdapter(srv.URL, "#metering", zaptest.NewLogger(t))
	require.NoError(t, slack.Send(context.Background(), healthEvent()))

	assert.Equal(t, "#metering", got.Channel)
	require.NotEmpty(t, got.Blocks)
	assert.Equal(t, "⚠️ Metering degraded", got.Blocks[0].Text.Text)

	var text []string
	for _, b := range got.Blocks {
		if b.Text != nil {
			text = append(text, b.Text.Text)
		}
	}
	assert.Contains(t, strings.Join(text, "\n"), "ThrottlingException: Rate exceeded [usageDimension: Requests]")
}

func TestConfigValidate(t *testing.T) {
	cfg := webhookConfig("http://example.invalid/hook")
	assert.NoError(t, cfg.Validate())

	cfg.WebhookMethod = "GET"
	assert.Error(t, cfg.Validate())

	cfg = webhookConfig("")
	assert.Error(t, cfg.Validate())

	cfg = &Config{Enabled: true}
	assert.EqualError(t, cfg.Validate(), "no notification channels enabled")

	assert.NoError(t, (&Config{}).Validate())
}

func TestGetChannelsForEvent(t *testing.T) {
	cfg := &Config{
		SlackEnabled:   true,
		WebhookEnabled: true,
		EventRouting:   map[string][]string{"metering.flush_failed": {ChannelWebhook}},
	}
	assert.Equal(t, []string{ChannelSlack, ChannelWebhook}, cfg.GetChannelsForEvent("metering.health_changed"))
	assert.Equal(t, []string{ChannelWebhook}, cfg.GetChannelsForEvent("metering.flush_failed"))
}
