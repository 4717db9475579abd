package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/bdemchak/jupyter-bridge/internal/bridge"
	"github.com/bdemchak/jupyter-bridge/internal/config"
	"github.com/bdemchak/jupyter-bridge/internal/store"
	"github.com/bdemchak/jupyter-bridge/internal/version"
)

var padding = strings.Repeat(" ", 1500)

// newTestServer stands up the full HTTP surface over an in-memory store with
// millisecond cadences so long-poll tests stay fast.
func newTestServer(t *testing.T, opts ...func(*config.Config)) (*httptest.Server, store.Store) {
	t.Helper()

	cfg := &config.Config{
		Addr:               "127.0.0.1:0",
		DequeueTimeoutSecs: 0.2,
		FastPollSecs:       0.005,
		SlowPollSecs:       0.05,
		AllowedFastPolls:   10,
		ExpireSecs:         3600,
		PadMessages:        true,
		LogLevel:           "info",
		LogFormat:          "json",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	mem := store.NewMemory()
	logger := zerolog.Nop()
	recorder := bridge.NewRecorder(mem)
	engine := bridge.NewEngine(mem, recorder, logger, bridge.Config{
		DequeueTimeout: cfg.DequeueTimeout(),
		FastPoll:       cfg.FastPoll(),
		SlowPoll:       cfg.SlowPoll(),
		MaxFastPolls:   cfg.AllowedFastPolls,
		SlotTTLSecs:    cfg.ExpireSecs,
	})

	srv := NewServer(cfg, logger, engine, recorder, mem, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, mem
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return string(body)
}

func TestPing(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	require.Equal(t, "pong "+version.String, readBody(t, resp))
}

func TestPingRejectsPost(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/ping", "text/plain", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestPreflight(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/queue_request?channel=c1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestHappyRequestReplyRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/queue_request?channel=c1", "application/json", strings.NewReader(`{"op":"ping"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, readBody(t, resp))

	resp, err = http.Get(ts.URL + "/dequeue_request?channel=c1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "application/json")
	require.Equal(t, `{"op":"ping"}`+padding, readBody(t, resp))

	resp, err = http.Post(ts.URL+"/queue_reply?channel=c1", "text/plain", strings.NewReader("OK"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, readBody(t, resp))

	resp, err = http.Get(ts.URL + "/dequeue_reply?channel=c1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "OK"+padding, readBody(t, resp))
}

func TestStrandedReplyClearedBeforeNewRequest(t *testing.T) {
	ts, mem := newTestServer(t)
	ctx := context.Background()

	resp, err := http.Post(ts.URL+"/queue_reply?channel=c2", "text/plain", strings.NewReader("stale"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(ts.URL+"/queue_request?channel=c2", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	_, ok, err := mem.GetField(ctx, "c2:reply", "message")
	require.NoError(t, err)
	require.False(t, ok, "stranded reply must be discarded")

	message, ok, err := mem.GetField(ctx, "c2:request", "message")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "{}", message)
}

func TestRedundantReaderGets429(t *testing.T) {
	ts, mem := newTestServer(t)

	type result struct {
		status int
		body   string
	}
	firstCh := make(chan result, 1)
	go func() {
		resp, err := http.Get(ts.URL + "/dequeue_request?channel=c3")
		if err != nil {
			firstCh <- result{status: -1}
			return
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		firstCh <- result{status: resp.StatusCode, body: string(body)}
	}()

	// Give the first poller time to claim the slot.
	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get(ts.URL + "/dequeue_request?channel=c3")
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Empty(t, readBody(t, resp))

	first := <-firstCh
	require.Equal(t, http.StatusRequestTimeout, first.status)
	require.Empty(t, first.body)

	busy, _, err := mem.GetField(context.Background(), "c3:request", "dequeue_busy")
	require.NoError(t, err)
	require.Equal(t, "idle", busy)
}

func TestDequeueTimeout408(t *testing.T) {
	ts, _ := newTestServer(t)

	start := time.Now()
	resp, err := http.Get(ts.URL + "/dequeue_reply?channel=nobody")
	require.NoError(t, err)
	require.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	require.Empty(t, readBody(t, resp))
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestResetDiscardsPendingMessage(t *testing.T) {
	ts, mem := newTestServer(t)

	resp, err := http.Post(ts.URL+"/queue_request?channel=c7", "application/json", strings.NewReader(`{"x":1}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/dequeue_request?channel=c7&reset")
	require.NoError(t, err)
	require.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	resp.Body.Close()

	_, ok, err := mem.GetField(context.Background(), "c7:request", "message")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSlotOccupied500(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/queue_reply?channel=c5", "text/plain", strings.NewReader("A"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(ts.URL+"/queue_reply?channel=c5", "text/plain", strings.NewReader("B"))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "Channel c5:reply contains unprocessed message", readBody(t, resp))

	// The original message is still deliverable.
	resp, err = http.Get(ts.URL + "/dequeue_reply?channel=c5")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "A"+padding, readBody(t, resp))
}

func TestMissingChannel(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/queue_request", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "Channel is missing in parameter list", readBody(t, resp))

	resp, err = http.Get(ts.URL + "/dequeue_reply")
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "Channel is missing in parameter list", readBody(t, resp))
}

func TestWrongMediaType(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/queue_request?channel=x", "text/plain", strings.NewReader("{}"))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "Payload must be application/json", readBody(t, resp))

	resp, err = http.Post(ts.URL+"/queue_reply?channel=x", "application/json", strings.NewReader("hi"))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "Payload must be text/plain", readBody(t, resp))
}

func TestMediaTypeAllowsCharsetSuffix(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/queue_reply?channel=cs", "text/plain; charset=utf-8", strings.NewReader("hi"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestStatsCSV(t *testing.T) {
	ts, _ := newTestServer(t)

	r1 := `{"n":1}`
	r2 := `{"nn":22}`
	reply := "hello"

	resp, err := http.Post(ts.URL+"/queue_request?channel=a", "application/json", strings.NewReader(r1))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(ts.URL+"/queue_request?channel=b", "application/json", strings.NewReader(r2))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(ts.URL+"/queue_reply?channel=a", "text/plain", strings.NewReader(reply))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/csv")
	require.Contains(t, resp.Header.Get("Content-Disposition"), "jupyter-bridge.csv")

	body := readBody(t, resp)
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	require.Equal(t, "date,count(request),request bytes,count(reply),reply bytes", lines[0])

	today := time.Now().Format("2006-01-02")
	want := fmt.Sprintf("%s,2,%d,1,%d", today, len(r1)+len(r2), len(reply))
	require.Contains(t, lines[1:], want)
}

func TestPaddingDisabled(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.PadMessages = false
	})

	resp, err := http.Post(ts.URL+"/queue_reply?channel=c1", "text/plain", strings.NewReader("OK"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/dequeue_reply?channel=c1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "OK", readBody(t, resp))
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()

	require.Equal(t, "healthy", health["status"])
	require.Equal(t, version.String, health["version"])
	require.Equal(t, "ok", health["store"])
}

type deadStore struct {
	store.Store
}

func (deadStore) Ping(context.Context) error {
	return fmt.Errorf("connection refused")
}

func TestHealthDegradedWhenStoreDown(t *testing.T) {
	cfg := &config.Config{
		Addr:               "127.0.0.1:0",
		DequeueTimeoutSecs: 0.2,
		FastPollSecs:       0.005,
		SlowPollSecs:       0.05,
		AllowedFastPolls:   10,
		ExpireSecs:         3600,
	}
	mem := store.NewMemory()
	dead := deadStore{Store: mem}
	logger := zerolog.Nop()
	recorder := bridge.NewRecorder(dead)
	engine := bridge.NewEngine(dead, recorder, logger, bridge.Config{
		DequeueTimeout: cfg.DequeueTimeout(),
		FastPoll:       cfg.FastPoll(),
		SlowPoll:       cfg.SlowPoll(),
		MaxFastPolls:   cfg.AllowedFastPolls,
		SlotTTLSecs:    cfg.ExpireSecs,
	})
	srv := NewServer(cfg, logger, engine, recorder, dead, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	require.Equal(t, "unhealthy", health["status"])
}

func TestRateLimiterRejectsBurst(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimitEnabled = true
		cfg.RateLimitIPRate = 1
		cfg.RateLimitIPBurst = 2
		cfg.RateLimitGlobalRate = 1000
		cfg.RateLimitGlobalBurst = 1000
	})

	for i := 0; i < 2; i++ {
		resp, err := http.Get(ts.URL + "/ping")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.RemoteAddr = "10.0.0.9:4321"
	require.Equal(t, "10.0.0.9", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	require.Equal(t, "203.0.113.7", clientIP(r))
}
