package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Configuration
type Config struct {
	BridgeURL         string
	TargetChannels    int
	RampRate          int // channels per second
	SustainSec        int
	ReportIntervalSec int
	HealthCheckSec    int
	PayloadBytes      int
	ThinkTimeMs       int // kernel-side pause between round trips
	RequestTimeoutMs  int // must exceed the server's dequeue long-poll
	ChannelPrefix     string
}

// State tracks test metrics
type State struct {
	// Channel tracking
	activeChannels  int64
	startedChannels int64

	// Round-trip metrics
	requestsPosted int64
	repliesPosted  int64
	roundTrips     int64
	latencyNanos   int64

	// Protocol outcomes
	timeouts         int64 // 408 on a long poll
	redundantReaders int64 // 429, second reader on a slot
	slotConflicts    int64 // enqueue onto an occupied slot
	mismatches       int64 // reply bytes differ from the request echoed
	lostReplies      int64 // reply never arrived within the poll budget
	errors           int64
	errorKinds       sync.Map // map[string]*int64

	// Health monitoring
	lastHealth *HealthResponse

	// Timing
	startTime        time.Time
	rampStartTime    time.Time
	sustainStartTime time.Time
	phase            string // "ramping", "sustaining", "completed"

	mu sync.RWMutex
}

// HealthResponse from the bridge /health endpoint
type HealthResponse struct {
	Status     string  `json:"status"`
	Version    string  `json:"version"`
	UptimeSec  int     `json:"uptime_sec"`
	Goroutines int     `json:"goroutines"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	Store      string  `json:"store"`
}

// Channel drives one rendezvous channel with both peers simulated: a kernel
// pump posting requests and collecting replies, and a browser pump collecting
// requests and echoing them back as replies.
type Channel struct {
	id     int
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	seq    int64
}

var (
	state      *State
	config     *Config
	httpClient *http.Client
)

// replyPollBudget bounds how many long polls the kernel pump spends waiting
// for one reply before writing it off and moving on.
const replyPollBudget = 5

func main() {
	config = parseFlags()

	state = &State{
		startTime:     time.Now(),
		rampStartTime: time.Now(),
		phase:         "ramping",
	}

	httpClient = newHTTPClient()

	log.Printf("%s", "\n"+strings.Repeat("=", 80))
	log.Printf("🧪 BRIDGE ROUND-TRIP LOAD TEST")
	log.Printf("%s", strings.Repeat("=", 80))

	testMode := "📊 STEADY LOAD TEST"
	testModeDesc := fmt.Sprintf("Paced round trips (%dms between trips)", config.ThinkTimeMs)
	if config.ThinkTimeMs == 0 {
		testMode = "⚡ SATURATION TEST"
		testModeDesc = "Back-to-back round trips, no think time"
	}

	log.Printf("\n%s", testMode)
	log.Printf("   %s", testModeDesc)
	log.Printf("\n📋 Configuration:")
	log.Printf("   Channels:     %d", config.TargetChannels)
	log.Printf("   Ramp Rate:    %d channels/sec", config.RampRate)
	log.Printf("   Sustain:      %ds (%d minutes)", config.SustainSec, config.SustainSec/60)
	log.Printf("   Payload:      %d bytes", config.PayloadBytes)
	log.Printf("   HTTP Timeout: %dms (must outlast the server long poll)", config.RequestTimeoutMs)
	log.Printf("   Server:       %s", config.BridgeURL)

	log.Printf("%s", "\n"+strings.Repeat("=", 80)+"\n")

	log.Printf("🏥 Performing initial health check...")
	if err := checkServerHealth(); err != nil {
		log.Fatalf("❌ Server health check failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Printf("\n🛑 Received shutdown signal, gracefully shutting down...")
		cancel()
	}()

	go periodicHealthChecks(ctx)
	go periodicReports(ctx)

	if err := rampUpChannels(ctx); err != nil {
		log.Fatalf("❌ Ramp-up failed: %v", err)
	}

	if state.phase == "sustaining" {
		select {
		case <-time.After(time.Duration(config.SustainSec) * time.Second):
			state.phase = "completed"
		case <-ctx.Done():
			log.Printf("⚠️  Sustain phase interrupted")
		}
	}

	cancel()

	log.Printf("\n✅ Test completed!")
	printReport()

	log.Printf("🎉 Bridge load test finished!")
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.BridgeURL, "url", getEnv("BRIDGE_URL", "http://localhost:5000"), "Bridge server base URL")
	flag.IntVar(&cfg.TargetChannels, "channels", getEnvInt("CHANNELS", 50), "Number of concurrent channels")
	flag.IntVar(&cfg.RampRate, "ramp-rate", getEnvInt("RAMP_RATE", 10), "Channels started per second during ramp-up")
	flag.IntVar(&cfg.SustainSec, "duration", getEnvInt("DURATION", 300), "Sustain duration in seconds")
	flag.IntVar(&cfg.ReportIntervalSec, "report-interval", 10, "Report interval in seconds")
	flag.IntVar(&cfg.HealthCheckSec, "health-interval", 5, "Health check interval in seconds")
	flag.IntVar(&cfg.PayloadBytes, "payload-bytes", getEnvInt("PAYLOAD_BYTES", 256), "Approximate request payload size")
	flag.IntVar(&cfg.ThinkTimeMs, "think-time", getEnvInt("THINK_TIME_MS", 100), "Kernel pause between round trips in milliseconds (0 = saturate)")
	flag.IntVar(&cfg.RequestTimeoutMs, "request-timeout", getEnvInt("REQUEST_TIMEOUT_MS", 20000), "HTTP client timeout in milliseconds")
	flag.StringVar(&cfg.ChannelPrefix, "channel-prefix", getEnv("CHANNEL_PREFIX", "loadtest"), "Channel name prefix")

	flag.Parse()

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func newHTTPClient() *http.Client {
	// The default transport keeps 2 idle conns per host, which thrashes
	// sockets once hundreds of long polls hit one server. TCP keep-alive
	// prevents cloud load balancers from dropping idle polls.
	return &http.Client{
		Timeout: time.Duration(config.RequestTimeoutMs) * time.Millisecond,
		Transport: &http.Transport{
			MaxIdleConns:        config.TargetChannels * 2,
			MaxIdleConnsPerHost: config.TargetChannels * 2,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		},
	}
}

func rampUpChannels(ctx context.Context) error {
	log.Printf("🚀 Starting ramp-up: %d channels at %d/sec", config.TargetChannels, config.RampRate)

	batchSize := max(config.RampRate/10, 1) // 10 batches per second
	batchInterval := 100 * time.Millisecond

	ticker := time.NewTicker(batchInterval)
	defer ticker.Stop()

	channelID := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if atomic.LoadInt64(&state.startedChannels) >= int64(config.TargetChannels) {
				state.phase = "sustaining"
				state.sustainStartTime = time.Now()
				log.Printf("✅ Ramp-up complete! %d channels running", atomic.LoadInt64(&state.activeChannels))
				log.Printf("🔒 Sustaining load for %ds...", config.SustainSec)
				return nil
			}

			for i := 0; i < batchSize && atomic.LoadInt64(&state.startedChannels) < int64(config.TargetChannels); i++ {
				ch := NewChannel(channelID, ctx)
				channelID++
				atomic.AddInt64(&state.startedChannels, 1)
				ch.Start()
			}
		}
	}
}

func NewChannel(id int, ctx context.Context) *Channel {
	chCtx, cancel := context.WithCancel(ctx)
	return &Channel{
		id: id,
		// The pid keeps concurrent runs against a shared store from
		// colliding on channel names.
		name:   fmt.Sprintf("%s-%d-%d", config.ChannelPrefix, os.Getpid(), id),
		ctx:    chCtx,
		cancel: cancel,
	}
}

// Start launches both peers of the channel.
func (c *Channel) Start() {
	atomic.AddInt64(&state.activeChannels, 1)
	go c.browserPump()
	go c.kernelPump()
}

// kernelPump plays the Jupyter-kernel peer: post a request, long-poll for
// the reply, verify the browser echoed the request bytes back.
func (c *Channel) kernelPump() {
	defer func() {
		atomic.AddInt64(&state.activeChannels, -1)
		c.cancel()
	}()

	thinkTime := time.Duration(config.ThinkTimeMs) * time.Millisecond

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		payload := c.nextPayload()
		start := time.Now()

		status, body, err := c.post("/queue_request", "application/json", payload)
		if err != nil {
			c.recordError(err)
			c.pause(time.Second)
			continue
		}
		if status != http.StatusOK {
			countRejection(status, body)
			c.pause(time.Second)
			continue
		}
		atomic.AddInt64(&state.requestsPosted, 1)

		if reply, ok := c.awaitReply(); ok {
			if reply != payload {
				atomic.AddInt64(&state.mismatches, 1)
			}
			atomic.AddInt64(&state.roundTrips, 1)
			atomic.AddInt64(&state.latencyNanos, int64(time.Since(start)))
		} else {
			atomic.AddInt64(&state.lostReplies, 1)
		}

		if thinkTime > 0 {
			c.pause(thinkTime)
		}
	}
}

// awaitReply long-polls /dequeue_reply until the reply lands or the poll
// budget runs out. The next queue_request sweeps anything left behind.
func (c *Channel) awaitReply() (string, bool) {
	for attempt := 0; attempt < replyPollBudget; attempt++ {
		select {
		case <-c.ctx.Done():
			return "", false
		default:
		}

		status, body, err := c.get("/dequeue_reply")
		if err != nil {
			c.recordError(err)
			return "", false
		}
		switch status {
		case http.StatusOK:
			return body, true
		case http.StatusRequestTimeout:
			atomic.AddInt64(&state.timeouts, 1)
		case http.StatusTooManyRequests:
			atomic.AddInt64(&state.redundantReaders, 1)
			c.pause(time.Second)
		default:
			atomic.AddInt64(&state.errors, 1)
			return "", false
		}
	}
	return "", false
}

// browserPump plays the browser peer: long-poll for requests, echo each one
// back verbatim as the reply.
func (c *Channel) browserPump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		status, body, err := c.get("/dequeue_request")
		if err != nil {
			c.recordError(err)
			c.pause(time.Second)
			continue
		}
		switch status {
		case http.StatusOK:
			// fall through to the reply below
		case http.StatusRequestTimeout:
			atomic.AddInt64(&state.timeouts, 1)
			continue
		case http.StatusTooManyRequests:
			atomic.AddInt64(&state.redundantReaders, 1)
			c.pause(time.Second)
			continue
		default:
			atomic.AddInt64(&state.errors, 1)
			c.pause(time.Second)
			continue
		}

		var replyBody string
		status, replyBody, err = c.post("/queue_reply", "text/plain", body)
		if err != nil {
			c.recordError(err)
			continue
		}
		if status != http.StatusOK {
			countRejection(status, replyBody)
			continue
		}
		atomic.AddInt64(&state.repliesPosted, 1)
	}
}

// nextPayload builds a JSON request of roughly the configured size. It ends
// in a closing brace, so stripping the trailing-space padding from dequeue
// responses can never eat payload bytes.
func (c *Channel) nextPayload() string {
	c.seq++
	const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	body := make([]byte, config.PayloadBytes)
	for i := range body {
		body[i] = letters[rand.Intn(len(letters))]
	}
	return fmt.Sprintf(`{"channel":%q,"seq":%d,"body":%q}`, c.name, c.seq, body)
}

func (c *Channel) post(path, contentType, body string) (int, string, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.endpoint(path), strings.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", contentType)
	return c.do(req)
}

func (c *Channel) get(path string) (int, string, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return 0, "", err
	}
	return c.do(req)
}

func (c *Channel) do(req *http.Request) (int, string, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", err
	}
	// Dequeue responses carry trailing-space padding for a legacy proxy.
	return resp.StatusCode, strings.TrimRight(string(raw), " "), nil
}

func (c *Channel) endpoint(path string) string {
	return config.BridgeURL + path + "?" + url.Values{"channel": {c.name}}.Encode()
}

// countRejection classifies a non-200 enqueue response. The server reports
// an occupied slot as a 500 whose body names the channel.
func countRejection(status int, body string) {
	if status == http.StatusInternalServerError && strings.Contains(body, "contains unprocessed message") {
		atomic.AddInt64(&state.slotConflicts, 1)
		return
	}
	atomic.AddInt64(&state.errors, 1)
}

func (c *Channel) recordError(err error) {
	if c.ctx.Err() != nil {
		return // shutdown in progress, not a test failure
	}
	atomic.AddInt64(&state.errors, 1)
	if val, _ := state.errorKinds.LoadOrStore(err.Error(), new(int64)); val != nil {
		atomic.AddInt64(val.(*int64), 1)
	}
}

func (c *Channel) pause(d time.Duration) {
	select {
	case <-c.ctx.Done():
	case <-time.After(d):
	}
}

func checkServerHealth() error {
	resp, err := httpClient.Get(config.BridgeURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return err
	}

	state.mu.Lock()
	state.lastHealth = &health
	state.mu.Unlock()

	if health.Status != "healthy" {
		log.Printf("⚠️  Server reports %q status but continuing...", health.Status)
	}

	return nil
}

func periodicHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.HealthCheckSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := checkServerHealth(); err != nil {
				log.Printf("❌ Health check failed: %v", err)
			}
		}
	}
}

func periodicReports(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(config.ReportIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printReport()
		}
	}
}

func printReport() {
	elapsed := int(time.Since(state.startTime).Seconds())

	state.mu.RLock()
	health := state.lastHealth
	state.mu.RUnlock()

	active := atomic.LoadInt64(&state.activeChannels)
	started := atomic.LoadInt64(&state.startedChannels)
	trips := atomic.LoadInt64(&state.roundTrips)
	latency := atomic.LoadInt64(&state.latencyNanos)
	errors := atomic.LoadInt64(&state.errors)

	tripRate := float64(trips) / float64(max(elapsed, 1))
	avgLatencyMs := 0.0
	if trips > 0 {
		avgLatencyMs = float64(latency) / float64(trips) / float64(time.Millisecond)
	}

	log.Printf("%s", "\n"+strings.Repeat("=", 80))
	log.Printf("📊 BRIDGE LOAD TEST - Elapsed: %ds - Phase: %s", elapsed, strings.ToUpper(state.phase))
	log.Printf("%s", strings.Repeat("=", 80))
	log.Printf("\n🔌 Channels:")
	log.Printf("   Active:       %d / %d target", active, config.TargetChannels)
	log.Printf("   Started:      %d", started)

	log.Printf("\n📨 Round Trips:")
	log.Printf("   Completed:    %s", formatNumber(trips))
	log.Printf("   Rate:         %.2f trips/sec", tripRate)
	log.Printf("   Avg Latency:  %.1f ms", avgLatencyMs)
	log.Printf("   Requests:     %s posted", formatNumber(atomic.LoadInt64(&state.requestsPosted)))
	log.Printf("   Replies:      %s posted", formatNumber(atomic.LoadInt64(&state.repliesPosted)))
	log.Printf("   Timeouts:     %d (408 long-poll expiry)", atomic.LoadInt64(&state.timeouts))
	log.Printf("   Redundant:    %d (429 second reader)", atomic.LoadInt64(&state.redundantReaders))
	log.Printf("   Conflicts:    %d (occupied slot)", atomic.LoadInt64(&state.slotConflicts))
	log.Printf("   Errors:       %d", errors)

	mismatches := atomic.LoadInt64(&state.mismatches)
	if mismatches > 0 {
		log.Printf("   ❌ Mismatches: %d (reply bytes differ from request)", mismatches)
	}
	lost := atomic.LoadInt64(&state.lostReplies)
	if lost > 0 {
		log.Printf("   ⚠️  Lost:       %d (reply never arrived)", lost)
	}

	log.Printf("\n💻 Server Health:")
	if health != nil {
		healthStatus := "✅ Healthy"
		if health.Status != "healthy" {
			healthStatus = "❌ " + health.Status
		}
		log.Printf("   Status:       %s", healthStatus)
		log.Printf("   CPU:          %.1f%%", health.CPUPercent)
		log.Printf("   Memory:       %.1f MB", health.MemoryMB)
		log.Printf("   Goroutines:   %d", health.Goroutines)
		log.Printf("   Store:        %s", health.Store)
	} else {
		log.Printf("   Status:       ⚠️  No health data")
	}

	if state.phase == "ramping" {
		rampElapsed := int(time.Since(state.rampStartTime).Seconds())
		rampProgress := float64(started) / float64(config.TargetChannels) * 100
		log.Printf("\n🚀 Ramp Progress:")
		log.Printf("   Progress:     %.1f%%", rampProgress)
		log.Printf("   Time:         %ds", rampElapsed)
	} else if state.phase == "sustaining" {
		sustainElapsed := int(time.Since(state.sustainStartTime).Seconds())
		remaining := max(0, config.SustainSec-sustainElapsed)
		log.Printf("\n🔒 Sustain Status:")
		log.Printf("   Elapsed:      %ds", sustainElapsed)
		log.Printf("   Remaining:    %ds", remaining)
	}

	hasErrors := false
	state.errorKinds.Range(func(key, value interface{}) bool {
		hasErrors = true
		return false
	})

	if hasErrors {
		log.Printf("\n⚠️  Error Kinds:")
		state.errorKinds.Range(func(key, value interface{}) bool {
			count := atomic.LoadInt64(value.(*int64))
			log.Printf("   %s: %d", key, count)
			return true
		})
	}

	log.Printf("%s", strings.Repeat("=", 80)+"\n")
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	str := fmt.Sprintf("%d", n)
	var result []rune
	for i, ch := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, ch)
	}
	return string(result)
}
