// Package admission enforces per-client rate, concurrency, and burst limits
// with backpressure. Denials are observable outcomes carrying a reason and a
// retry hint, not errors; the controller fails open only on internal
// bookkeeping panics.
package admission

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veritex-ai/ragserve/internal/model"
)

// Denial reasons.
const (
	ReasonScopeDenied         = "scope_denied"
	ReasonConcurrencyExceeded = "concurrency_exceeded"
	ReasonRPMExceeded         = "rpm_exceeded"
	ReasonRPHExceeded         = "rph_exceeded"
	ReasonBurstExceeded       = "burst_exceeded"
	ReasonSystemOverload      = "system_overload"
	ReasonQueueFull           = "queue_full"
)

const (
	windowRetention = time.Hour
	burstWindow     = 10 * time.Second
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed           bool   `json:"allowed"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// Ticket reserves one concurrency slot. Release frees it exactly once.
type Ticket struct {
	once       sync.Once
	controller *Controller
	client     *clientState
}

// Release returns the slot. Safe to call multiple times.
func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.client.inFlight.Add(-1)
		t.controller.globalInFlight.Add(-1)
	})
}

type clientState struct {
	quota model.ClientQuota

	mu         sync.Mutex
	timestamps []time.Time

	inFlight   atomic.Int64
	queueDepth atomic.Int64
}

// Config carries the controller-wide limits.
type Config struct {
	GlobalCapacity    int
	MaxQueueDepth     int
	OverloadThreshold float64
}

// Controller tracks per-client windows and counters.
type Controller struct {
	cfg Config

	mu      sync.Mutex
	clients map[string]*clientState

	globalInFlight atomic.Int64

	nowFunc func() time.Time
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 100
	}
	if cfg.OverloadThreshold <= 0 {
		cfg.OverloadThreshold = 0.8
	}
	return &Controller{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		nowFunc: time.Now,
	}
}

// Register installs or replaces a client quota.
func (c *Controller) Register(quota model.ClientQuota) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if state, ok := c.clients[quota.ClientID]; ok {
		state.quota = quota
		return
	}
	c.clients[quota.ClientID] = &clientState{quota: quota}
}

func (c *Controller) state(clientID string) (*clientState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.clients[clientID]
	return state, ok
}

// Admit runs the admission checks for one request. On success the returned
// ticket holds a concurrency slot until released. The controller fails open
// if its own bookkeeping panics.
func (c *Controller) Admit(clientID, scope string) (decision Decision, ticket *Ticket) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("admission bookkeeping failed, failing open", "client_id", clientID, "panic", r)
			decision = Decision{Allowed: true}
			ticket = &Ticket{controller: c, client: &clientState{}}
		}
	}()

	state, ok := c.state(clientID)
	if !ok || !state.quota.Active {
		return Decision{Allowed: false, Reason: ReasonScopeDenied}, nil
	}
	if !state.quota.HasScope(scope) {
		return Decision{Allowed: false, Reason: ReasonScopeDenied}, nil
	}

	// Concurrency before window checks; a denial here must not consume quota.
	if state.inFlight.Load() >= int64(state.quota.MaxConcurrent) {
		return Decision{Allowed: false, Reason: ReasonConcurrencyExceeded, RetryAfterSeconds: 1}, nil
	}

	now := c.nowFunc()

	state.mu.Lock()
	state.timestamps = pruneBefore(state.timestamps, now.Add(-windowRetention))

	if d, denied := c.checkWindows(state, now); denied {
		state.mu.Unlock()
		return d, nil
	}

	if c.overloaded() {
		state.mu.Unlock()
		return Decision{Allowed: false, Reason: ReasonSystemOverload, RetryAfterSeconds: 10}, nil
	}
	if state.queueDepth.Load() >= int64(c.cfg.MaxQueueDepth) {
		state.mu.Unlock()
		return Decision{Allowed: false, Reason: ReasonQueueFull, RetryAfterSeconds: 5}, nil
	}

	state.timestamps = append(state.timestamps, now)
	state.mu.Unlock()

	state.inFlight.Add(1)
	c.globalInFlight.Add(1)
	return Decision{Allowed: true}, &Ticket{controller: c, client: state}
}

// checkWindows enforces rpm, rph, and burst. Callers hold state.mu.
func (c *Controller) checkWindows(state *clientState, now time.Time) (Decision, bool) {
	minuteAgo := now.Add(-time.Minute)
	hourAgo := now.Add(-windowRetention)
	burstAgo := now.Add(-burstWindow)

	var inMinute, inHour, inBurst int
	var oldestInMinute, oldestInBurst time.Time
	for _, ts := range state.timestamps {
		if ts.After(hourAgo) {
			inHour++
		}
		if ts.After(minuteAgo) {
			if inMinute == 0 {
				oldestInMinute = ts
			}
			inMinute++
		}
		if ts.After(burstAgo) {
			if inBurst == 0 {
				oldestInBurst = ts
			}
			inBurst++
		}
	}

	if inMinute >= state.quota.RPM {
		retry := retryAfter(oldestInMinute.Add(time.Minute), now)
		return Decision{Allowed: false, Reason: ReasonRPMExceeded, RetryAfterSeconds: retry}, true
	}
	if inHour >= state.quota.RPH {
		retry := retryAfter(state.timestamps[0].Add(windowRetention), now)
		return Decision{Allowed: false, Reason: ReasonRPHExceeded, RetryAfterSeconds: retry}, true
	}
	if inBurst >= state.quota.Burst {
		retry := retryAfter(oldestInBurst.Add(burstWindow), now)
		return Decision{Allowed: false, Reason: ReasonBurstExceeded, RetryAfterSeconds: retry}, true
	}
	return Decision{}, false
}

func (c *Controller) overloaded() bool {
	capacity := c.cfg.GlobalCapacity
	if capacity <= 0 {
		return false
	}
	return float64(c.globalInFlight.Load())/float64(capacity) >= c.cfg.OverloadThreshold
}

// EnterQueue and LeaveQueue track queued work (batch requests) feeding the
// queue-depth backpressure check.
func (c *Controller) EnterQueue(clientID string) {
	if state, ok := c.state(clientID); ok {
		state.queueDepth.Add(1)
	}
}

// LeaveQueue decrements the client's queue depth.
func (c *Controller) LeaveQueue(clientID string) {
	if state, ok := c.state(clientID); ok {
		state.queueDepth.Add(-1)
	}
}

// InFlight reports the client's current in-flight count (observability).
func (c *Controller) InFlight(clientID string) int {
	state, ok := c.state(clientID)
	if !ok {
		return 0
	}
	return int(state.inFlight.Load())
}

// GlobalInFlight reports the process-wide in-flight count.
func (c *Controller) GlobalInFlight() int {
	return int(c.globalInFlight.Load())
}

func pruneBefore(timestamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for _, ts := range timestamps {
		if !ts.Before(cutoff) {
			timestamps[idx] = ts
			idx++
		}
	}
	return timestamps[:idx]
}

func retryAfter(readyAt, now time.Time) int {
	secs := int(readyAt.Sub(now).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}
