// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package alerting delivers engine events to operators. Rules match on a
// condition name (model.fallback, reader.backoff, blacklist.capacity, ...)
// and fan out to their channels, rate-limited per rule.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/warden/internal/clock"
	"grimm.is/warden/internal/config"
	"grimm.is/warden/internal/logging"
)

// Severity of an alert event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one alert occurrence.
type Event struct {
	ID        string    `json:"id"`
	Condition string    `json:"condition"`
	Message   string    `json:"message"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// rule is a configured alert rule plus its runtime state.
type rule struct {
	name      string
	condition string
	severity  Severity
	channels  []string
	cooldown  time.Duration
	lastFired time.Time
}

// Engine matches events against rules and delivers them asynchronously.
type Engine struct {
	logger     *logging.Logger
	httpClient *http.Client

	mu         sync.Mutex
	rules      []*rule
	channels   map[string]config.NotificationChannel
	history    []Event
	maxHistory int

	eventChan chan Event
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewEngine builds the engine from the notifications block. A nil or
// disabled config yields an engine that only keeps history.
func NewEngine(cfg *config.NotificationsConfig) *Engine {
	e := &Engine{
		logger:     logging.WithComponent("alerting"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		channels:   make(map[string]config.NotificationChannel),
		maxHistory: 1000,
		eventChan:  make(chan Event, 100),
	}

	if cfg == nil || !cfg.Enabled {
		return e
	}
	for _, ch := range cfg.Channels {
		e.channels[ch.Name] = ch
	}
	for _, r := range cfg.Rules {
		cooldown, _ := time.ParseDuration(r.Cooldown)
		if cooldown == 0 {
			cooldown = 15 * time.Minute
		}
		severity := Severity(r.Severity)
		if severity == "" {
			severity = SeverityWarning
		}
		e.rules = append(e.rules, &rule{
			name:      r.Name,
			condition: r.Condition,
			severity:  severity,
			channels:  r.Channels,
			cooldown:  cooldown,
		})
	}
	return e
}

// Start begins asynchronous delivery.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		for {
			select {
			case event := <-e.eventChan:
				e.handle(event)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts delivery. Queued events are dropped.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Trigger queues an event. Never blocks; a full queue drops the event.
func (e *Engine) Trigger(condition, message string, severity Severity, data any) {
	event := Event{
		ID:        uuid.NewString(),
		Condition: condition,
		Message:   message,
		Severity:  severity,
		Timestamp: clock.Now(),
		Data:      data,
	}
	select {
	case e.eventChan <- event:
	default:
		e.logger.Warn("Alert queue full, dropping event", "condition", condition)
	}
}

func (e *Engine) handle(event Event) {
	e.mu.Lock()
	e.history = append(e.history, event)
	if len(e.history) > e.maxHistory {
		e.history = e.history[1:]
	}

	var fire []*rule
	now := clock.Now()
	for _, r := range e.rules {
		if r.condition != event.Condition {
			continue
		}
		if now.Sub(r.lastFired) < r.cooldown {
			continue
		}
		r.lastFired = now
		fire = append(fire, r)
	}
	e.mu.Unlock()

	e.logger.Info("Alert", "condition", event.Condition, "severity", string(event.Severity), "message", event.Message)

	for _, r := range fire {
		for _, name := range r.channels {
			e.mu.Lock()
			ch, ok := e.channels[name]
			e.mu.Unlock()
			if !ok || !ch.Enabled {
				continue
			}
			e.deliver(ch, event)
		}
	}
}

func (e *Engine) deliver(ch config.NotificationChannel, event Event) {
	switch ch.Type {
	case "webhook":
		e.sendWebhook(ch, event)
	case "log":
		e.logger.Warn("ALERT",
			"condition", event.Condition, "severity", string(event.Severity),
			"message", event.Message, "channel", ch.Name)
	default:
		e.logger.Warn("Unsupported alert channel type", "type", ch.Type, "channel", ch.Name)
	}
}

func (e *Engine) sendWebhook(ch config.NotificationChannel, event Event) {
	if ch.WebhookURL == "" {
		e.logger.Warn("Webhook URL missing", "channel", ch.Name)
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("Failed to marshal alert payload", "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, ch.WebhookURL, bytes.NewReader(data))
	if err != nil {
		e.logger.Error("Failed to build webhook request", "channel", ch.Name, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Error("Webhook delivery failed", "channel", ch.Name, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e.logger.Error("Webhook returned non-success status", "channel", ch.Name, "status", resp.StatusCode)
	}
}

// History returns a copy of the retained events, oldest first.
func (e *Engine) History() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.history))
	copy(out, e.history)
	return out
}
