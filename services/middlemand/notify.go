package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"automiddleman/escrow"
	"automiddleman/observability/logging"
)

const (
	notifyQueueDepth  = 256
	notifyMaxAttempts = 3
	notifyTimeout     = 10 * time.Second
)

var notifyBackoff = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

// Notifier delivers lifecycle events to the chat front end's webhook. Events
// are queued and delivered asynchronously with bounded retries; when the
// queue overflows, the oldest event is dropped so the orchestrator never
// blocks on a slow consumer. Attributes are redacted before leaving the
// process.
type Notifier struct {
	url    string
	client *http.Client
	log    *slog.Logger

	mu     sync.Mutex
	queue  chan escrow.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewNotifier starts the delivery loop. An empty URL yields a disabled
// notifier that silently drops events.
func NewNotifier(url string, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	n := &Notifier{
		url:    url,
		client: &http.Client{Timeout: notifyTimeout},
		log:    log,
	}
	if url == "" {
		return n
	}
	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.queue = make(chan escrow.Event, notifyQueueDepth)
	n.wg.Add(1)
	go n.run(ctx)
	return n
}

// Emit enqueues an event for delivery. Never blocks.
func (n *Notifier) Emit(evt escrow.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.queue == nil || n.closed {
		return
	}
	evt.Attributes = logging.RedactAttributes(evt.Attributes)
	for {
		select {
		case n.queue <- evt:
			return
		default:
		}
		select {
		case dropped := <-n.queue:
			n.log.Warn("webhook queue full, dropping oldest event", "type", dropped.Type)
		default:
		}
	}
}

func (n *Notifier) run(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-n.queue:
			n.deliver(ctx, evt)
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, evt escrow.Event) {
	payload, err := json.Marshal(map[string]interface{}{
		"type":       evt.Type,
		"attributes": evt.Attributes,
		"emittedAt":  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		n.log.Error("encode webhook payload", "type", evt.Type, "error", err)
		return
	}
	for attempt := 0; attempt < notifyMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(notifyBackoff[attempt-1]):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
		if err != nil {
			n.log.Error("build webhook request", "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := n.client.Do(req)
		if err != nil {
			n.log.Warn("webhook delivery failed", "type", evt.Type, "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return
		}
		n.log.Warn("webhook delivery rejected", "type", evt.Type, "attempt", attempt+1, "status", resp.StatusCode)
	}
	n.log.Error("webhook delivery abandoned", "type", evt.Type)
}

// Close stops the delivery loop; queued events are discarded.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()
	if n.cancel != nil {
		n.cancel()
		n.wg.Wait()
	}
}
