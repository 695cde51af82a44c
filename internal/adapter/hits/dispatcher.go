// Package hits batches and dispatches visitor hits (flag exposures, consent
// changes) to the decision platform. Dispatch is best-effort: send failures
// are logged and dropped, never surfaced to flag resolution.
package hits

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/flagbridge/flagbridge/internal/metrics"
)

const (
	TypeExposure = "exposure"
	TypeConsent  = "consent"
)

const (
	maxQueueDepth = 1000
	sendTimeout   = 5 * time.Second
)

// Hit is one trackable visitor event.
type Hit struct {
	Type        string `json:"type"`
	VisitorID   string `json:"visitorId"`
	FlagKey     string `json:"flagKey,omitempty"`
	CampaignID  string `json:"campaignId,omitempty"`
	VariationID string `json:"variationId,omitempty"`
	Consented   *bool  `json:"consented,omitempty"`
}

// Sender delivers a batch of hits to the platform.
type Sender interface {
	SendBatch(ctx context.Context, batch []Hit) error
}

// Dispatcher queues hits and flushes them in batches on a ticker, throttled
// by a rate limiter. Exposure hits for visitors without consent are dropped
// at enqueue time; consent hits always pass so the platform learns about the
// withdrawal itself.
type Dispatcher struct {
	sender    Sender
	clock     clockwork.Clock
	limiter   *rate.Limiter
	batchSize int

	mu      sync.Mutex
	queue   []Hit
	consent map[string]bool

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher and starts its flush loop.
func NewDispatcher(sender Sender, clock clockwork.Clock, batchSize int, flushInterval time.Duration, hitsPerSecond float64) *Dispatcher {
	d := &Dispatcher{
		sender:    sender,
		clock:     clock,
		limiter:   rate.NewLimiter(rate.Limit(hitsPerSecond), batchSize),
		batchSize: batchSize,
		consent:   make(map[string]bool),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go d.run(flushInterval)
	return d
}

// RegisterVisitor records the consent state for a visitor. Exposure hits for
// unregistered visitors are dropped.
func (d *Dispatcher) RegisterVisitor(visitorID string, consented bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consent[visitorID] = consented
}

// SetConsent updates a visitor's consent gate. Withdrawing consent purges
// that visitor's queued hits.
func (d *Dispatcher) SetConsent(visitorID string, consented bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.consent[visitorID] = consented
	if consented {
		return
	}

	kept := d.queue[:0]
	dropped := 0
	for _, h := range d.queue {
		if h.VisitorID == visitorID && h.Type != TypeConsent {
			dropped++
			continue
		}
		kept = append(kept, h)
	}
	d.queue = kept
	if dropped > 0 {
		metrics.HitsDroppedTotal.WithLabelValues("consent").Add(float64(dropped))
	}
	metrics.HitQueueDepth.Set(float64(len(d.queue)))
}

// Enqueue adds a hit to the queue. Non-blocking; the queue is bounded and
// overflow drops the new hit.
func (d *Dispatcher) Enqueue(h Hit) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if h.Type != TypeConsent && !d.consent[h.VisitorID] {
		metrics.HitsDroppedTotal.WithLabelValues("consent").Inc()
		return
	}
	if len(d.queue) >= maxQueueDepth {
		metrics.HitsDroppedTotal.WithLabelValues("overflow").Inc()
		return
	}

	d.queue = append(d.queue, h)
	metrics.HitQueueDepth.Set(float64(len(d.queue)))
}

// Stop flushes remaining hits and stops the loop. Blocks until the loop has
// exited or ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	select {
	case <-d.doneCh:
	case <-ctx.Done():
		slog.Warn("Hit dispatcher stop timed out", "error", ctx.Err())
	}
}

func (d *Dispatcher) run(flushInterval time.Duration) {
	defer close(d.doneCh)

	ticker := d.clock.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			d.flush(false)
		case <-d.stopCh:
			d.flush(true)
			return
		}
	}
}

// flush sends queued hits in batches. The final flush ignores the rate
// limiter so shutdown does not strand hits.
func (d *Dispatcher) flush(final bool) {
	for {
		if !final && !d.limiter.Allow() {
			return
		}

		batch := d.takeBatch()
		if len(batch) == 0 {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := d.sender.SendBatch(ctx, batch)
		cancel()

		if err != nil {
			slog.Warn("Hit batch send failed, dropping batch", "batch_size", len(batch), "error", err)
			metrics.HitBatchesTotal.WithLabelValues("error").Inc()
			continue
		}
		metrics.HitBatchesTotal.WithLabelValues("ok").Inc()
	}
}

func (d *Dispatcher) takeBatch() []Hit {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) == 0 {
		return nil
	}

	n := d.batchSize
	if n > len(d.queue) {
		n = len(d.queue)
	}

	batch := make([]Hit, n)
	copy(batch, d.queue[:n])
	d.queue = append(d.queue[:0], d.queue[n:]...)
	metrics.HitQueueDepth.Set(float64(len(d.queue)))
	return batch
}
