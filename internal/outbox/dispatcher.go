package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/milepost/internal/logging"
	"github.com/zulandar/milepost/internal/metrics"
	"github.com/zulandar/milepost/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Handler performs one side effect for an event. Handlers may run more than
// once for the same event and must tolerate it.
type Handler interface {
	Handle(ctx context.Context, ev models.OutboxEvent, env Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev models.OutboxEvent, env Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, ev models.OutboxEvent, env Envelope) error {
	return f(ctx, ev, env)
}

// Alerter is notified when an event exhausts its retries.
type Alerter interface {
	Alert(ctx context.Context, title, text string) error
}

type route struct {
	pattern string
	name    string
	handler Handler
}

func (r route) matches(routingKey string) bool {
	switch {
	case r.pattern == "*":
		return true
	case strings.HasSuffix(r.pattern, ".*"):
		return strings.HasPrefix(routingKey, strings.TrimSuffix(r.pattern, "*"))
	}
	return r.pattern == routingKey
}

// Dispatcher is the reconciler: it delivers pending events to their
// handlers and reschedules failures.
type Dispatcher struct {
	db         *gorm.DB
	log        *zap.Logger
	routes     []route
	alerter    Alerter
	maxRetries int
	batchSize  int
	now        func() time.Time

	nudge chan struct{}
	mu    sync.Mutex
}

// NewDispatcher creates a Dispatcher with 5 retries and batches of 100.
func NewDispatcher(db *gorm.DB, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:         db,
		log:        logging.OrNop(log),
		maxRetries: 5,
		batchSize:  100,
		now:        time.Now,
		nudge:      make(chan struct{}, 1),
	}
}

func (d *Dispatcher) WithMaxRetries(n int) *Dispatcher {
	d.maxRetries = n
	return d
}

func (d *Dispatcher) WithBatchSize(n int) *Dispatcher {
	d.batchSize = n
	return d
}

func (d *Dispatcher) WithAlerter(a Alerter) *Dispatcher {
	d.alerter = a
	return d
}

func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Handle registers h for events whose routing key matches pattern: an exact
// key, a "prefix.*" wildcard, or "*" for every event.
func (d *Dispatcher) Handle(pattern, name string, h Handler) {
	d.routes = append(d.routes, route{pattern: pattern, name: name, handler: h})
}

// Nudge asks a running dispatcher to sweep now. It never blocks.
func (d *Dispatcher) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Run sweeps on every nudge until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.log.Info("outbox dispatcher started",
		zap.Int("max_retries", d.maxRetries),
		zap.Int("batch_size", d.batchSize),
	)
	for {
		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopped")
			return
		case <-d.nudge:
			if _, err := d.Drain(ctx); err != nil {
				d.log.Error("outbox sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce processes one batch of due events and returns how many were
// delivered.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	sent, _, _, err := d.batch(ctx)
	return sent, err
}

// Drain processes batches until fewer than a full batch is due, and returns
// how many events were delivered. It stops early when a batch settles
// nothing, so events whose status cannot be written are not refetched in a
// loop.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		sent, settled, fetched, err := d.batch(ctx)
		total += sent
		if err != nil {
			return total, err
		}
		if fetched < d.batchSize || settled == 0 {
			return total, nil
		}
	}
}

// batch processes one batch. settled counts events whose delivery outcome
// was recorded, delivered or not.
func (d *Dispatcher) batch(ctx context.Context) (sent, settled, fetched int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	events, err := Due(d.db.WithContext(ctx), d.now(), d.batchSize)
	if err != nil {
		return 0, 0, 0, err
	}

	for i := range events {
		if ctx.Err() != nil {
			return sent, settled, len(events), ctx.Err()
		}
		delivered, recorded := d.deliver(ctx, &events[i])
		if delivered {
			sent++
		}
		if recorded {
			settled++
		}
	}
	return sent, settled, len(events), nil
}

// deliver runs the handlers for ev and records the outcome. It reports
// whether ev was delivered and whether its outcome was recorded.
func (d *Dispatcher) deliver(ctx context.Context, ev *models.OutboxEvent) (bool, bool) {
	log := d.log.With(zap.Uint("event_id", ev.ID), zap.String("routing_key", ev.RoutingKey))

	err := d.invoke(ctx, *ev)
	if err == nil {
		if err := MarkSent(d.db.WithContext(ctx), ev.ID); err != nil {
			log.Error("mark event sent", zap.Error(err))
			return false, false
		}
		metrics.RecordDispatch(ev.RoutingKey, "sent")
		log.Debug("event delivered")
		return true, true
	}

	final, markErr := MarkFailed(d.db.WithContext(ctx), ev, err, d.maxRetries, d.now())
	if markErr != nil {
		log.Error("mark event failed", zap.Error(markErr))
		return false, false
	}
	if !final {
		metrics.RecordDispatch(ev.RoutingKey, "retry")
		log.Warn("side effect failed, will retry", zap.Int("retry_count", ev.RetryCount), zap.Error(err))
		return false, true
	}

	metrics.RecordDispatch(ev.RoutingKey, "failed")
	log.Error("side effect permanently failed", zap.Int("retry_count", ev.RetryCount), zap.Error(err))
	if d.alerter != nil {
		title := fmt.Sprintf("milepost: %s for %s failed", ev.RoutingKey, ev.AggregateID)
		text := fmt.Sprintf("outbox event %d gave up after %d attempts: %v\nreplay with: milepost outbox replay %d",
			ev.ID, ev.RetryCount, err, ev.ID)
		if aerr := d.alerter.Alert(ctx, title, text); aerr != nil {
			log.Error("send alert", zap.Error(aerr))
		}
	}
	return false, true
}

func (d *Dispatcher) invoke(ctx context.Context, ev models.OutboxEvent) error {
	env, err := Decode(ev)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range d.routes {
		if !r.matches(ev.RoutingKey) {
			continue
		}
		if err := r.handler.Handle(ctx, ev, env); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
		}
	}
	return errors.Join(errs...)
}
