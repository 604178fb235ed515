// Package notify detects quota threshold crossings and delivers them to a
// notification bus without holding up the authorization decision.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aman-churiwal/quota-authorizer/internal/metrics"
	"github.com/aman-churiwal/quota-authorizer/internal/quota"
)

// ErrDeliveryFailed wraps every bus delivery error.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// Event is the payload published for a threshold crossing.
type Event struct {
	AccountEmail string    `json:"accountEmail"`
	EventType    string    `json:"eventType"`
	Data         EventData `json:"data"`
	Timestamp    time.Time `json:"timestamp"`
}

type EventData struct {
	Usage          int64   `json:"usage"`
	Limit          int64   `json:"limit"`
	Percentage     float64 `json:"percentage"`
	RemainingCalls int64   `json:"remainingCalls"`
	ResetDate      string  `json:"resetDate"`
}

// Bus is a notification destination.
type Bus interface {
	Publish(ctx context.Context, event Event) error
}

// EventType names the event for a threshold, e.g. "usage.threshold.80".
func EventType(threshold int) string {
	return fmt.Sprintf("usage.threshold.%d", threshold)
}

// Notifier runs threshold detection synchronously and delivery in the
// background. A nil bus makes it a no-op.
type Notifier struct {
	bus        Bus
	thresholds []int
	timeout    time.Duration
	metrics    metrics.Sink
	logger     *slog.Logger
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
}

func NewNotifier(bus Bus, thresholds []int, timeout time.Duration, sink metrics.Sink, logger *slog.Logger) *Notifier {
	if len(thresholds) == 0 {
		thresholds = quota.DefaultThresholds
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Notifier{
		bus:        bus,
		thresholds: thresholds,
		timeout:    timeout,
		metrics:    sink,
		logger:     logger,
	}
}

// Observe checks whether this request crossed a threshold and, if so,
// dispatches one event. It returns the crossed threshold.
func (n *Notifier) Observe(accountEmail string, res *quota.Result) (int, bool) {
	if n == nil || n.bus == nil || res == nil {
		return 0, false
	}

	threshold, crossed := quota.CrossedThreshold(res.TotalUsage, res.ProjectedTotal, res.Limit, n.thresholds)
	if !crossed {
		return 0, false
	}

	event := Event{
		AccountEmail: accountEmail,
		EventType:    EventType(threshold),
		Data: EventData{
			Usage:          res.ProjectedTotal,
			Limit:          res.Limit,
			Percentage:     res.Percentage(),
			RemainingCalls: res.Remaining,
			ResetDate:      res.ResetDate.UTC().Format(time.RFC3339),
		},
		Timestamp: time.Now().UTC(),
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		n.logger.Warn("threshold notification dropped, notifier closed",
			"account", accountEmail,
			"event_type", event.EventType,
		)
		n.metrics.ThresholdNotified(context.Background(), threshold, "dropped")
		return threshold, true
	}

	n.wg.Add(1)
	go n.deliver(threshold, event)

	return threshold, true
}

func (n *Notifier) deliver(threshold int, event Event) {
	defer n.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	if err := n.bus.Publish(ctx, event); err != nil {
		n.logger.Warn("threshold notification failed",
			"account", event.AccountEmail,
			"event_type", event.EventType,
			"error", err,
		)
		n.metrics.ThresholdNotified(ctx, threshold, "failed")
		return
	}

	n.logger.Info("threshold notification sent",
		"account", event.AccountEmail,
		"event_type", event.EventType,
	)
	n.metrics.ThresholdNotified(ctx, threshold, "delivered")
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	if n == nil {
		return
	}
	n.wg.Wait()
}

// Close stops starting new deliveries, then waits for in-flight ones.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	n.wg.Wait()
}
