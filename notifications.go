package welfarekit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// NotificationKind identifies what happened to an application.
type NotificationKind string

const (
	NotifyApproved  NotificationKind = "application.approved"
	NotifyRejected  NotificationKind = "application.rejected"
	NotifyCancelled NotificationKind = "application.cancelled"
)

// Notification tells the applicant and downstream systems that an application reached a final state.
type Notification struct {
	Kind          NotificationKind  `json:"kind"`
	ApplicationID string            `json:"application_id"`
	Number        string            `json:"number"`
	ApplicantID   string            `json:"applicant_id"`
	Status        ApplicationStatus `json:"status"`
	Level         ApprovalLevel     `json:"level"`
	ActorID       string            `json:"actor_id"`
	Remarks       string            `json:"remarks,omitempty"`
	At            time.Time         `json:"at"`
}

func notificationFor(app *Application, entry *ApprovalEntry) Notification {
	kind := NotifyApproved
	switch app.Status {
	case StatusRejected:
		kind = NotifyRejected
	case StatusCancelled:
		kind = NotifyCancelled
	}
	return Notification{
		Kind:          kind,
		ApplicationID: app.ID,
		Number:        app.Number,
		ApplicantID:   app.ApplicantID,
		Status:        app.Status,
		Level:         entry.Level,
		ActorID:       entry.AssignedTo,
		Remarks:       entry.Remarks,
		At:            entry.Timestamp,
	}
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// LogNotifier writes notifications to the log. Useful in development.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify logs n.
func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("notification",
		zap.String("kind", string(n.Kind)),
		zap.String("application_id", n.ApplicationID),
		zap.String("number", n.Number),
		zap.String("applicant_id", n.ApplicantID))
	return nil
}

// WebhookNotifier posts notifications as JSON to a URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// NewWebhookNotifier creates a webhook notifier with a 10s client timeout.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Notify posts n and treats any non-2xx answer as a failure.
func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// ErrQueueFull is returned by Dispatcher.Notify when the queue has no room.
var ErrQueueFull = errors.New("notification queue full")

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	QueueSize         int
	Workers           int
	RequestsPerMinute int
	Burst             int
	SendTimeout       time.Duration
}

// DefaultDispatcherConfig returns a small queue with two workers and 120 sends per minute.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:         1000,
		Workers:           2,
		RequestsPerMinute: 120,
		Burst:             10,
		SendTimeout:       10 * time.Second,
	}
}

// Dispatcher queues notifications and sends them from worker goroutines,
// throttled in front of the downstream notifier. It never blocks the caller.
type Dispatcher struct {
	next    Notifier
	config  DispatcherConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	queue chan Notification
	wg    sync.WaitGroup
	mu    sync.RWMutex
	done  bool
}

// NewDispatcher creates a dispatcher sending to next.
func NewDispatcher(next Notifier, config DispatcherConfig, logger *zap.Logger) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = defaults.RequestsPerMinute
	}
	if config.Burst <= 0 {
		config.Burst = defaults.Burst
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		next:    next,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerMinute)/60, config.Burst),
		logger:  logger,
		queue:   make(chan Notification, config.QueueSize),
	}
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("starting notification dispatcher", zap.Int("workers", d.config.Workers))
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
}

// Notify enqueues n. A full or stopped queue drops n and returns ErrQueueFull.
func (d *Dispatcher) Notify(_ context.Context, n Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.done {
		return ErrQueueFull
	}
	select {
	case d.queue <- n:
		return nil
	default:
		d.logger.Warn("notification dropped, queue full",
			zap.String("kind", string(n.Kind)),
			zap.String("application_id", n.ApplicationID))
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for the workers to drain it.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return
	}
	d.done = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("notification dispatcher stopped")
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-d.queue:
			if !ok {
				return
			}
			d.send(ctx, id, n)
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, worker int, n Notification) {
	if err := d.limiter.Wait(ctx); err != nil {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()
	if err := d.next.Notify(sctx, n); err != nil {
		d.logger.Error("notification delivery failed",
			zap.Int("worker", worker),
			zap.String("kind", string(n.Kind)),
			zap.String("application_id", n.ApplicationID),
			zap.Error(err))
	}
}
