package activitypub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/deemkeen/fedengine/domain"
	"github.com/deemkeen/fedengine/util"
	"golang.org/x/sync/errgroup"
)

type DeliveryConfig struct {
	Workers      int
	MaxAttempts  int
	PollInterval time.Duration
	Timeout      time.Duration
	Backoff      []time.Duration
	BatchSize    int
	UserAgent    string
}

var defaultBackoff = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	4 * time.Hour,
	24 * time.Hour,
}

// DeliveryEngine drains the delivery queue. Every queued row is one (activity, inbox) pair with
// its own attempt count and next retry time, so one failing inbox never holds up another.
type DeliveryEngine struct {
	queue  Queue
	keys   KeyStore
	conf   DeliveryConfig
	client *http.Client
	log    *slog.Logger
	now    func() time.Time
	wake   chan struct{}
}

type DeliveryOption func(*DeliveryEngine)

func WithDeliveryClock(now func() time.Time) DeliveryOption {
	return func(d *DeliveryEngine) { d.now = now }
}

func WithDeliveryLogger(l *slog.Logger) DeliveryOption {
	return func(d *DeliveryEngine) { d.log = l }
}

func WithHTTPClient(c *http.Client) DeliveryOption {
	return func(d *DeliveryEngine) { d.client = c }
}

func NewDeliveryEngine(queue Queue, keys KeyStore, conf DeliveryConfig, opts ...DeliveryOption) *DeliveryEngine {
	if conf.Workers <= 0 {
		conf.Workers = 8
	}
	if conf.MaxAttempts <= 0 {
		conf.MaxAttempts = 10
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = 10 * time.Second
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 10 * time.Second
	}
	if len(conf.Backoff) == 0 {
		conf.Backoff = defaultBackoff
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = 50
	}
	if conf.UserAgent == "" {
		conf.UserAgent = "fedengine"
	}
	d := &DeliveryEngine{
		queue: queue,
		keys:  keys,
		conf:  conf,
		now:   time.Now,
		wake:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.client == nil {
		d.client = &http.Client{Timeout: conf.Timeout}
	}
	if d.log == nil {
		d.log = util.NewLogger("delivery")
	}
	return d
}

// Submit queues body for every inbox. It only fails when nothing could be queued for some inbox;
// the outcome of the sends themselves is never reported back.
func (d *DeliveryEngine) Submit(ctx context.Context, sender *domain.Actor, activityID string, body []byte, inboxes []string) error {
	if sender == nil || sender.PrivateKeyPem == "" {
		return fmt.Errorf("sender has no private key, refusing to send unsigned activity %s", activityID)
	}
	now := d.now()
	var errs []error
	for _, inbox := range inboxes {
		err := d.queue.EnqueueDelivery(&domain.DeliveryQueueItem{
			InboxURI:     inbox,
			ActivityId:   activityID,
			ActivityJSON: string(body),
			SenderURI:    sender.ActorURI,
			NextRetryAt:  now,
			CreatedAt:    now,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", inbox, err))
		}
	}
	d.Wake()
	return errors.Join(errs...)
}

// Wake triggers a queue pass without waiting for the next tick.
func (d *DeliveryEngine) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run processes the queue until ctx is done.
func (d *DeliveryEngine) Run(ctx context.Context) error {
	d.log.Info("Starting delivery worker", "workers", d.conf.Workers, "interval", d.conf.PollInterval)
	ticker := time.NewTicker(d.conf.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
		if _, err := d.ProcessOnce(ctx); err != nil {
			d.log.Error("Failed to read queue", "error", err)
		}
	}
}

// ProcessOnce sends every due row once and returns how many rows it picked up.
func (d *DeliveryEngine) ProcessOnce(ctx context.Context) (int, error) {
	items, err := d.queue.ReadPendingDeliveries(d.now(), d.conf.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	d.log.Debug("Processing pending deliveries", "count", len(items))

	var g errgroup.Group
	g.SetLimit(d.conf.Workers)
	for i := range items {
		item := &items[i]
		g.Go(func() error {
			d.process(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return len(items), nil
}

func (d *DeliveryEngine) process(ctx context.Context, item *domain.DeliveryQueueItem) {
	err := d.deliver(ctx, item)
	if ctx.Err() != nil {
		// shutting down, the row stays due
		return
	}
	log := d.log.With("inbox", item.InboxURI, "activity", item.ActivityId)
	attempts := item.Attempts + 1

	switch {
	case err == nil:
		if err := d.queue.DeleteDelivery(item.Id); err != nil {
			log.Error("Failed to remove delivered row", "error", err)
		}
		log.Info("Delivered")
	case !IsTransient(err):
		log.Warn("Delivery failed permanently", "attempt", attempts, "error", err)
		if err := d.queue.MarkDeliveryFailed(item.Id, attempts, err.Error()); err != nil {
			log.Error("Failed to update queue", "error", err)
		}
	case attempts >= d.conf.MaxAttempts:
		log.Warn("Giving up on delivery", "attempts", attempts, "error", err)
		if err := d.queue.MarkDeliveryFailed(item.Id, attempts, "gave up: "+err.Error()); err != nil {
			log.Error("Failed to update queue", "error", err)
		}
	default:
		backoff := d.conf.Backoff[min(attempts-1, len(d.conf.Backoff)-1)]
		next := d.now().Add(backoff)
		log.Info("Delivery failed, retry scheduled", "attempt", attempts, "next", next, "error", err)
		if err := d.queue.UpdateDeliveryAttempt(item.Id, attempts, next, err.Error()); err != nil {
			log.Error("Failed to update queue", "error", err)
		}
	}
}

// deliver signs and posts one row. The error wraps ErrTransientDelivery or ErrPermanentDelivery.
func (d *DeliveryEngine) deliver(ctx context.Context, item *domain.DeliveryQueueItem) error {
	sender, err := d.keys.ReadActorByURI(item.SenderURI)
	if err != nil {
		if IsNotFound(err) {
			return fmt.Errorf("%w: sender %s is gone", ErrPermanentDelivery, item.SenderURI)
		}
		return fmt.Errorf("%w: read sender: %v", ErrTransientDelivery, err)
	}
	key, err := ParsePrivateKey(sender.PrivateKeyPem)
	if err != nil {
		return fmt.Errorf("%w: signing key of %s: %v", ErrPermanentDelivery, sender.ActorURI, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.conf.Timeout)
	defer cancel()

	body := []byte(item.ActivityJSON)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.InboxURI, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", ErrPermanentDelivery, err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", d.conf.UserAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	if err := SignRequest(req, key, sender.KeyID(), body); err != nil {
		return fmt.Errorf("%w: failed to sign request: %v", ErrPermanentDelivery, err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransientDelivery, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return classifyStatus(item.InboxURI, resp.StatusCode)
}

// classifyStatus: 2xx delivered, 408 and 429 and 5xx retried, any other 4xx final.
func classifyStatus(inbox string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned %d", ErrTransientDelivery, inbox, code)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: %s returned %d", ErrPermanentDelivery, inbox, code)
	default:
		return fmt.Errorf("%w: %s returned %d", ErrTransientDelivery, inbox, code)
	}
}
