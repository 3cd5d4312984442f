package bus

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/agentleash/agentleash/internal/metrics"
	"github.com/agentleash/agentleash/internal/store"
)

// Options bound the webhook delivery pipeline.
type Options struct {
	QueueSize  int           // per-target buffer; overflow drops the record
	Retries    int           // delivery attempts per record
	Window     time.Duration // give up once retries would pass this
	RatePerSec float64       // per-target send pacing
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Retries <= 0 {
		o.Retries = 5
	}
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	if o.RatePerSec <= 0 {
		o.RatePerSec = 10
	}
	return o
}

// target is one registered webhook with its queue and worker.
type target struct {
	hook   *store.Webhook
	queue  chan *store.Record
	cancel context.CancelFunc
}

// Dispatcher posts journal records to registered webhooks. Each target gets
// its own bounded queue and worker so one slow endpoint never stalls the
// others.
type Dispatcher struct {
	mu      sync.Mutex
	targets map[string]*target // by webhook id

	st      store.Store
	opts    Options
	client  *http.Client
	backoff time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(st store.Store, opts Options, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		targets: make(map[string]*target),
		st:      st,
		opts:    opts.withDefaults(),
		client:  &http.Client{Timeout: 10 * time.Second},
		backoff: time.Second,
		metrics: m,
		logger:  logger.With("component", "bus.Dispatcher"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Restore loads persisted webhooks and starts their workers.
func (d *Dispatcher) Restore() error {
	hooks, err := d.st.ListWebhooks()
	if err != nil {
		return fmt.Errorf("failed to load webhooks: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range hooks {
		d.startLocked(h)
	}
	return nil
}

// Add registers a webhook target. Re-adding an existing URL replaces its
// secret.
func (d *Dispatcher) Add(rawURL, secret string) (*store.Webhook, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", rawURL)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	hook := &store.Webhook{URL: rawURL, Secret: secret}
	if existing := d.findLocked(rawURL); existing != nil {
		hook.ID = existing.hook.ID
		existing.cancel()
		delete(d.targets, hook.ID)
	} else {
		hook.ID = ulid.Make().String()
	}
	if err := d.st.PutWebhook(hook); err != nil {
		return nil, fmt.Errorf("failed to persist webhook: %w", err)
	}
	d.startLocked(hook)
	d.logger.Info("webhook registered", "url", rawURL, "signed", secret != "")
	return hook, nil
}

// Remove unregisters the webhook with the given URL.
func (d *Dispatcher) Remove(rawURL string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t := d.findLocked(rawURL)
	if t == nil {
		return store.ErrNotFound
	}
	if err := d.st.DeleteWebhook(t.hook.ID); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	t.cancel()
	delete(d.targets, t.hook.ID)
	d.logger.Info("webhook removed", "url", rawURL)
	return nil
}

// List returns the registered webhooks sorted by URL.
func (d *Dispatcher) List() []*store.Webhook {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*store.Webhook, 0, len(d.targets))
	for _, t := range d.targets {
		out = append(out, t.hook)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// Deliver enqueues rec for every target. A full queue drops the record for
// that target only.
func (d *Dispatcher) Deliver(rec *store.Record) {
	d.mu.Lock()
	targets := make([]*target, 0, len(d.targets))
	for _, t := range d.targets {
		targets = append(targets, t)
	}
	d.mu.Unlock()

	for _, t := range targets {
		select {
		case t.queue <- rec:
		default:
			d.count("dropped")
			d.logger.Warn("webhook queue full, dropping record",
				"url", t.hook.URL, "cursor", rec.Cursor)
		}
	}
}

// Close stops all workers and waits for them.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) findLocked(rawURL string) *target {
	for _, t := range d.targets {
		if t.hook.URL == rawURL {
			return t
		}
	}
	return nil
}

func (d *Dispatcher) startLocked(hook *store.Webhook) {
	ctx, cancel := context.WithCancel(d.ctx)
	t := &target{
		hook:   hook,
		queue:  make(chan *store.Record, d.opts.QueueSize),
		cancel: cancel,
	}
	d.targets[hook.ID] = t
	d.wg.Add(1)
	go d.run(ctx, t)
}

func (d *Dispatcher) run(ctx context.Context, t *target) {
	defer d.wg.Done()
	limiter := rate.NewLimiter(rate.Limit(d.opts.RatePerSec), 1)
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-t.queue:
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			d.deliver(ctx, t.hook, rec)
		}
	}
}

// deliver posts one record, retrying with exponential backoff until the
// attempt limit or the delivery window runs out.
func (d *Dispatcher) deliver(ctx context.Context, hook *store.Webhook, rec *store.Record) {
	body, err := json.Marshal(rec)
	if err != nil {
		d.logger.Error("failed to marshal webhook payload", "error", err)
		return
	}

	deadline := time.Now().Add(d.opts.Window)
	backoff := d.backoff
	for attempt := 1; ; attempt++ {
		err := d.post(ctx, hook, body)
		if err == nil {
			d.count("ok")
			return
		}
		if attempt >= d.opts.Retries || time.Now().Add(backoff).After(deadline) {
			d.count("failed")
			d.logger.Warn("webhook delivery failed",
				"url", hook.URL, "cursor", rec.Cursor, "attempts", attempt, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (d *Dispatcher) post(ctx context.Context, hook *store.Webhook, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "AgentLeash/1.0")
	if hook.Secret != "" {
		req.Header.Set("X-AgentLeash-Signature", sign(body, []byte(hook.Secret)))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) count(result string) {
	if d.metrics != nil {
		d.metrics.WebhookDeliveries.WithLabelValues(result).Inc()
	}
}

func sign(data, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
