package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Webhook-Signature"

// WebhookStore lists the active webhooks of a project subscribed to event.
type WebhookStore interface {
	ActiveWebhooks(ctx context.Context, projectID, event string) ([]domain.Webhook, error)
}

// WebhookConfig sizes the delivery worker pool.
type WebhookConfig struct {
	Workers int
	Buffer  int
	// Timeout bounds one delivery job, including the HTTP requests.
	Timeout time.Duration
	// Handoff is how long Dispatch waits for buffer space before dropping.
	Handoff time.Duration
}

func (c WebhookConfig) withDefaults() WebhookConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

type webhookJob struct {
	projectID string
	event     string
	data      map[string]any
}

type webhookPayload struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// WebhookDispatcher delivers project events to subscribed URLs from a fixed
// pool of workers. Delivery failures are logged and never retried.
type WebhookDispatcher struct {
	store  WebhookStore
	client *http.Client
	cfg    WebhookConfig
	log    *log.Logger
	jobs   chan webhookJob
	wg     sync.WaitGroup
	once   sync.Once
}

func NewWebhookDispatcher(store WebhookStore, client *http.Client, cfg WebhookConfig, logger *log.Logger) *WebhookDispatcher {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	d := &WebhookDispatcher{store: store, client: client, cfg: cfg, log: logger, jobs: make(chan webhookJob, cfg.Buffer)}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	logger.Infof("webhook dispatcher started, workers: %d, buffer: %d, timeout: %v, handoff: %v", cfg.Workers, cfg.Buffer, cfg.Timeout, cfg.Handoff)
	return d
}

// Dispatch implements domain.Webhooks. It never blocks longer than the
// configured handoff.
func (d *WebhookDispatcher) Dispatch(projectID, event string, data map[string]any) {
	if !d.tryEnqueue(webhookJob{projectID: projectID, event: event, data: data}) {
		d.log.WithFields(log.Fields{"project": projectID, "event": event}).Warn("webhook dropped, dispatcher busy or closed")
	}
}

// Close stops accepting jobs and waits for queued deliveries.
func (d *WebhookDispatcher) Close() {
	d.once.Do(func() { close(d.jobs) })
	d.wg.Wait()
}

func (d *WebhookDispatcher) tryEnqueue(job webhookJob) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case d.jobs <- job:
		return true
	default:
	}
	if d.cfg.Handoff <= 0 {
		return false
	}
	timer := time.NewTimer(d.cfg.Handoff)
	defer timer.Stop()
	select {
	case d.jobs <- job:
		return true
	case <-timer.C:
		return false
	}
}

func (d *WebhookDispatcher) worker(id int) {
	defer d.wg.Done()
	for j := range d.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
		if err := d.deliver(ctx, j); err != nil {
			d.log.Errorf("webhook delivery failed, err: %v, project: %s, event: %s, worker: %d", err, j.projectID, j.event, id)
		}
		cancel()
	}
}

func (d *WebhookDispatcher) deliver(ctx context.Context, j webhookJob) error {
	hooks, err := d.store.ActiveWebhooks(ctx, j.projectID, j.event)
	if err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}
	if len(hooks) == 0 {
		return nil
	}
	body, err := sonic.Marshal(webhookPayload{Event: j.event, Data: j.data})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	for _, h := range hooks {
		status, err := d.post(ctx, h, j.event, body)
		if err != nil {
			d.log.WithError(err).WithFields(log.Fields{"webhook": h.ID, "url": h.URL}).Warn("webhook request failed")
			continue
		}
		d.log.WithFields(log.Fields{"webhook": h.ID, "url": h.URL, "status": status}).Info("webhook sent")
	}
	return nil
}

func (d *WebhookDispatcher) post(ctx context.Context, h domain.Webhook, event string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event)
	if h.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(h.Secret, body))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Sign returns the hex encoded HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
