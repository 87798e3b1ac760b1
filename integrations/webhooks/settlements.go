package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bountyescrow/core/events"
	"bountyescrow/core/types"
	"bountyescrow/native/bounty"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Bounty-Event"
	HeaderDelivery  = "X-Bounty-Delivery"
	HeaderSignature = "X-Bounty-Signature"
)

const (
	defaultMaxAttempts = 5
	defaultMinBackoff  = 2 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultQueueSize   = 64
)

// DefaultTopics lists the event types forwarded when no topics are
// configured: every movement of escrowed value out of a bounty.
var DefaultTopics = []string{
	bounty.EventTypeClosed,
	bounty.EventTypePayout,
	bounty.EventTypeNonFungibleClaimed,
	bounty.EventTypeTierClaimed,
	bounty.EventTypeClaimSettled,
	bounty.EventTypeDepositRefunded,
}

var (
	errEndpointRequired = errors.New("webhook: endpoint required")
	errSecretRequired   = errors.New("webhook: secret required")
	errClosed           = errors.New("webhook: dispatcher closed")
)

// Notification is the JSON body delivered for one ledger event.
type Notification struct {
	DeliveryID string            `json:"deliveryId"`
	Type       string            `json:"type"`
	BountyID   string            `json:"bountyId,omitempty"`
	Attributes map[string]string `json:"attributes"`
	Evidence   string            `json:"evidence,omitempty"`
	SentAt     time.Time         `json:"sentAt"`
}

// Dispatcher posts signed notifications to a single endpoint, retrying
// failed deliveries with exponential backoff.
type Dispatcher struct {
	endpoint    string
	secret      []byte
	client      *http.Client
	logger      *slog.Logger
	topics      map[string]struct{}
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	nowFn       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan delivery
	wg     sync.WaitGroup
}

type delivery struct {
	id        string
	eventType string
	body      []byte
}

// Option mutates dispatcher configuration.
type Option func(*Dispatcher)

// WithHTTPClient overrides the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.client = client
		}
	}
}

// WithRetryPolicy overrides the retry configuration.
func WithRetryPolicy(maxAttempts int, minBackoff, maxBackoff time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			d.minBackoff = minBackoff
		}
		if maxBackoff >= minBackoff && maxBackoff > 0 {
			d.maxBackoff = maxBackoff
		}
	}
}

// WithTopics restricts forwarding to the named event types.
func WithTopics(topics ...string) Option {
	return func(d *Dispatcher) {
		set := make(map[string]struct{}, len(topics))
		for _, topic := range topics {
			if topic = strings.TrimSpace(topic); topic != "" {
				set[topic] = struct{}{}
			}
		}
		if len(set) > 0 {
			d.topics = set
		}
	}
}

// WithLogger sets the logger used to report failed deliveries.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock overrides the timestamp source stamped on notifications.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.nowFn = now
		}
	}
}

// NewDispatcher constructs a dispatcher and spawns the delivery worker.
func NewDispatcher(endpoint string, secret []byte, opts ...Option) (*Dispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errEndpointRequired
	}
	if len(secret) == 0 {
		return nil, errSecretRequired
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		endpoint:    endpoint,
		secret:      append([]byte(nil), secret...),
		client:      &http.Client{Timeout: 15 * time.Second},
		logger:      slog.Default(),
		maxAttempts: defaultMaxAttempts,
		minBackoff:  defaultMinBackoff,
		maxBackoff:  defaultMaxBackoff,
		nowFn:       time.Now,
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan delivery, defaultQueueSize),
	}
	WithTopics(DefaultTopics...)(d)
	for _, opt := range opts {
		opt(d)
	}
	d.wg.Add(1)
	go d.worker()
	return d, nil
}

// Close stops the dispatcher and waits for the inflight delivery.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.cancel()
	d.wg.Wait()
}

// Wants reports whether evt matches the dispatcher's topics.
func (d *Dispatcher) Wants(evt events.Event) bool {
	if evt == nil {
		return false
	}
	_, ok := d.topics[evt.EventType()]
	return ok
}

// Enqueue schedules evt for delivery and returns its delivery id.
func (d *Dispatcher) Enqueue(evt *types.Event) (string, error) {
	if d == nil {
		return "", errors.New("webhook: dispatcher not initialised")
	}
	if evt == nil {
		return "", errors.New("webhook: nil event")
	}
	if d.ctx.Err() != nil {
		return "", errClosed
	}
	note := Notification{
		DeliveryID: uuid.NewString(),
		Type:       evt.Type,
		BountyID:   evt.Attr(bounty.AttrBountyID),
		Attributes: evt.Clone().Attributes,
		SentAt:     d.nowFn().UTC(),
	}
	if len(evt.Evidence) > 0 {
		note.Evidence = "0x" + hex.EncodeToString(evt.Evidence)
	}
	body, err := json.Marshal(note)
	if err != nil {
		return "", err
	}
	select {
	case d.queue <- delivery{id: note.DeliveryID, eventType: note.Type, body: body}:
		return note.DeliveryID, nil
	case <-d.ctx.Done():
		return "", errClosed
	}
}

// Forward subscribes to bus and enqueues every matching event until ctx is
// cancelled or the dispatcher is closed.
func (d *Dispatcher) Forward(ctx context.Context, bus *events.Bus) {
	stream, cancel := bus.Subscribe(defaultQueueSize, d.Wants)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.ctx.Done():
			return
		case evt, ok := <-stream:
			if !ok {
				return
			}
			typed, isTyped := evt.(*types.Event)
			if !isTyped {
				continue
			}
			if _, err := d.Enqueue(typed); err != nil {
				d.logger.Warn("webhook enqueue failed", slog.String("event", typed.Type), slog.Any("error", err))
			}
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case job := <-d.queue:
			d.process(job)
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) process(job delivery) {
	backoff := d.minBackoff
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(d.ctx, d.client.Timeout)
		err := d.send(ctx, job)
		cancel()
		if err == nil {
			return
		}
		if attempt >= d.maxAttempts {
			d.logger.Error("webhook delivery abandoned",
				slog.String("delivery", job.id),
				slog.String("event", job.eventType),
				slog.Int("attempts", attempt),
				slog.Any("error", err))
			return
		}
		select {
		case <-time.After(backoff):
		case <-d.ctx.Done():
			return
		}
		backoff = nextBackoff(backoff, d.maxBackoff)
	}
}

func (d *Dispatcher) send(ctx context.Context, job delivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(job.body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, job.eventType)
	req.Header.Set(HeaderDelivery, job.id)
	req.Header.Set(HeaderSignature, Sign(d.secret, job.body))
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("webhook: delivery failed with status %d", resp.StatusCode)
}

// Sign returns the signature header value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header produced by Sign.
func Verify(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.TrimSpace(signature)))
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max || next < current {
		return max
	}
	return next
}
