// Package webhooks delivers pipeline notifications to external services.
//
// Users register webhook URLs to receive events about:
// - Risk level changes
// - Interventions created or escalated
// - Session lifecycle (started, ended)
//
// Payloads are HMAC-SHA256 signed with a per-subscription secret.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/attnlabs/pacebreak/internal/circuitbreaker"
	"github.com/attnlabs/pacebreak/internal/retry"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventRiskLevelChanged      EventType = "risk.level_changed"
	EventInterventionCreated   EventType = "intervention.created"
	EventInterventionEscalated EventType = "intervention.escalated"
	EventSessionStarted        EventType = "session.started"
	EventSessionEnded          EventType = "session.ended"
)

// KnownEvents lists every event type a subscription may register for.
var KnownEvents = []EventType{
	EventRiskLevelChanged,
	EventInterventionCreated,
	EventInterventionEscalated,
	EventSessionStarted,
	EventSessionEnded,
}

// Event represents a webhook event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscription represents a webhook subscription
type Subscription struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"userId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"` // Used for HMAC signing
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"-"`
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByUser(ctx context.Context, userID string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// RetryConfig controls delivery retries and the auto-disable threshold.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxFailures int // consecutive failures before a subscription is disabled
}

// DefaultRetryConfig is used by NewDispatcher.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxFailures: 10,
}

// Dispatcher sends webhook events. Deliveries retry with backoff; an
// endpoint that keeps failing trips a per-subscription circuit breaker
// and is eventually disabled.
type Dispatcher struct {
	store        Store
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	retry        RetryConfig
	urlValidator func(string) error
}

// NewDispatcher creates a dispatcher with default retry settings.
func NewDispatcher(store Store) *Dispatcher {
	return NewDispatcherWithRetry(store, DefaultRetryConfig)
}

// NewDispatcherWithRetry creates a dispatcher with explicit retry settings.
func NewDispatcherWithRetry(store Store, rc RetryConfig) *Dispatcher {
	if rc.MaxAttempts <= 0 {
		rc.MaxAttempts = 1
	}
	if rc.MaxFailures <= 0 {
		rc.MaxFailures = DefaultRetryConfig.MaxFailures
	}
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		breaker:      circuitbreaker.New(rc.MaxFailures, 60*time.Second),
		retry:        rc,
		urlValidator: ValidateTargetURL,
	}
}

// Dispatch sends an event to all relevant subscribers
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		return fmt.Errorf("failed to get subscribers: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		// Send async to avoid blocking
		go d.send(ctx, sub, event)
	}

	return nil
}

// DispatchToUser sends an event to a specific user's webhooks
func (d *Dispatcher) DispatchToUser(ctx context.Context, userID string, event *Event) error {
	subs, err := d.store.GetByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}

		// Check if subscribed to this event type
		for _, et := range sub.Events {
			if et == event.Type {
				go d.send(ctx, sub, event)
				break
			}
		}
	}

	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	if !d.breaker.Allow(sub.ID) {
		return
	}

	if err := d.urlValidator(sub.URL); err != nil {
		d.breaker.RecordFailure(sub.ID)
		d.updateError(ctx, sub, err.Error())
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal event")
		return
	}

	err = retry.Do(ctx, d.retry.MaxAttempts, d.retry.BaseDelay, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		d.breaker.RecordFailure(sub.ID)
		d.updateError(ctx, sub, err.Error())
		return
	}

	d.breaker.RecordSuccess(sub.ID)
	d.updateSuccess(ctx, sub)
}

// post performs one delivery attempt. Client errors (4xx) are permanent;
// transport failures and 5xx responses are retried.
func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pacebreak-Event", string(event.Type))
	req.Header.Set("X-Pacebreak-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		signature := d.sign(payload, sub.Secret)
		req.Header.Set("X-Pacebreak-Signature", signature)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (d *Dispatcher) sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= d.retry.MaxFailures {
		sub.Active = false
	}
	d.store.Update(ctx, sub)
}

// ValidateTargetURL rejects URLs that could reach internal services:
// non-HTTP schemes, localhost, and private or link-local addresses.
func ValidateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" || host == "localhost" {
		return fmt.Errorf("url host not allowed")
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("url host not allowed")
		}
	}
	return nil
}

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, fmt.Errorf("subscription not found")
}

func (m *MemoryStore) GetByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, eventType EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		for _, et := range sub.Events {
			if et == eventType {
				result = append(result, sub)
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
