// Package dispatch runs mutation side-effects after the write: a webhook
// fan-out published to NATS, and a synchronous waterfall of action calls
// that shapes the response payload.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/entityd/internal/apperr"
	"github.com/fyrsmithlabs/entityd/internal/entitycache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Mutation types carried on events and matched against webhook
// subscriptions.
const (
	MutationCreate = "create"
	MutationUpdate = "update"
	MutationDelete = "delete"
)

// DefaultActionTimeout bounds one action call when its document does not
// set a timeout.
const DefaultActionTimeout = 10 * time.Second

// Publisher is the pub/sub send side. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Event is the webhook payload for one mutation.
type Event struct {
	Workspace string         `json:"workspace"`
	Entity    string         `json:"entity"`
	Type      string         `json:"type"`
	ObjectID  string         `json:"objectId"`
	Object    map[string]any `json:"object,omitempty"`
	Webhook   string         `json:"webhook"`
	At        time.Time      `json:"at"`
}

// Dispatcher executes actions and webhooks for an entity's mutations.
type Dispatcher struct {
	client    *http.Client
	publisher Publisher
	logger    *zap.Logger
}

// NewDispatcher creates a Dispatcher. publisher may be nil when no pub/sub
// transport is configured; webhooks with a URL still fire over HTTP.
func NewDispatcher(publisher Publisher, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		client:    &http.Client{},
		publisher: publisher,
		logger:    logger,
	}
}

// RunActions executes the entity's actions as a waterfall, in order: each
// action receives the previous action's output as its payload and the last
// output becomes the response body. The stored object is never touched. Any
// failure fails the request.
func (d *Dispatcher) RunActions(ctx context.Context, cfg *entitycache.Config, mutation string, payload map[string]any) (map[string]any, error) {
	current := payload
	for _, action := range cfg.Actions {
		next, err := d.callAction(ctx, cfg, action, mutation, current)
		if err != nil {
			return nil, apperr.Wrap(apperr.MsgSomethingWentWrong,
				fmt.Errorf("action %s: %w", action.ID, err))
		}
		current = next
	}
	return current, nil
}

func (d *Dispatcher) callAction(ctx context.Context, cfg *entitycache.Config, action entitycache.Action, mutation string, payload map[string]any) (map[string]any, error) {
	timeout := action.Timeout
	if timeout == 0 {
		timeout = DefaultActionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Workspace", cfg.Workspace)
	req.Header.Set("X-Schema", cfg.Entity)
	req.Header.Set("X-Mutation", mutation)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}

	// An empty or non-JSON body leaves the payload as-is; actions that only
	// observe do not have to echo the object back.
	var next map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&next); err != nil || next == nil {
		return payload, nil
	}
	return next, nil
}

// FireWebhooks publishes the mutation event to every webhook subscribed to
// it, concurrently, and waits for all of them. It returns the ids of the
// webhooks that fired, in configuration order.
func (d *Dispatcher) FireWebhooks(ctx context.Context, cfg *entitycache.Config, mutation, objectID string, object map[string]any) ([]string, error) {
	hooks := cfg.WebhooksFor(mutation)
	if len(hooks) == 0 {
		return nil, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	ids := make([]string, len(hooks))

	for i, hook := range hooks {
		g.Go(func() error {
			event := Event{
				Workspace: cfg.Workspace,
				Entity:    cfg.Entity,
				Type:      mutation,
				ObjectID:  objectID,
				Object:    object,
				Webhook:   hook.ID,
				At:        time.Now().UTC(),
			}
			if err := d.deliver(gctx, hook, event); err != nil {
				return apperr.Wrap(apperr.MsgSomethingWentWrong,
					fmt.Errorf("webhook %s: %w", hook.ID, err))
			}
			ids[i] = hook.ID
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// deliver sends one event: over pub/sub when the webhook names a subject,
// over HTTP when it names a URL. A webhook may do both.
func (d *Dispatcher) deliver(ctx context.Context, hook entitycache.Webhook, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	if hook.Subject != "" {
		if d.publisher == nil {
			return fmt.Errorf("webhook names subject %q but no publisher configured", hook.Subject)
		}
		if err := d.publisher.Publish(hook.Subject, data); err != nil {
			return fmt.Errorf("publishing to %s: %w", hook.Subject, err)
		}
		d.logger.Debug("webhook published",
			zap.String("webhook", hook.ID), zap.String("subject", hook.Subject))
	}

	if hook.URL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
	}

	return nil
}
