// Package entitycache resolves and caches per-entity configuration: the
// entity's schema documents plus its expressions, webhooks, actions and
// roles. Handlers resolve through it on every request; the TTL bounds how
// stale a node's view of an entity can get.
package entitycache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/entityd/internal/apperr"
	"github.com/fyrsmithlabs/entityd/internal/schema"
	"github.com/fyrsmithlabs/entityd/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultTTL is how long a resolved entity configuration stays fresh.
const DefaultTTL = 5 * time.Minute

// Webhook is a registered async side-effect subscription. Type names the
// mutation that fires it: create, update or delete.
type Webhook struct {
	ID      string
	Type    string
	Subject string
	URL     string
}

// Action is a registered synchronous side-effect. Actions run as a waterfall
// ordered by Order.
type Action struct {
	ID      string
	URL     string
	Order   int
	Timeout time.Duration
}

// Config is one entity's resolved configuration.
type Config struct {
	Workspace string
	Entity    string

	// Schemas holds the entity's schema documents by id: the entity's own
	// schema plus any sub-entity schemas.
	Schemas map[string]*schema.Definition

	// Expressions maps expression id to its JSONata source.
	Expressions map[string]string

	Webhooks []Webhook
	Actions  []Action

	// Roles maps role name to member emails.
	Roles map[string][]string
}

// Definition returns the schema document with the given id, or nil.
func (c *Config) Definition(id string) *schema.Definition {
	return c.Schemas[id]
}

// WebhooksFor returns the webhooks subscribed to the given mutation type.
func (c *Config) WebhooksFor(mutation string) []Webhook {
	var out []Webhook
	for _, w := range c.Webhooks {
		if w.Type == mutation {
			out = append(out, w)
		}
	}
	return out
}

// HasRole reports whether email belongs to any of the given roles.
func (c *Config) HasRole(email string, roles []string) bool {
	for _, role := range roles {
		for _, member := range c.Roles[role] {
			if strings.EqualFold(member, email) {
				return true
			}
		}
	}
	return false
}

type entry struct {
	cfg     *Config
	expires time.Time
}

// Service caches resolved entity configurations in process memory.
type Service struct {
	store  store.DocStore
	ttl    time.Duration
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]entry
}

// NewService creates a Service over the given document store.
func NewService(docs store.DocStore, ttl time.Duration, logger *zap.Logger) *Service {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   docs,
		ttl:     ttl,
		logger:  logger,
		entries: map[string]entry{},
	}
}

func cacheKey(workspace, entity string) string {
	return workspace + "/" + entity
}

// Resolve returns the configuration for workspace/entity, fetching it when
// absent, expired or force is set. An entity with no schema document of its
// own fails with NotFound.
func (s *Service) Resolve(ctx context.Context, workspace, entity string, force bool) (*Config, error) {
	key := cacheKey(workspace, entity)

	if !force {
		s.mu.RLock()
		e, ok := s.entries[key]
		s.mu.RUnlock()
		if ok && time.Now().Before(e.expires) {
			return e.cfg, nil
		}
	}

	cfg, err := s.fetch(ctx, workspace, entity)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.entries[key] = entry{cfg: cfg, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()

	s.logger.Debug("entity configuration refreshed",
		zap.String("workspace", workspace), zap.String("entity", entity))
	return cfg, nil
}

// Invalidate drops the cached configuration for one entity.
func (s *Service) Invalidate(workspace, entity string) {
	s.mu.Lock()
	delete(s.entries, cacheKey(workspace, entity))
	s.mu.Unlock()
}

// InvalidateWorkspace drops every cached entity under a workspace.
func (s *Service) InvalidateWorkspace(workspace string) {
	prefix := workspace + "/"
	s.mu.Lock()
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
}

func (s *Service) fetch(ctx context.Context, workspace, entity string) (*Config, error) {
	entityDoc := store.Workspace(workspace).Doc(entity)
	cfg := &Config{Workspace: workspace, Entity: entity}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rows, err := s.collection(gctx, entityDoc, store.CollectionObjectSchemas)
		if err != nil {
			return err
		}
		cfg.Schemas = make(map[string]*schema.Definition, len(rows))
		for _, row := range rows {
			id := asString(row["objectId"])
			if id == "" {
				continue
			}
			def, err := schema.DefinitionFromMap(row)
			if err != nil {
				return apperr.Wrap(apperr.MsgSomethingWentWrong,
					fmt.Errorf("schema %s/%s/%s: %w", workspace, entity, id, err))
			}
			cfg.Schemas[id] = def
		}
		if cfg.Schemas[entity] == nil {
			return apperr.NotFound(apperr.MsgEntityNotFound)
		}
		return nil
	})

	g.Go(func() error {
		rows, err := s.collection(gctx, entityDoc, store.CollectionExpressions)
		if err != nil {
			return err
		}
		cfg.Expressions = make(map[string]string, len(rows))
		for _, row := range rows {
			if id := asString(row["objectId"]); id != "" {
				cfg.Expressions[id] = asString(row["value"])
			}
		}
		return nil
	})

	g.Go(func() error {
		rows, err := s.collection(gctx, entityDoc, store.CollectionWebhooks)
		if err != nil {
			return err
		}
		for _, row := range rows {
			cfg.Webhooks = append(cfg.Webhooks, Webhook{
				ID:      asString(row["objectId"]),
				Type:    asString(row["type"]),
				Subject: asString(row["subject"]),
				URL:     asString(row["url"]),
			})
		}
		return nil
	})

	g.Go(func() error {
		rows, err := s.collection(gctx, entityDoc, store.CollectionActions)
		if err != nil {
			return err
		}
		for _, row := range rows {
			cfg.Actions = append(cfg.Actions, Action{
				ID:      asString(row["objectId"]),
				URL:     asString(row["url"]),
				Order:   asInt(row["order"]),
				Timeout: time.Duration(asInt(row["timeout"])) * time.Millisecond,
			})
		}
		return nil
	})

	g.Go(func() error {
		rows, err := s.collection(gctx, entityDoc, store.CollectionRoles)
		if err != nil {
			return err
		}
		cfg.Roles = make(map[string][]string, len(rows))
		for _, row := range rows {
			if id := asString(row["objectId"]); id != "" {
				cfg.Roles[id] = asStrings(row["users"])
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(cfg.Actions, func(i, j int) bool {
		return cfg.Actions[i].Order < cfg.Actions[j].Order
	})
	return cfg, nil
}

func (s *Service) collection(ctx context.Context, entityDoc store.Ref, name string) ([]map[string]any, error) {
	rows, err := s.store.QueryCollection(ctx, entityDoc.Collection(name), store.Query{})
	if err != nil {
		return nil, apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}
	return rows, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
