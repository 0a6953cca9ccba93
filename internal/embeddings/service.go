// Package embeddings provides embedding generation via TEI, with a two-tier
// cache for query embeddings: the response cache in front of a persistent
// searchEmbeddings collection in the document store.
package embeddings

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/entityd/internal/cache"
	"github.com/fyrsmithlabs/entityd/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty input text
	ErrEmptyInput = errors.New("empty input text")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates embedding generation failure
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Mode selects the asymmetric-retrieval prefix sent with the text. BGE-style
// models embed queries and passages differently.
type Mode string

const (
	ModeDocument Mode = "passage"
	ModeQuery    Mode = "query"
)

// QueryEmbeddingTTL is the response-cache TTL for query embeddings.
const QueryEmbeddingTTL = 12 * time.Hour

// Config holds configuration for the embedding service.
type Config struct {
	// BaseURL is the base URL for the embedding API
	BaseURL string

	// Model is the embedding model name, recorded in metrics
	Model string

	// APIKey is the API key (optional for TEI)
	APIKey string

	// Timeout bounds each embedding request
	Timeout time.Duration
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return nil
}

// Service provides embedding generation functionality.
type Service struct {
	config  Config
	client  *http.Client
	cache   cache.Cache
	docs    store.DocStore
	logger  *zap.Logger
	metrics *Metrics
}

// NewService creates a new embedding service. c and docs are the fast and
// persistent tiers of the query-embedding cache; either may be nil to
// disable that tier.
func NewService(config Config, c cache.Cache, docs store.DocStore, logger *zap.Logger) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		cache:   c,
		docs:    docs,
		logger:  logger,
		metrics: NewMetrics(logger),
	}, nil
}

var htmlTags = regexp.MustCompile(`<[^>]*>`)

// sanitize strips HTML tags so only text content gets embedded.
func sanitize(text string) string {
	return strings.TrimSpace(htmlTags.ReplaceAllString(text, ""))
}

// EmbedDocument generates an embedding for document text at write time.
func (s *Service) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	clean := sanitize(text)
	if clean == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	return s.embed(ctx, clean, ModeDocument)
}

// EmbedQuery generates an embedding for a search term, consulting the fast
// cache and then the persistent cache before calling the provider. scope is
// the objects collection being searched; cached terms live next to it under
// the same entity.
func (s *Service) EmbedQuery(ctx context.Context, text string, scope store.Ref) ([]float32, error) {
	clean := strings.ToLower(sanitize(text))
	if clean == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}

	cacheRef := scope.Parent().Collection(store.CollectionSearchEmbeddings).Doc(queryKey(clean))

	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, cacheRef.Path()); ok {
			var vec []float32
			if json.Unmarshal(raw, &vec) == nil && len(vec) > 0 {
				return vec, nil
			}
		}
	}

	if s.docs != nil {
		doc, err := s.docs.GetByRef(ctx, cacheRef)
		if err == nil {
			if vec := embeddingFromDoc(doc); vec != nil {
				s.cacheVector(ctx, cacheRef.Path(), vec)
				return vec, nil
			}
		} else if !errors.Is(err, store.ErrNotExists) {
			s.logger.Warn("query embedding lookup failed",
				zap.String("ref", cacheRef.Path()), zap.Error(err))
		}
	}

	vec, err := s.embed(ctx, clean, ModeQuery)
	if err != nil {
		return nil, err
	}

	if s.docs != nil {
		if err := s.docs.SetByRef(ctx, cacheRef, map[string]any{"term": clean, "embedding": vec}); err != nil {
			s.logger.Warn("query embedding store failed",
				zap.String("ref", cacheRef.Path()), zap.Error(err))
		}
	}
	s.cacheVector(ctx, cacheRef.Path(), vec)
	return vec, nil
}

func (s *Service) cacheVector(ctx context.Context, key string, vec []float32) {
	if s.cache == nil {
		return
	}
	if raw, err := json.Marshal(vec); err == nil {
		s.cache.Set(ctx, key, raw, QueryEmbeddingTTL)
	}
}

// queryKey derives a document id from a sanitized term. Terms may contain
// characters that are not valid path segments.
func queryKey(term string) string {
	sum := sha256.Sum256([]byte(term))
	return hex.EncodeToString(sum[:16])
}

func embeddingFromDoc(doc map[string]any) []float32 {
	switch t := doc["embedding"].(type) {
	case []float32:
		return t
	case []any:
		out := make([]float32, 0, len(t))
		for _, e := range t {
			f, ok := e.(float64)
			if !ok {
				return nil
			}
			out = append(out, float32(f))
		}
		return out
	default:
		return nil
	}
}

// teiRequest is the request body for TEI embed endpoint.
type teiRequest struct {
	Inputs   interface{} `json:"inputs"`
	Truncate bool        `json:"truncate"`
}

func (s *Service) embed(ctx context.Context, text string, mode Mode) ([]float32, error) {
	start := time.Now()
	var genErr error
	defer func() {
		s.metrics.RecordGeneration(s.config.Model, string(mode), time.Since(start), genErr)
	}()

	req := teiRequest{
		Inputs:   fmt.Sprintf("%s: %s", mode, text),
		Truncate: true,
	}

	body, err := json.Marshal(req)
	if err != nil {
		genErr = fmt.Errorf("marshaling request: %w", err)
		return nil, genErr
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		genErr = fmt.Errorf("creating request: %w", err)
		return nil, genErr
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		genErr = fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
		return nil, genErr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		genErr = fmt.Errorf("%w: status %d: %s", ErrEmbeddingFailed, resp.StatusCode, string(respBody))
		return nil, genErr
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		genErr = fmt.Errorf("decoding response: %w", err)
		return nil, genErr
	}

	if len(vectors) == 0 {
		genErr = fmt.Errorf("%w: empty response", ErrEmbeddingFailed)
		return nil, genErr
	}

	return vectors[0], nil
}
