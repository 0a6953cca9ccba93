// Package transform applies JSONata expressions to response payloads. An
// expression id arriving with a request selects the expression; without one
// the payload passes through untouched.
package transform

import (
	"sync"

	jsonata "github.com/blues/jsonata-go"
	"github.com/fyrsmithlabs/entityd/internal/apperr"
	"github.com/fyrsmithlabs/entityd/internal/entitycache"
)

// Service evaluates expressions, memoizing compiled forms by source text.
// Expression documents are tiny and change rarely; compiling per request
// would dominate the transform cost.
type Service struct {
	mu       sync.RWMutex
	compiled map[string]*jsonata.Expr
}

// NewService creates the transformation service.
func NewService() *Service {
	return &Service{compiled: map[string]*jsonata.Expr{}}
}

// Validate reports whether src compiles. Management routes call this before
// accepting an expression document.
func Validate(src string) error {
	if _, err := jsonata.Compile(src); err != nil {
		return apperr.MissingPrecondition(apperr.MsgExpressionInvalid)
	}
	return nil
}

// Evaluate applies the expression registered under expressionID to payload.
// An empty id passes payload through. Unknown ids and expressions that fail
// to compile both report the expression as not found. Arrays are evaluated
// element by element, preserving order.
func (s *Service) Evaluate(expressionID string, payload any, cfg *entitycache.Config) (any, error) {
	if expressionID == "" {
		return payload, nil
	}

	src, ok := cfg.Expressions[expressionID]
	if !ok || src == "" {
		return nil, apperr.NotFound(apperr.MsgExpressionNotFound)
	}

	expr, err := s.compile(src)
	if err != nil {
		return nil, apperr.NotFound(apperr.MsgExpressionNotFound)
	}

	if items, ok := payload.([]map[string]any); ok {
		out := make([]any, len(items))
		for i, item := range items {
			v, err := expr.Eval(item)
			if err != nil {
				return nil, apperr.Wrap(apperr.MsgSomethingWentWrong, err)
			}
			out[i] = v
		}
		return out, nil
	}

	out, err := expr.Eval(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.MsgSomethingWentWrong, err)
	}
	return out, nil
}

func (s *Service) compile(src string) (*jsonata.Expr, error) {
	s.mu.RLock()
	expr, ok := s.compiled[src]
	s.mu.RUnlock()
	if ok {
		return expr, nil
	}

	expr, err := jsonata.Compile(src)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.compiled[src] = expr
	s.mu.Unlock()
	return expr, nil
}
