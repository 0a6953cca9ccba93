package identity

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryProvider is an in-process Provider for tests and single-node
// deployments without an external identity backend.
type MemoryProvider struct {
	mu    sync.RWMutex
	users map[string]map[string]User // tenant -> email -> user
}

// NewMemoryProvider creates an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{users: map[string]map[string]User{}}
}

func (p *MemoryProvider) ListUsers(_ context.Context, tenant string, offset, limit int) ([]User, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	emails := make([]string, 0, len(p.users[tenant]))
	for email := range p.users[tenant] {
		emails = append(emails, email)
	}
	sort.Strings(emails)

	if offset >= len(emails) {
		return []User{}, nil
	}
	emails = emails[offset:]
	if limit > 0 && limit < len(emails) {
		emails = emails[:limit]
	}

	out := make([]User, 0, len(emails))
	for _, email := range emails {
		out = append(out, p.users[tenant][email])
	}
	return out, nil
}

func (p *MemoryProvider) GetUser(_ context.Context, email, tenant string) (*User, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.users[tenant][email]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (p *MemoryProvider) CreateUser(_ context.Context, user User, tenant string) (*User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.users[tenant][user.Email]; ok {
		return nil, ErrUserExists
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if p.users[tenant] == nil {
		p.users[tenant] = map[string]User{}
	}
	p.users[tenant][user.Email] = user
	return &user, nil
}

func (p *MemoryProvider) UpdateUser(_ context.Context, user User, tenant string) (*User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	current, ok := p.users[tenant][user.Email]
	if !ok {
		return nil, ErrUserNotFound
	}
	if user.ID == "" {
		user.ID = current.ID
	}
	p.users[tenant][user.Email] = user
	return &user, nil
}
