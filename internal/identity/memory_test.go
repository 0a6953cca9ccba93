package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProviderCreateGet(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	created, err := p.CreateUser(ctx, User{Email: "anna@acme.test", DisplayName: "Anna"}, "acme")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)

	got, err := p.GetUser(ctx, "anna@acme.test", "acme")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "Anna", got.DisplayName)

	_, err = p.CreateUser(ctx, User{Email: "anna@acme.test"}, "acme")
	assert.ErrorIs(t, err, ErrUserExists)

	// Same email in another tenant is a distinct account.
	_, err = p.CreateUser(ctx, User{Email: "anna@acme.test"}, "other")
	require.NoError(t, err)

	_, err = p.GetUser(ctx, "ghost@acme.test", "acme")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryProviderUpdate(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()

	created, err := p.CreateUser(ctx, User{Email: "anna@acme.test", Roles: []string{"editor"}}, "acme")
	require.NoError(t, err)

	updated, err := p.UpdateUser(ctx, User{Email: "anna@acme.test", Roles: []string{"admin"}, Disabled: true}, "acme")
	require.NoError(t, err)
	// The id survives a replace that omits it.
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, []string{"admin"}, updated.Roles)
	assert.True(t, updated.Disabled)

	_, err = p.UpdateUser(ctx, User{Email: "ghost@acme.test"}, "acme")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryProviderList(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	for _, email := range []string{"c@acme.test", "a@acme.test", "b@acme.test"} {
		_, err := p.CreateUser(ctx, User{Email: email}, "acme")
		require.NoError(t, err)
	}

	all, err := p.ListUsers(ctx, "acme", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a@acme.test", all[0].Email)
	assert.Equal(t, "b@acme.test", all[1].Email)
	assert.Equal(t, "c@acme.test", all[2].Email)

	page, err := p.ListUsers(ctx, "acme", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b@acme.test", page[0].Email)

	empty, err := p.ListUsers(ctx, "acme", 10, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)

	none, err := p.ListUsers(ctx, "ghost", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
