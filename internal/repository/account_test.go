package repository

import (
	"context"
	"testing"

	"github.com/aman-churiwal/quota-authorizer/internal/models"
	"github.com/aman-churiwal/quota-authorizer/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountRepository(t *testing.T) {
	db := testutil.NewDatabase(t)
	repo := NewAccountRepository(db)
	ctx := context.Background()

	holder := &models.AccountHolder{Email: "a@example.com", PasswordHash: "hash", Name: "A"}
	require.NoError(t, repo.Create(ctx, holder))

	got, err := repo.FindByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, holder.ID, got.ID)

	missing, err := repo.FindByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.Error(t, repo.Create(ctx, &models.AccountHolder{Email: "a@example.com", PasswordHash: "x"}))
}
