package repository

import (
	"context"
	"testing"
	"time"

	"github.com/GoPolymarket/accountgate/internal/config"
	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/pkg/secretbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBox(t *testing.T) *secretbox.Box {
	t.Helper()
	key, err := secretbox.GenerateKey()
	require.NoError(t, err)
	box, err := secretbox.New(key)
	require.NoError(t, err)
	return box
}

func TestMemoryAccountRepo_GetAndBlock(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAccountRepo()
	require.NoError(t, repo.UpsertExchange(ctx, model.ExchangeInfo{Slug: "lnmarkets", Name: "LN Markets", IsActive: true}))
	require.NoError(t, repo.UpsertAccount(ctx, &model.Account{
		ID: "acc-1", Name: "main", OwnerID: "u1", IsActive: true,
		Exchange: model.ExchangeInfo{Slug: "lnmarkets"},
	}))

	acc, err := repo.GetAccount(ctx, "u1", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "LN Markets", acc.Exchange.Name)
	assert.True(t, acc.Exchange.IsActive)

	_, err = repo.GetAccount(ctx, "u2", "acc-1")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	require.NoError(t, repo.BlockAccount(ctx, "u1", "acc-1", "high risk detected"))
	acc, err = repo.GetAccount(ctx, "u1", "acc-1")
	require.NoError(t, err)
	assert.True(t, acc.IsBlocked)

	// 重新播种不解除封禁
	require.NoError(t, repo.UpsertAccount(ctx, &model.Account{ID: "acc-1", OwnerID: "u1", IsActive: true}))
	acc, _ = repo.GetAccount(ctx, "u1", "acc-1")
	assert.True(t, acc.IsBlocked)

	assert.ErrorIs(t, repo.BlockAccount(ctx, "u1", "missing", "x"), ErrAccountNotFound)
}

func TestMemoryAccountRepo_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAccountRepo()
	exp := time.Now().Add(time.Hour)
	require.NoError(t, repo.UpsertAccount(ctx, &model.Account{ID: "a", OwnerID: "u", ExpiresAt: &exp}))

	acc, err := repo.GetAccount(ctx, "u", "a")
	require.NoError(t, err)
	acc.IsBlocked = true
	*acc.ExpiresAt = time.Time{}

	again, _ := repo.GetAccount(ctx, "u", "a")
	assert.False(t, again.IsBlocked)
	assert.False(t, again.ExpiresAt.IsZero())
}

func TestMemoryAccountRepo_ListSorted(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryAccountRepo()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, repo.UpsertAccount(ctx, &model.Account{ID: id, OwnerID: "u1"}))
	}
	require.NoError(t, repo.UpsertAccount(ctx, &model.Account{ID: "z", OwnerID: "u2"}))

	list, err := repo.ListUserAccounts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "c", list[2].ID)
}

func TestMemoryCredentialStore_Sealed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCredentialStore(testBox(t))
	bundle := model.CredentialBundle{"api_key": "key-123", "api_secret": "secret-456"}
	require.NoError(t, store.PutCredentialBundle(ctx, "u1", "acc-1", bundle))

	got, err := store.GetCredentialBundle(ctx, "u1", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, bundle, got)

	item := store.items[model.AccountKey{UserID: "u1", AccountID: "acc-1"}]
	assert.NotContains(t, item.sealed, "secret-456")

	_, err = store.GetCredentialBundle(ctx, "u1", "acc-2")
	assert.ErrorIs(t, err, ErrCredentialsNotFound)
}

func TestMemoryCredentialStore_RecordVerification(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCredentialStore(nil)
	require.NoError(t, store.PutCredentialBundle(ctx, "u1", "acc-1", model.CredentialBundle{"api_key": "k"}))

	now := time.Now()
	require.NoError(t, store.RecordVerification(ctx, "u1", "acc-1", false, now))
	require.NoError(t, store.RecordVerification(ctx, "u1", "acc-1", false, now))
	assert.Equal(t, 2, store.VerificationFailures("u1", "acc-1"))

	require.NoError(t, store.RecordVerification(ctx, "u1", "acc-1", true, now))
	assert.Equal(t, 0, store.VerificationFailures("u1", "acc-1"))

	// unknown accounts are ignored
	require.NoError(t, store.RecordVerification(ctx, "u1", "nope", true, now))
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{
		Exchanges: []config.ExchangeConfig{{Slug: "LNMarkets", Name: "LN Markets", Active: true}},
		Accounts: []config.AccountConfig{
			{ID: "acc-1", Name: "main", UserID: "u1", Exchange: "lnmarkets", Active: true, Credentials: map[string]string{"api_key": "k"}},
			{ID: "acc-2", UserID: "u1", Exchange: "kraken", Active: true},
			{ID: "", UserID: "u1"},
		},
	}
	accounts := NewMemoryAccountRepo()
	creds := NewMemoryCredentialStore(nil)
	require.NoError(t, Seed(ctx, cfg, accounts, creds))

	acc, err := accounts.GetAccount(ctx, "u1", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "lnmarkets", acc.Exchange.Slug)
	assert.Equal(t, "LN Markets", acc.Exchange.Name)

	acc2, err := accounts.GetAccount(ctx, "u1", "acc-2")
	require.NoError(t, err)
	assert.Equal(t, "kraken", acc2.Exchange.Name)
	assert.True(t, acc2.Exchange.IsActive)

	bundle, err := creds.GetCredentialBundle(ctx, "u1", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "k", bundle["api_key"])

	_, err = creds.GetCredentialBundle(ctx, "u1", "acc-2")
	assert.ErrorIs(t, err, ErrCredentialsNotFound)
}

func modelKey(user, account string) model.AccountKey {
	return model.AccountKey{UserID: user, AccountID: account}
}
