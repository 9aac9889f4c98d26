package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GoPolymarket/accountgate/internal/config"
	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/pkg/secretbox"
)

// MemoryAccountRepo 无数据库时的账户存储
type MemoryAccountRepo struct {
	mu        sync.RWMutex
	exchanges map[string]model.ExchangeInfo
	accounts  map[model.AccountKey]*model.Account
}

func NewMemoryAccountRepo() *MemoryAccountRepo {
	return &MemoryAccountRepo{
		exchanges: make(map[string]model.ExchangeInfo),
		accounts:  make(map[model.AccountKey]*model.Account),
	}
}

func (r *MemoryAccountRepo) UpsertExchange(_ context.Context, ex model.ExchangeInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchanges[ex.Slug] = ex
	return nil
}

func (r *MemoryAccountRepo) UpsertAccount(_ context.Context, acc *model.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *acc
	if prev, ok := r.accounts[cp.Key()]; ok {
		cp.IsBlocked = prev.IsBlocked
	}
	r.accounts[cp.Key()] = &cp
	return nil
}

// resolve fills in exchange metadata. Caller holds r.mu.
func (r *MemoryAccountRepo) resolve(acc *model.Account) *model.Account {
	cp := *acc
	if ex, ok := r.exchanges[cp.Exchange.Slug]; ok {
		cp.Exchange = ex
	}
	if cp.ExpiresAt != nil {
		t := *cp.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

func (r *MemoryAccountRepo) GetAccount(_ context.Context, userID, accountID string) (*model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	acc, ok := r.accounts[model.AccountKey{UserID: userID, AccountID: accountID}]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return r.resolve(acc), nil
}

func (r *MemoryAccountRepo) ListUserAccounts(_ context.Context, userID string) ([]*model.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.Account, 0)
	for key, acc := range r.accounts {
		if key.UserID == userID {
			out = append(out, r.resolve(acc))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryAccountRepo) BlockAccount(_ context.Context, userID, accountID, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.accounts[model.AccountKey{UserID: userID, AccountID: accountID}]
	if !ok {
		return ErrAccountNotFound
	}
	acc.IsBlocked = true
	return nil
}

type memCredential struct {
	sealed       string
	plain        model.CredentialBundle
	verifiedAt   time.Time
	verifiedOK   bool
	failureCount int
}

// MemoryCredentialStore keeps bundles sealed in process memory. Without a box the
// bundles are held as copies.
type MemoryCredentialStore struct {
	mu    sync.RWMutex
	box   *secretbox.Box
	items map[model.AccountKey]*memCredential
}

func NewMemoryCredentialStore(box *secretbox.Box) *MemoryCredentialStore {
	return &MemoryCredentialStore{
		box:   box,
		items: make(map[model.AccountKey]*memCredential),
	}
}

func (s *MemoryCredentialStore) PutCredentialBundle(_ context.Context, userID, accountID string, bundle model.CredentialBundle) error {
	item := &memCredential{}
	if s.box != nil {
		sealed, err := s.box.SealMap(bundle, credentialAAD(userID, accountID))
		if err != nil {
			return err
		}
		item.sealed = sealed
	} else {
		item.plain = copyBundle(bundle)
	}
	s.mu.Lock()
	s.items[model.AccountKey{UserID: userID, AccountID: accountID}] = item
	s.mu.Unlock()
	return nil
}

func (s *MemoryCredentialStore) GetCredentialBundle(_ context.Context, userID, accountID string) (model.CredentialBundle, error) {
	s.mu.RLock()
	item, ok := s.items[model.AccountKey{UserID: userID, AccountID: accountID}]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrCredentialsNotFound
	}
	if s.box == nil {
		return copyBundle(item.plain), nil
	}
	values, err := s.box.OpenMap(item.sealed, credentialAAD(userID, accountID))
	if err != nil {
		return nil, err
	}
	return model.CredentialBundle(values), nil
}

func (s *MemoryCredentialStore) RecordVerification(_ context.Context, userID, accountID string, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[model.AccountKey{UserID: userID, AccountID: accountID}]
	if !ok {
		return nil
	}
	item.verifiedAt = at
	item.verifiedOK = success
	if success {
		item.failureCount = 0
	} else {
		item.failureCount++
	}
	return nil
}

// VerificationFailures returns the consecutive failed probes for an account.
func (s *MemoryCredentialStore) VerificationFailures(userID, accountID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if item, ok := s.items[model.AccountKey{UserID: userID, AccountID: accountID}]; ok {
		return item.failureCount
	}
	return 0
}

func copyBundle(in model.CredentialBundle) model.CredentialBundle {
	if in == nil {
		return nil
	}
	out := make(model.CredentialBundle, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type accountSeeder interface {
	UpsertExchange(ctx context.Context, ex model.ExchangeInfo) error
	UpsertAccount(ctx context.Context, acc *model.Account) error
}

type credentialWriter interface {
	PutCredentialBundle(ctx context.Context, userID, accountID string, bundle model.CredentialBundle) error
}

// Seed loads exchanges, accounts and credentials declared in config. Accounts on
// an exchange that is not declared get an active exchange named after the slug.
func Seed(ctx context.Context, cfg *config.Config, accounts accountSeeder, creds credentialWriter) error {
	known := make(map[string]bool, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		slug := strings.ToLower(strings.TrimSpace(ex.Slug))
		if slug == "" {
			continue
		}
		name := ex.Name
		if name == "" {
			name = slug
		}
		if err := accounts.UpsertExchange(ctx, model.ExchangeInfo{Slug: slug, Name: name, IsActive: ex.Active}); err != nil {
			return err
		}
		known[slug] = true
	}
	for _, ac := range cfg.Accounts {
		if ac.ID == "" || ac.UserID == "" {
			continue
		}
		slug := strings.ToLower(strings.TrimSpace(ac.Exchange))
		if !known[slug] {
			if err := accounts.UpsertExchange(ctx, model.ExchangeInfo{Slug: slug, Name: slug, IsActive: true}); err != nil {
				return err
			}
			known[slug] = true
		}
		acc := &model.Account{
			ID:       ac.ID,
			Name:     ac.Name,
			OwnerID:  ac.UserID,
			IsActive: ac.Active,
			Exchange: model.ExchangeInfo{Slug: slug},
		}
		if err := accounts.UpsertAccount(ctx, acc); err != nil {
			return err
		}
		if len(ac.Credentials) > 0 && creds != nil {
			if err := creds.PutCredentialBundle(ctx, ac.UserID, ac.ID, model.CredentialBundle(ac.Credentials)); err != nil {
				return err
			}
		}
	}
	return nil
}
