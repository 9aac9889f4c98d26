package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/repository"
	"github.com/stretchr/testify/require"
)

// countingAccounts wraps the memory repo and counts block calls.
type countingAccounts struct {
	*repository.MemoryAccountRepo
	blocks  atomic.Int32
	failGet error
}

func (c *countingAccounts) GetAccount(ctx context.Context, userID, accountID string) (*model.Account, error) {
	if c.failGet != nil {
		return nil, c.failGet
	}
	return c.MemoryAccountRepo.GetAccount(ctx, userID, accountID)
}

func (c *countingAccounts) BlockAccount(ctx context.Context, userID, accountID, reason string) error {
	c.blocks.Add(1)
	return c.MemoryAccountRepo.BlockAccount(ctx, userID, accountID, reason)
}

type captureSink struct {
	mu      sync.Mutex
	records []*model.AuditRecord
}

func (s *captureSink) Log(entry *model.AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, entry)
}

func (s *captureSink) List(_ context.Context, filter model.AuditFilter) ([]*model.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*model.AuditRecord{}
	for _, r := range s.records {
		if filter.Match(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type fixture struct {
	accounts *countingAccounts
	creds    *repository.MemoryCredentialStore
	probes   *ProbeRegistry
	probeHit atomic.Int32
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		accounts: &countingAccounts{MemoryAccountRepo: repository.NewMemoryAccountRepo()},
		creds:    repository.NewMemoryCredentialStore(nil),
		probes:   NewProbeRegistry(),
		clock:    newFakeClock(),
	}
	require.NoError(t, f.accounts.UpsertExchange(ctx, model.ExchangeInfo{Slug: "lnmarkets", Name: "LN Markets", IsActive: true}))
	require.NoError(t, f.accounts.UpsertExchange(ctx, model.ExchangeInfo{Slug: "oldex", Name: "Old Exchange", IsActive: false}))

	f.probes.Register("lnmarkets", ProberFunc(func(ctx context.Context, b model.CredentialBundle) (ProbeResult, error) {
		f.probeHit.Add(1)
		switch b["api_key"] {
		case "good":
			return ProbeResult{Success: true, Identity: map[string]string{"balance": "12.5"}}, nil
		case "broke":
			return ProbeResult{Success: true, Identity: map[string]string{"balance": "0.00"}}, nil
		case "denied":
			return ProbeResult{}, errors.New("403 forbidden: ip not whitelisted")
		case "throttled":
			return ProbeResult{Success: false, Message: "429 too many requests"}, nil
		case "slow":
			<-ctx.Done()
			return ProbeResult{}, ctx.Err()
		default:
			return ProbeResult{Success: false, Message: "invalid api key"}, nil
		}
	}), 0, 0)
	return f
}

func (f *fixture) addAccount(t *testing.T, acc model.Account, bundle model.CredentialBundle) {
	t.Helper()
	ctx := context.Background()
	if acc.OwnerID == "" {
		acc.OwnerID = "u1"
	}
	if acc.Exchange.Slug == "" {
		acc.Exchange.Slug = "lnmarkets"
	}
	require.NoError(t, f.accounts.UpsertAccount(ctx, &acc))
	if bundle != nil {
		require.NoError(t, f.creds.PutCredentialBundle(ctx, acc.OwnerID, acc.ID, bundle))
	}
}

func (f *fixture) validator(opts ...CredentialValidatorOption) *CredentialValidator {
	opts = append([]CredentialValidatorOption{WithValidatorClock(f.clock.Now)}, opts...)
	return NewCredentialValidator(f.accounts, f.creds, f.probes, NewRateLimiter(nil, WithRateLimitClock(f.clock.Now)), opts...)
}
