package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
)

const eip1271MagicValue = "0x1626ba7e"

var erc1271ABI, erc1271ABIErr = abi.JSON(strings.NewReader(`[{"constant":true,"inputs":[{"name":"_hash","type":"bytes32"},{"name":"_signature","type":"bytes"}],"name":"isValidSignature","outputs":[{"name":"magicValue","type":"bytes4"}],"payable":false,"stateMutability":"view","type":"function"}]`))

// EIP1271Verifier asks a contract wallet (Safe, proxy wallet) whether a signature
// is valid for it. Answers are cached per (wallet, hash, signature).
type EIP1271Verifier struct {
	rpcURL   string
	mu       sync.Mutex
	caller   ethereum.ContractCaller
	dial     func(ctx context.Context, rpcURL string) (ethereum.ContractCaller, error)
	cacheTTL time.Duration
	cache    map[string]cacheEntry
	timeout  time.Duration
	retries  int
	backoff  time.Duration
}

type cacheEntry struct {
	valid   bool
	expires time.Time
}

func NewEIP1271Verifier(rpcURL string, ttl time.Duration, timeout time.Duration, retries int) *EIP1271Verifier {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &EIP1271Verifier{
		rpcURL:   strings.TrimSpace(rpcURL),
		dial:     dialContractCaller,
		cacheTTL: ttl,
		cache:    make(map[string]cacheEntry),
		timeout:  timeout,
		retries:  retries,
		backoff:  200 * time.Millisecond,
	}
}

func dialContractCaller(ctx context.Context, rpcURL string) (ethereum.ContractCaller, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (v *EIP1271Verifier) Verify(ctx context.Context, contractAddr string, hash []byte, signature string) (bool, error) {
	if v.rpcURL == "" {
		return false, fmt.Errorf("rpc url not configured")
	}
	if !common.IsHexAddress(contractAddr) {
		return false, fmt.Errorf("invalid contract address")
	}
	if len(hash) != 32 {
		return false, fmt.Errorf("invalid hash length")
	}
	sigBytes, err := hexutil.Decode(signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding")
	}
	if erc1271ABIErr != nil {
		return false, fmt.Errorf("failed to parse abi: %w", erc1271ABIErr)
	}
	cacheKey := v.cacheKey(contractAddr, hash, signature)
	if hit, ok := v.cacheGet(cacheKey); ok {
		return hit, nil
	}

	contract := common.HexToAddress(contractAddr)
	data, err := erc1271ABI.Pack("isValidSignature", [32]byte(hash), sigBytes)
	if err != nil {
		return false, fmt.Errorf("failed to pack call data")
	}

	var lastErr error
	for attempt := 0; attempt <= v.retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, v.timeout)
		caller, err := v.getCaller(attemptCtx)
		if err != nil {
			cancel()
			lastErr = err
			if !v.shouldRetry(ctx, attempt) {
				break
			}
			continue
		}

		output, err := caller.CallContract(attemptCtx, ethereum.CallMsg{To: &contract, Data: data}, nil)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("rpc call failed: %w", err)
			if !v.shouldRetry(ctx, attempt) {
				break
			}
			continue
		}
		if len(output) < 4 {
			v.cacheSet(cacheKey, false)
			return false, nil
		}
		valid := strings.EqualFold(hexutil.Encode(output[:4]), eip1271MagicValue)
		v.cacheSet(cacheKey, valid)
		return valid, nil
	}
	return false, lastErr
}

func (v *EIP1271Verifier) getCaller(ctx context.Context) (ethereum.ContractCaller, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.caller != nil {
		return v.caller, nil
	}
	caller, err := v.dial(ctx, v.rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect rpc: %w", err)
	}
	v.caller = caller
	return v.caller, nil
}

func (v *EIP1271Verifier) cacheKey(contractAddr string, hash []byte, signature string) string {
	return strings.ToLower(contractAddr) + ":" + hexutil.Encode(hash) + ":" + strings.ToLower(signature)
}

func (v *EIP1271Verifier) cacheGet(key string) (bool, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	entry, ok := v.cache[key]
	if !ok {
		return false, false
	}
	if time.Now().After(entry.expires) {
		delete(v.cache, key)
		return false, false
	}
	return entry.valid, true
}

func (v *EIP1271Verifier) cacheSet(key string, valid bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache[key] = cacheEntry{
		valid:   valid,
		expires: time.Now().Add(v.cacheTTL),
	}
}

func (v *EIP1271Verifier) shouldRetry(ctx context.Context, attempt int) bool {
	if attempt >= v.retries {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Duration(attempt+1) * v.backoff):
		return true
	}
}
