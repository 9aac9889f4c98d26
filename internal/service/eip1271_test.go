package service

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	output []byte
	err    error
	calls  atomic.Int32
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

func newTestVerifier(caller *fakeCaller, retries int) *EIP1271Verifier {
	v := NewEIP1271Verifier("http://rpc.invalid", time.Minute, time.Second, retries)
	v.backoff = time.Millisecond
	v.dial = func(context.Context, string) (ethereum.ContractCaller, error) { return caller, nil }
	return v
}

func magicOutput(prefix string) []byte {
	out := make([]byte, 32)
	copy(out, hexutil.MustDecode(prefix))
	return out
}

var (
	testWallet = "0x00000000000000000000000000000000000000aa"
	testHash   = make([]byte, 32)
	testSig    = "0xaabb"
)

func TestEIP1271Verifier_Valid(t *testing.T) {
	caller := &fakeCaller{output: magicOutput(eip1271MagicValue)}
	v := newTestVerifier(caller, 0)

	ok, err := v.Verify(context.Background(), testWallet, testHash, testSig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Verify(context.Background(), testWallet, testHash, testSig)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), caller.calls.Load(), "second answer should come from cache")
}

func TestEIP1271Verifier_Invalid(t *testing.T) {
	v := newTestVerifier(&fakeCaller{output: magicOutput("0xffffffff")}, 0)
	ok, err := v.Verify(context.Background(), testWallet, testHash, testSig)
	require.NoError(t, err)
	assert.False(t, ok)

	v = newTestVerifier(&fakeCaller{output: []byte{0x16}}, 0)
	ok, err = v.Verify(context.Background(), testWallet, testHash, testSig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEIP1271Verifier_RetriesThenFails(t *testing.T) {
	caller := &fakeCaller{err: errors.New("execution reverted")}
	v := newTestVerifier(caller, 2)

	_, err := v.Verify(context.Background(), testWallet, testHash, testSig)
	assert.ErrorContains(t, err, "rpc call failed")
	assert.Equal(t, int32(3), caller.calls.Load())
}

func TestEIP1271Verifier_InputValidation(t *testing.T) {
	v := newTestVerifier(&fakeCaller{}, 0)
	_, err := v.Verify(context.Background(), "nope", testHash, testSig)
	assert.ErrorContains(t, err, "invalid contract address")
	_, err = v.Verify(context.Background(), testWallet, []byte{1}, testSig)
	assert.ErrorContains(t, err, "invalid hash length")
	_, err = v.Verify(context.Background(), testWallet, testHash, "zz")
	assert.ErrorContains(t, err, "invalid signature encoding")

	_, err = NewEIP1271Verifier("", 0, 0, 0).Verify(context.Background(), testWallet, testHash, testSig)
	assert.ErrorContains(t, err, "rpc url not configured")
}
