package signer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t testing.TB) *Signer {
	key, _ := crypto.GenerateKey()
	keyHex := hexutil.Encode(crypto.FromECDSA(key)) // keeps 0x
	s, err := NewSigner(keyHex, 137)
	require.NoError(t, err)
	return s
}

func testChallenge() *Challenge {
	return &Challenge{
		Wallet:   common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Exchange: "polymarket",
		Nonce:    big.NewInt(1),
		IssuedAt: big.NewInt(1772366400),
	}
}

func TestSigner_SignChallenge(t *testing.T) {
	s := newTestSigner(t)

	c := testChallenge()
	digest, sig, err := s.SignChallenge(c)
	require.NoError(t, err)
	assert.Equal(t, 132, len(sig)) // 0x + 65 bytes * 2
	assert.Equal(t, s.Address(), c.Signer)
	assert.Equal(t, Digest(c, big.NewInt(137)), digest)

	recovered, err := Recover(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), recovered)

	// RFC6979 签名是确定性的
	_, again, err := s.SignChallenge(c)
	require.NoError(t, err)
	assert.Equal(t, sig, again)
}

func TestVerifyChallenge(t *testing.T) {
	s := newTestSigner(t)
	c := testChallenge()
	_, sig, err := s.SignChallenge(c)
	require.NoError(t, err)

	assert.NoError(t, VerifyChallenge(c, sig, 137))

	// wrong chain changes the domain
	assert.Error(t, VerifyChallenge(c, sig, 1))

	tampered := *c
	tampered.Exchange = "other"
	assert.Error(t, VerifyChallenge(&tampered, sig, 137))

	wrongSigner := *c
	wrongSigner.Signer = common.HexToAddress("0x0000000000000000000000000000000000000001")
	assert.Error(t, VerifyChallenge(&wrongSigner, sig, 137))

	_, err = Recover(Digest(c, big.NewInt(137)), "0x1234")
	assert.ErrorContains(t, err, "invalid signature length")
}

func TestDomainSeparatorDependsOnWallet(t *testing.T) {
	a := DomainSeparator(big.NewInt(137), common.HexToAddress("0x01"))
	b := DomainSeparator(big.NewInt(137), common.HexToAddress("0x02"))
	assert.NotEqual(t, a, b)
}

func TestNewSigner_Invalid(t *testing.T) {
	_, err := NewSigner("", 137)
	assert.Error(t, err)
	_, err = NewSigner("0xzz", 137)
	assert.Error(t, err)
}

func BenchmarkSignChallenge(b *testing.B) {
	s := newTestSigner(b)
	c := testChallenge()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = s.SignChallenge(c)
	}
}
