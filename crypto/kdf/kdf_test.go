package kdf_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/woosh/crypto/dhkex"
	"github.com/layer-3/woosh/crypto/kdf"
)

// twoHMACs is the derivation exactly as the browser client spells it out
func twoHMACs(secret, salt, info []byte) []byte {
	m := hmac.New(sha256.New, salt)
	m.Write(secret)
	prk := m.Sum(nil)

	m = hmac.New(sha256.New, prk)
	m.Write(info)
	m.Write([]byte{1})
	return m.Sum(nil)
}

func TestDeriveSessionKey_MatchesClientConstruction(t *testing.T) {
	secret := []byte{0x0b, 0xad, 0xc0, 0xde}
	p := kdf.DefaultParams()

	key, err := p.DeriveSessionKey(secret)
	require.NoError(t, err)

	assert.Len(t, key, kdf.KeySize)
	assert.Equal(t, twoHMACs(secret, []byte(kdf.DefaultSalt), []byte(kdf.DefaultInfo)), key)
}

func TestDeriveSessionKey_Deterministic(t *testing.T) {
	p := kdf.DefaultParams()
	a, err := p.DeriveSessionKey([]byte("same secret"))
	require.NoError(t, err)
	b, err := p.DeriveSessionKey([]byte("same secret"))
	require.NoError(t, err)
	c, err := p.DeriveSessionKey([]byte("other secret"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestDeriveSessionKey_SaltMatters(t *testing.T) {
	a, err := kdf.Params{Salt: []byte("one"), Info: []byte("x")}.DeriveSessionKey([]byte("s"))
	require.NoError(t, err)
	b, err := kdf.Params{Salt: []byte("two"), Info: []byte("x")}.DeriveSessionKey([]byte("s"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDeriveSessionKey_EmptySecret(t *testing.T) {
	_, err := kdf.DefaultParams().DeriveSessionKey(nil)
	assert.Error(t, err)
}

func TestDeriveSessionKey_BothPartiesAgree(t *testing.T) {
	grp := dhkex.NewGroup(big.NewInt(2579), big.NewInt(2))
	p := kdf.DefaultParams()

	for i := 0; i < 50; i++ {
		a, err := grp.GenerateKeyPair(nil)
		require.NoError(t, err)
		b, err := grp.GenerateKeyPair(nil)
		require.NoError(t, err)
		if _, err := grp.ParsePublic(a.PublicHex()); err != nil {
			continue
		}
		if _, err := grp.ParsePublic(b.PublicHex()); err != nil {
			continue
		}

		sa, err := grp.SharedSecret(a.Private, b.PublicHex())
		require.NoError(t, err)
		sb, err := grp.SharedSecret(b.Private, a.PublicHex())
		require.NoError(t, err)

		ka, err := p.DeriveSessionKey(sa)
		require.NoError(t, err)
		kb, err := p.DeriveSessionKey(sb)
		require.NoError(t, err)
		require.Equal(t, ka, kb)
	}
}

func TestKeyEncoding(t *testing.T) {
	key, err := kdf.DefaultParams().DeriveSessionKey([]byte{1, 2, 3})
	require.NoError(t, err)

	got, err := kdf.DecodeKey(kdf.EncodeKey(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = kdf.DecodeKey("not base64!")
	assert.Error(t, err)
	_, err = kdf.DecodeKey(kdf.EncodeKey(key[:16]))
	assert.Error(t, err)
}
