package dhkex

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/layer-3/woosh/core"
)

// PrivateBytes is the size of a private scalar
const PrivateBytes = 32

// rfc3526Prime14 is the 2048-bit MODP prime from RFC 3526 section 3
const rfc3526Prime14 = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AACAA68FFFFFFFFFFFFFFFF"

// Group is an immutable prime/generator pair
type Group struct {
	p       *big.Int
	g       *big.Int
	pMinus1 *big.Int
}

// KeyPair holds a private scalar and its public value
type KeyPair struct {
	Private *big.Int
	Public  *big.Int
}

// RFC3526Group14 returns the standard 2048-bit MODP group with generator 2.
func RFC3526Group14() Group {
	p, _ := new(big.Int).SetString(rfc3526Prime14, 16)
	return NewGroup(p, big.NewInt(2))
}

// NewGroup builds a group from p and g. Small groups are only useful in tests.
func NewGroup(p, g *big.Int) Group {
	return Group{
		p:       new(big.Int).Set(p),
		g:       new(big.Int).Set(g),
		pMinus1: new(big.Int).Sub(p, big.NewInt(1)),
	}
}

// Prime returns a copy of the group modulus
func (grp Group) Prime() *big.Int { return new(big.Int).Set(grp.p) }

// GenerateKeyPair draws a uniform 256-bit private scalar from r (crypto/rand
// when nil) and computes g^x mod p.
func (grp Group) GenerateKeyPair(r io.Reader) (*KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, PrivateBytes)
	defer wipeBytes(buf)

	priv := new(big.Int)
	for priv.Sign() == 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("failed to read private scalar: %w", err)
		}
		priv.SetBytes(buf)
	}

	return &KeyPair{
		Private: priv,
		Public:  new(big.Int).Exp(grp.g, priv, grp.p),
	}, nil
}

// ParsePublic decodes a peer public value and rejects degenerate ones.
func (grp Group) ParsePublic(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty public value: %w", core.ErrInvalidKeyMaterial)
	}
	v, ok := new(big.Int).SetString(s, 16)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("public value is not hex: %w", core.ErrInvalidKeyMaterial)
	}
	// 0 and p-1 pin the secret to a trivial subgroup, 1 makes it constant
	if v.Cmp(big.NewInt(1)) <= 0 || v.Cmp(grp.pMinus1) >= 0 {
		return nil, fmt.Errorf("public value out of range: %w", core.ErrInvalidKeyMaterial)
	}
	return v, nil
}

// SharedSecret computes peer^priv mod p and returns it as minimal big-endian bytes.
func (grp Group) SharedSecret(priv *big.Int, peerPublic string) ([]byte, error) {
	if priv == nil || priv.Sign() <= 0 {
		return nil, fmt.Errorf("missing private scalar: %w", core.ErrInvalidKeyMaterial)
	}
	peer, err := grp.ParsePublic(peerPublic)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Exp(peer, priv, grp.p).Bytes(), nil
}

// EncodeHex renders v as minimal lowercase hex
func EncodeHex(v *big.Int) string {
	return v.Text(16)
}

// PublicHex is the hex text form of the public value
func (kp *KeyPair) PublicHex() string {
	return EncodeHex(kp.Public)
}

// Wipe clears the private scalar
func (kp *KeyPair) Wipe() {
	if kp == nil || kp.Private == nil {
		return
	}
	words := kp.Private.Bits()
	for i := range words {
		words[i] = 0
	}
	kp.Private.SetInt64(0)
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
