package rcrypto

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"
	"math/big"

	"golang.org/x/crypto/curve25519"
)

// fieldPrime is the Curve25519/Ed25519 field prime, 2^255 - 19.
var fieldPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// edPrivateToX25519 converts an Ed25519 private key to its Curve25519
// scalar the same way libsodium's crypto_sign_ed25519_sk_to_curve25519
// does: hash the 32-byte seed with SHA-512 and clamp the low half.
func edPrivateToX25519(priv ed25519.PrivateKey) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("bad ed25519 private key size %d", len(priv))
	}
	seed := priv.Seed()
	h := sha512.Sum512(seed)
	scalar := h[:32]
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar, nil
}

// edPublicToX25519 converts an Ed25519 public key (an Edwards point,
// compressed) to its Curve25519 Montgomery u-coordinate via the standard
// birational map u = (1+y)/(1-y) mod p, where y is the Edwards
// y-coordinate recovered by clearing the sign bit carried in the top bit
// of the encoded point.
func edPublicToX25519(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("bad ed25519 public key size %d", len(pub))
	}

	enc := make([]byte, ed25519.PublicKeySize)
	copy(enc, pub)
	enc[31] &= 0x7f // clear the sign bit; only the y-coordinate remains

	y := new(big.Int).SetBytes(reverse(enc))
	y.Mod(y, fieldPrime)

	one := big.NewInt(1)
	numerator := new(big.Int).Add(one, y)
	numerator.Mod(numerator, fieldPrime)

	denominator := new(big.Int).Sub(one, y)
	denominator.Mod(denominator, fieldPrime)
	if denominator.Sign() == 0 {
		return nil, fmt.Errorf("invalid point: 1-y has no inverse")
	}

	inv := new(big.Int).ModInverse(denominator, fieldPrime)
	if inv == nil {
		return nil, fmt.Errorf("invalid point: no modular inverse")
	}

	u := numerator.Mul(numerator, inv)
	u.Mod(u, fieldPrime)

	out := make([]byte, 32)
	uBytes := u.Bytes()
	for i := 0; i < len(uBytes) && i < 32; i++ {
		out[i] = uBytes[len(uBytes)-1-i]
	}
	return out, nil
}

// reverse returns a byte-reversed copy of b, turning a little-endian
// encoding into big-endian order (Ed25519 encodes points little-endian;
// math/big wants big-endian).
func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// x25519 performs the Curve25519 scalar multiplication underlying the DH
// step of DeriveSession.
func x25519(scalar, point []byte) ([]byte, error) {
	out, err := curve25519.X25519(scalar, point)
	if err != nil {
		return nil, err
	}
	return out, nil
}
