package operation

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
)

// GenerateKeypair generates a fresh P-256 keypair for delegation. It returns
// the 32-byte private scalar and the hex-encoded uncompressed public point.
// The caller owns the scalar buffer and must zero it after encryption.
func GenerateKeypair() (priv []byte, pubHex string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("generate keypair: %w", err)
	}

	scalar := make([]byte, 32)
	key.D.FillBytes(scalar)
	pub := elliptic.Marshal(elliptic.P256(), key.PublicKey.X, key.PublicKey.Y)
	key.D.SetInt64(0)
	return scalar, hex.EncodeToString(pub), nil
}

// PrivateKeyFromScalar reconstructs a P-256 private key from its 32-byte
// scalar.
func PrivateKeyFromScalar(scalar []byte) (*ecdsa.PrivateKey, error) {
	if len(scalar) != 32 {
		return nil, fmt.Errorf("private scalar must be 32 bytes, got %d", len(scalar))
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(scalar)
	if d.Sign() <= 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("private scalar out of range")
	}

	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve},
		D:         d,
	}
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())
	return priv, nil
}

// SignHashP256 signs a hash and encodes the signature as 64 bytes of
// r || s, each component left-padded to 32 bytes.
func SignHashP256(randReader io.Reader, privateKey *ecdsa.PrivateKey, hash []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("privateKey is required")
	}
	if randReader == nil {
		randReader = rand.Reader
	}
	if len(hash) == 0 {
		return nil, fmt.Errorf("hash is required")
	}

	r, s, err := ecdsa.Sign(randReader, privateKey, hash)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	signature := make([]byte, 64)
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(signature[32-len(rBytes):32], rBytes)
	copy(signature[64-len(sBytes):64], sBytes)
	return signature, nil
}

// VerifyHashP256 verifies a 64-byte r || s signature against a hex-encoded
// uncompressed public point.
func VerifyHashP256(pubHex string, hash, signature []byte) (bool, error) {
	if len(signature) != 64 {
		return false, fmt.Errorf("signature must be 64 bytes, got %d", len(signature))
	}

	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return false, fmt.Errorf("decode public key: %w", err)
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), pubBytes)
	if x == nil {
		return false, fmt.Errorf("invalid public key")
	}

	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:64])
	return ecdsa.Verify(pub, hash, r, s), nil
}
