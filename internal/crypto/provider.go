// Package crypto is the narrow boundary between the CoJSON core and key
// material. The core never touches a private key directly; it calls
// through this interface so the signing, sealing and symmetric
// algorithms can be swapped (or hardware-backed) without touching
// session logs, CRDT folds or the permission model.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrCrypto is returned (wrapped) whenever a cryptographic operation
// fails in a way the core must treat as "transaction invalid" rather
// than a programming error.
var ErrCrypto = errors.New("crypto: operation failed")

const (
	// DigestSize is the width of Hash's output.
	DigestSize = 32
	// ShortDigestSize is the width of ShortHash's output.
	ShortDigestSize = 8
	// SigningPublicKeySize, SigningPrivateKeySize are ed25519 sizes.
	SigningPublicKeySize  = ed25519.PublicKeySize
	SigningPrivateKeySize = ed25519.PrivateKeySize
	// SealingKeySize, SymmetricKeySize are the X25519/XSalsa20 sizes.
	SealingKeySize   = 32
	SymmetricKeySize = 32
	// SealNonceSize, SymmetricNonceSize are the XSalsa20 nonce sizes.
	SealNonceSize      = 24
	SymmetricNonceSize = 24
	// SignatureSize is the ed25519 signature size.
	SignatureSize = ed25519.SignatureSize
)

type (
	Digest      [DigestSize]byte
	ShortDigest [ShortDigestSize]byte

	SigningPublicKey  [SigningPublicKeySize]byte
	SigningPrivateKey [SigningPrivateKeySize]byte
	Signature         [SignatureSize]byte

	SealingPublicKey  [SealingKeySize]byte
	SealingPrivateKey [SealingKeySize]byte
	SealNonce         [SealNonceSize]byte

	SymmetricKey   [SymmetricKeySize]byte
	SymmetricNonce [SymmetricNonceSize]byte
)

// Provider is the complete set of cryptographic primitives consumed by
// the core. All operations are deterministic given their inputs (aside
// from key/nonce generation); none retain hidden state.
type Provider interface {
	Hash(data []byte) Digest
	ShortHash(data []byte) ShortDigest

	NewSigningKeypair() (SigningPublicKey, SigningPrivateKey, error)
	Sign(priv SigningPrivateKey, msg []byte) Signature
	Verify(pub SigningPublicKey, msg []byte, sig Signature) bool

	NewSealingKeypair() (SealingPublicKey, SealingPrivateKey, error)
	Seal(toPub SealingPublicKey, fromPriv SealingPrivateKey, nonce SealNonce, plaintext []byte) []byte
	Unseal(fromPub SealingPublicKey, toPriv SealingPrivateKey, nonce SealNonce, ciphertext []byte) ([]byte, error)

	NewSymmetricKey() (SymmetricKey, error)
	Encrypt(key SymmetricKey, nonce SymmetricNonce, plaintext []byte) []byte
	Decrypt(key SymmetricKey, nonce SymmetricNonce, ciphertext []byte) ([]byte, error)

	RandomBytes(n int) ([]byte, error)
}

// Default is the stock Provider: BLAKE3 for content/chain hashing,
// xxhash for non-cryptographic dedup keys, ed25519 for signing, and
// NaCl box/secretbox (X25519 + XSalsa20-Poly1305) for sealing and
// symmetric encryption.
type Default struct{}

var _ Provider = Default{}

func (Default) Hash(data []byte) Digest {
	sum := blake3.Sum256(data)
	return Digest(sum)
}

func (Default) ShortHash(data []byte) ShortDigest {
	var d ShortDigest
	h := xxhash.Sum64(data)
	for i := 0; i < ShortDigestSize; i++ {
		d[i] = byte(h >> (8 * i))
	}
	return d
}

func (Default) NewSigningKeypair() (SigningPublicKey, SigningPrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningPublicKey{}, SigningPrivateKey{}, fmt.Errorf("%w: generate signing keypair: %v", ErrCrypto, err)
	}
	var pk SigningPublicKey
	var sk SigningPrivateKey
	copy(pk[:], pub)
	copy(sk[:], priv)
	return pk, sk, nil
}

func (Default) Sign(priv SigningPrivateKey, msg []byte) Signature {
	sig := ed25519.Sign(ed25519.PrivateKey(priv[:]), msg)
	var out Signature
	copy(out[:], sig)
	return out
}

func (Default) Verify(pub SigningPublicKey, msg []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig[:])
}

func (Default) NewSealingKeypair() (SealingPublicKey, SealingPrivateKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return SealingPublicKey{}, SealingPrivateKey{}, fmt.Errorf("%w: generate sealing keypair: %v", ErrCrypto, err)
	}
	return SealingPublicKey(*pub), SealingPrivateKey(*priv), nil
}

func (Default) Seal(toPub SealingPublicKey, fromPriv SealingPrivateKey, nonce SealNonce, plaintext []byte) []byte {
	pub := [32]byte(toPub)
	priv := [32]byte(fromPriv)
	n := [24]byte(nonce)
	return box.Seal(nil, plaintext, &n, &pub, &priv)
}

func (Default) Unseal(fromPub SealingPublicKey, toPriv SealingPrivateKey, nonce SealNonce, ciphertext []byte) ([]byte, error) {
	pub := [32]byte(fromPub)
	priv := [32]byte(toPriv)
	n := [24]byte(nonce)
	plain, ok := box.Open(nil, ciphertext, &n, &pub, &priv)
	if !ok {
		return nil, fmt.Errorf("%w: unseal failed", ErrCrypto)
	}
	return plain, nil
}

func (d Default) NewSymmetricKey() (SymmetricKey, error) {
	b, err := d.RandomBytes(SymmetricKeySize)
	if err != nil {
		return SymmetricKey{}, err
	}
	var k SymmetricKey
	copy(k[:], b)
	return k, nil
}

func (Default) Encrypt(key SymmetricKey, nonce SymmetricNonce, plaintext []byte) []byte {
	k := [32]byte(key)
	n := [24]byte(nonce)
	return secretbox.Seal(nil, plaintext, &n, &k)
}

func (Default) Decrypt(key SymmetricKey, nonce SymmetricNonce, ciphertext []byte) ([]byte, error) {
	k := [32]byte(key)
	n := [24]byte(nonce)
	plain, ok := secretbox.Open(nil, ciphertext, &n, &k)
	if !ok {
		return nil, fmt.Errorf("%w: decrypt failed", ErrCrypto)
	}
	return plain, nil
}

func (Default) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("%w: random bytes: %v", ErrCrypto, err)
	}
	return b, nil
}
