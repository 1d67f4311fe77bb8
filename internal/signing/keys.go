// Package signing establishes the provenance of skill code bundles: ed25519
// signatures over nonce-bound digests, declared-hash comparison, and the
// trust-on-first-use cache for the control plane's public key.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// GenerateKeyPair generates a new ed25519 key pair for skill signing.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return publicKey, privateKey, nil
}

// BundleDigest is sha256(code + nonce). The nonce binds a signature or
// declared hash to one specific deploy command, so a captured bundle cannot
// be replayed with fresh credentials.
func BundleDigest(code []byte, nonce string) [sha256.Size]byte {
	h := sha256.New()
	h.Write(code)
	h.Write([]byte(nonce))
	var sum [sha256.Size]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// BundleHash returns the hex form of BundleDigest, as carried in deploy
// commands.
func BundleHash(code []byte, nonce string) string {
	sum := BundleDigest(code, nonce)
	return hex.EncodeToString(sum[:])
}

// CodeHash is the plain sha256 of a bundle with no nonce, used when checking
// a remote update listing's claimed artifact hash.
func CodeHash(code []byte) string {
	sum := sha256.Sum256(code)
	return hex.EncodeToString(sum[:])
}

// Sign produces the hex ed25519 signature over BundleDigest(code, nonce).
func Sign(privateKey ed25519.PrivateKey, code []byte, nonce string) string {
	sum := BundleDigest(code, nonce)
	return hex.EncodeToString(ed25519.Sign(privateKey, sum[:]))
}

// WriteKeyPair stores a key pair as hex files: <base>.key (private, 0600)
// and <base>.pub (public, 0644).
func WriteKeyPair(base string, pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	if err := os.WriteFile(base+".key", []byte(hex.EncodeToString(priv)), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(base+".pub", []byte(hex.EncodeToString(pub)), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	return nil
}

// ReadPrivateKey loads a hex private key file written by WriteKeyPair.
func ReadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("private key is not valid hex: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key has wrong length: expected %d, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

func decodePublicKey(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("public key is not valid hex: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key has wrong length: expected %d, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Fingerprint is a short identifier for a public key, safe for logs.
func Fingerprint(key ed25519.PublicKey) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}
