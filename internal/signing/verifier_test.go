package signing

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeKeyFile(t *testing.T, key ed25519.PublicKey) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trust.key")
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}
	return path
}

func TestVerifyRejectsWithoutCredentials(t *testing.T) {
	v := NewVerifier("", filepath.Join(t.TempDir(), "trust.key"))
	err := v.Verify(context.Background(), []byte("code"), Credentials{})
	if err == nil {
		t.Fatal("bundle with no credentials accepted")
	}
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected VerificationError, got %T: %v", err, err)
	}
}

func TestVerifyHashBranch(t *testing.T) {
	v := NewVerifier("", filepath.Join(t.TempDir(), "trust.key"))
	code := []byte("bundle-bytes")
	nonce := "nonce-123"

	if err := v.Verify(context.Background(), code, Credentials{CodeHash: BundleHash(code, nonce), Nonce: nonce}); err != nil {
		t.Fatalf("matching hash rejected: %v", err)
	}

	if err := v.Verify(context.Background(), code, Credentials{CodeHash: BundleHash(code, "other-nonce"), Nonce: nonce}); err == nil {
		t.Fatal("hash computed over a different nonce accepted")
	}

	if err := v.Verify(context.Background(), code, Credentials{CodeHash: "deadbeef", Nonce: nonce}); err == nil {
		t.Fatal("wrong hash accepted")
	}
}

func TestVerifyWrongHashRejectsDespiteValidSignature(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	code := []byte("bundle")
	nonce := "n1"
	v := NewVerifier("", writeKeyFile(t, pub))

	cred := Credentials{
		Signature: Sign(priv, code, nonce),
		CodeHash:  BundleHash(code, "tampered"),
		Nonce:     nonce,
	}
	if err := v.Verify(context.Background(), code, cred); err == nil {
		t.Fatal("mismatched declared hash accepted because a valid signature was present")
	}
}

func TestVerifySignatureBranch(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	code := []byte("signed-bundle")
	nonce := "deploy-42"
	v := NewVerifier("", writeKeyFile(t, pub))

	if err := v.Verify(context.Background(), code, Credentials{Signature: Sign(priv, code, nonce), Nonce: nonce}); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}

	if err := v.Verify(context.Background(), []byte("other code"), Credentials{Signature: Sign(priv, code, nonce), Nonce: nonce}); err == nil {
		t.Fatal("signature over different code accepted")
	}

	_, otherPriv, _ := GenerateKeyPair()
	if err := v.Verify(context.Background(), code, Credentials{Signature: Sign(otherPriv, code, nonce), Nonce: nonce}); err == nil {
		t.Fatal("signature from untrusted key accepted")
	}

	if err := v.Verify(context.Background(), code, Credentials{Signature: "zz-not-hex", Nonce: nonce}); err == nil {
		t.Fatal("non-hex signature accepted")
	}
}

func TestVerifySignatureWithoutCachedKeyOrEndpoint(t *testing.T) {
	_, priv, _ := GenerateKeyPair()
	code := []byte("bundle")
	v := NewVerifier("", filepath.Join(t.TempDir(), "missing.key"))
	if err := v.Verify(context.Background(), code, Credentials{Signature: Sign(priv, code, "n"), Nonce: "n"}); err == nil {
		t.Fatal("signature accepted with no trusted key available")
	}
}

func TestVerifyBypass(t *testing.T) {
	dir := t.TempDir()
	strict := NewVerifier("", filepath.Join(dir, "trust.key"))
	if err := strict.Verify(context.Background(), []byte("code"), Credentials{Bypass: true}); err == nil {
		t.Fatal("bypass accepted on a node that disallows it")
	}

	dev := NewVerifier("", filepath.Join(dir, "trust.key"), WithBypassAllowed(true))
	if err := dev.Verify(context.Background(), []byte("code"), Credentials{Bypass: true}); err != nil {
		t.Fatalf("bypass rejected on a dev node: %v", err)
	}
}

func TestTrustOnFirstUse(t *testing.T) {
	pubA, _, _ := GenerateKeyPair()
	pubB, _, _ := GenerateKeyPair()

	served := pubA
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(hex.EncodeToString(served)))
	}))
	defer srv.Close()

	keyPath := filepath.Join(t.TempDir(), "trust.key")
	v := NewVerifier(srv.URL, keyPath)

	got, err := v.TrustedKey(context.Background())
	if err != nil {
		t.Fatalf("first fetch failed: %v", err)
	}
	if !got.Equal(pubA) {
		t.Fatal("first fetch returned wrong key")
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		t.Fatalf("key not persisted: %v", err)
	}
	if string(data) != hex.EncodeToString(pubA) {
		t.Fatal("persisted key does not match fetched key")
	}
	if info, _ := os.Stat(keyPath); info.Mode().Perm() != 0o600 {
		t.Errorf("key file permissions = %v, want 0600", info.Mode().Perm())
	}

	// The endpoint starts lying: the cached key must survive.
	served = pubB
	if err := v.RefreshKey(context.Background()); err == nil {
		t.Fatal("key rotation over the fetch channel went unreported")
	}
	got, err = v.TrustedKey(context.Background())
	if err != nil || !got.Equal(pubA) {
		t.Fatalf("cached key was replaced: %v %v", got, err)
	}

	// A fresh verifier reading the same cache file never refetches.
	v2 := NewVerifier("http://127.0.0.1:1", keyPath)
	got, err = v2.TrustedKey(context.Background())
	if err != nil || !got.Equal(pubA) {
		t.Fatalf("cache file not honored: %v %v", got, err)
	}
}
