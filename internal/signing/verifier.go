package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// VerificationError means a bundle's provenance could not be established.
// Deploys failing with it are rejected before anything touches disk.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return "verification failed: " + e.Reason
}

// Credentials are the provenance fields carried by a deploy command.
type Credentials struct {
	Signature string // hex ed25519 signature over sha256(code+nonce)
	CodeHash  string // hex sha256(code+nonce)
	Nonce     string
	Bypass    bool // local development only
}

// Verifier checks code bundles against the node's cached trust key.
//
// The key is trust-on-first-use: fetched once from the control plane's key
// endpoint, persisted with restrictive permissions, and never replaced by a
// later fetch that disagrees. A disagreeing fetch is logged as a security
// event and the original key stays trusted.
type Verifier struct {
	keyURL      string
	keyPath     string
	client      *http.Client
	logger      *slog.Logger
	allowBypass bool

	mu     sync.Mutex
	cached ed25519.PublicKey
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithHTTPClient replaces the client used to fetch the trust key.
func WithHTTPClient(c *http.Client) VerifierOption {
	return func(v *Verifier) { v.client = c }
}

// WithLogger sets the logger for security events.
func WithLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

// WithBypassAllowed enables the development bypass branch. Off by default:
// production nodes reject bypass deploys outright.
func WithBypassAllowed(allowed bool) VerifierOption {
	return func(v *Verifier) { v.allowBypass = allowed }
}

// NewVerifier creates a Verifier that caches the trust key at keyPath and,
// when no cache exists, fetches it once from keyURL.
func NewVerifier(keyURL, keyPath string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keyURL:  keyURL,
		keyPath: keyPath,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify establishes the provenance of a code bundle. Precedence: a
// signature+nonce is verified against the trust key; otherwise a
// hash+nonce is recomputed and compared; otherwise an explicit bypass is
// honored when the node allows it; otherwise the bundle is rejected.
//
// A declared hash that does not match the recomputed digest rejects the
// bundle no matter what else is present.
func (v *Verifier) Verify(ctx context.Context, code []byte, cred Credentials) error {
	if cred.CodeHash != "" {
		if cred.Nonce == "" {
			return &VerificationError{Reason: "code hash supplied without a nonce"}
		}
		want := BundleHash(code, cred.Nonce)
		got := strings.ToLower(strings.TrimSpace(cred.CodeHash))
		if subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
			return &VerificationError{Reason: "declared hash does not match sha256(code+nonce)"}
		}
	}

	switch {
	case cred.Signature != "" && cred.Nonce != "":
		return v.verifySignature(ctx, code, cred)
	case cred.CodeHash != "" && cred.Nonce != "":
		return nil // recomputed and compared above
	case cred.Bypass:
		if !v.allowBypass {
			return &VerificationError{Reason: "verification bypass is disabled on this node"}
		}
		v.logger.Warn("accepting unverified bundle via development bypass")
		return nil
	default:
		return &VerificationError{Reason: "no signature, hash, or bypass flag supplied"}
	}
}

func (v *Verifier) verifySignature(ctx context.Context, code []byte, cred Credentials) error {
	key, err := v.TrustedKey(ctx)
	if err != nil {
		return &VerificationError{Reason: fmt.Sprintf("no trusted signing key available: %v", err)}
	}

	sig, err := hex.DecodeString(strings.TrimSpace(cred.Signature))
	if err != nil {
		return &VerificationError{Reason: "signature is not valid hex"}
	}
	if len(sig) != ed25519.SignatureSize {
		return &VerificationError{Reason: fmt.Sprintf("signature has wrong length: expected %d, got %d", ed25519.SignatureSize, len(sig))}
	}

	sum := BundleDigest(code, cred.Nonce)
	if !ed25519.Verify(key, sum[:], sig) {
		return &VerificationError{Reason: "signature does not match trusted key"}
	}
	return nil
}

// TrustedKey returns the cached trust key, loading it from disk or fetching
// it from the key endpoint on first use.
func (v *Verifier) TrustedKey(ctx context.Context) (ed25519.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cached != nil {
		return v.cached, nil
	}

	data, err := os.ReadFile(v.keyPath)
	switch {
	case err == nil:
		key, derr := decodePublicKey(string(data))
		if derr != nil {
			// A corrupt cache file is never silently refetched over.
			return nil, fmt.Errorf("cached trust key at %s is unreadable: %w", v.keyPath, derr)
		}
		v.cached = key
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to read cached trust key: %w", err)
	}

	key, err := v.fetchKey(ctx)
	if err != nil {
		return nil, err
	}
	if err := v.persistKey(key); err != nil {
		return nil, err
	}
	v.cached = key
	v.logger.Info("trust key cached on first use",
		"fingerprint", Fingerprint(key),
		"path", v.keyPath)
	return key, nil
}

// RefreshKey re-fetches the key endpoint and compares against the cached
// key. A mismatch never replaces the cache: it is logged as a security
// event and reported via the returned error.
func (v *Verifier) RefreshKey(ctx context.Context) error {
	cached, err := v.TrustedKey(ctx)
	if err != nil {
		return err
	}
	fetched, err := v.fetchKey(ctx)
	if err != nil {
		return err
	}
	if !cached.Equal(fetched) {
		v.logger.Error("SECURITY: trust key endpoint returned a different key; keeping the cached key",
			"cached_fingerprint", Fingerprint(cached),
			"fetched_fingerprint", Fingerprint(fetched))
		return fmt.Errorf("trust key endpoint disagrees with cached key %s", Fingerprint(cached))
	}
	return nil
}

func (v *Verifier) fetchKey(ctx context.Context) (ed25519.PublicKey, error) {
	if v.keyURL == "" {
		return nil, errors.New("no trust key endpoint configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.keyURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("trust key fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("trust key endpoint returned %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, fmt.Errorf("trust key fetch failed: %w", err)
	}
	return decodePublicKey(string(body))
}

func (v *Verifier) persistKey(key ed25519.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(v.keyPath), 0o755); err != nil {
		return fmt.Errorf("failed to create trust key directory: %w", err)
	}
	if err := os.WriteFile(v.keyPath, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return fmt.Errorf("failed to persist trust key: %w", err)
	}
	return nil
}
