package security

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// URLSigner gates a bundle download URL for a short TTL (§6: "bundleUrl is
// signed or otherwise gated for a short TTL"), reusing Signer's
// SignData/VerifyData over a canonical "url|expiry" string instead of a
// file on disk.
type URLSigner struct {
	signer *Signer
}

// NewURLSigner wraps an existing Signer (its private key signs, its
// public key verifies).
func NewURLSigner(signer *Signer) *URLSigner {
	return &URLSigner{signer: signer}
}

// NewEphemeralURLSigner generates a fresh in-memory key pair, for
// deployments that don't provision a long-lived signing key out of band.
// Signed URLs are only ever verified by the same server process within
// the process lifetime (no need to distribute the public key).
func NewEphemeralURLSigner() (*URLSigner, error) {
	key, err := GenerateKeyPair(2048)
	if err != nil {
		return nil, fmt.Errorf("generate url signing key: %w", err)
	}
	return &URLSigner{signer: &Signer{privateKey: key, publicKey: &key.PublicKey}}, nil
}

func canonical(rawURL string, expiresAt int64) []byte {
	return []byte(rawURL + "|" + strconv.FormatInt(expiresAt, 10))
}

// SignURL appends "expires" and "sig" query parameters good for ttl.
func (u *URLSigner) SignURL(rawURL string, ttl time.Duration) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse bundle url: %w", err)
	}

	expiresAt := time.Now().Add(ttl).Unix()
	sig, err := u.signer.SignData(canonical(rawURL, expiresAt))
	if err != nil {
		return "", fmt.Errorf("sign bundle url: %w", err)
	}

	q := parsed.Query()
	q.Set("expires", strconv.FormatInt(expiresAt, 10))
	q.Set("sig", sig)
	parsed.RawQuery = q.Encode()
	return parsed.String(), nil
}

// VerifyURL checks a previously signed URL's signature and expiry. The
// signature covers the URL without its "expires"/"sig" params, so callers
// must pass the exact base URL used at signing time.
func (u *URLSigner) VerifyURL(baseURL string, signedURL string) error {
	parsed, err := url.Parse(signedURL)
	if err != nil {
		return fmt.Errorf("parse signed url: %w", err)
	}
	q := parsed.Query()

	expiresAt, err := strconv.ParseInt(q.Get("expires"), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expires param: %w", err)
	}
	if time.Now().Unix() > expiresAt {
		return fmt.Errorf("signed url expired")
	}

	return u.signer.VerifyData(canonical(baseURL, expiresAt), q.Get("sig"))
}
