package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	apnsProductionHost = "https://api.push.apple.com"

	// Apple rejects provider tokens older than an hour; re-sign well
	// before that.
	jwtMaxAge = 45 * time.Minute

	apnsAttempts       = 4
	apnsAttemptTimeout = 10 * time.Second
)

// ErrTokenInvalid marks a device token APNs reported as gone (410).
// Retrying the same token is pointless.
var ErrTokenInvalid = errors.New("apns: device token no longer valid")

// APNsConfig holds the key material and identifiers for token-based
// APNs authentication.
type APNsConfig struct {
	KeyBase64 string // base64 of the PKCS#8 PEM-encoded P-256 signing key (.p8)
	KeyID     string
	TeamID    string
	BundleID  string
}

// APNsProvider delivers notifications through the Apple Push
// Notification service over HTTP/2.
type APNsProvider struct {
	key      *ecdsa.PrivateKey
	keyID    string
	teamID   string
	bundleID string

	host       string
	httpClient *http.Client

	// backoffBase is the wait before the second attempt; it doubles
	// per retry. Overridden in tests.
	backoffBase time.Duration

	mu        sync.Mutex
	jwt       string
	jwtIssued time.Time

	now func() time.Time
}

// NewAPNsProvider parses the signing key and returns the production
// APNs transport.
func NewAPNsProvider(cfg APNsConfig) (*APNsProvider, error) {
	key, err := parseSigningKey(cfg.KeyBase64)
	if err != nil {
		return nil, err
	}

	return &APNsProvider{
		key:      key,
		keyID:    cfg.KeyID,
		teamID:   cfg.TeamID,
		bundleID: cfg.BundleID,
		host:     apnsProductionHost,
		httpClient: &http.Client{
			Timeout: apnsAttemptTimeout,
		},
		backoffBase: time.Second,
		now:         time.Now,
	}, nil
}

// Name identifies the provider in logs and status output.
func (p *APNsProvider) Name() string {
	return "apns"
}

// Send delivers one notification, retrying transient failures with
// 1s/2s/4s backoff. A 410 response is terminal: the token is invalid
// and the error wraps ErrTokenInvalid.
func (p *APNsProvider) Send(ctx context.Context, token string, payload Payload) error {
	body, err := json.Marshal(apnsBody(payload))
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	backoff := p.backoffBase
	var lastErr error

	for attempt := 1; attempt <= apnsAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		retriable, err := p.sendOnce(ctx, token, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retriable {
			return err
		}

		log.Warn().
			Err(err).
			Str("token", truncateToken(token)).
			Int("attempt", attempt).
			Msg("APNs send attempt failed")
	}

	return fmt.Errorf("apns: giving up after %d attempts: %w", apnsAttempts, lastErr)
}

// sendOnce performs a single APNs request. The bool reports whether
// the failure is worth retrying.
func (p *APNsProvider) sendOnce(ctx context.Context, token string, body []byte) (bool, error) {
	jwt, err := p.providerToken()
	if err != nil {
		return false, err
	}

	url := p.host + "/3/device/" + token
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("authorization", "bearer "+jwt)
	req.Header.Set("apns-topic", p.bundleID)
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("apns-priority", "10")
	req.Header.Set("content-type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("apns request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return false, nil
	case resp.StatusCode == http.StatusGone:
		log.Warn().
			Str("token", truncateToken(token)).
			Msg("APNs reports device token is no longer valid")
		return false, fmt.Errorf("%w (token %s)", ErrTokenInvalid, truncateToken(token))
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("apns server error %d", resp.StatusCode)
	default:
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return false, fmt.Errorf("apns rejected push with status %d: %s", resp.StatusCode, string(reason))
	}
}

// providerToken returns the cached JWT, re-signing once it is older
// than jwtMaxAge.
func (p *APNsProvider) providerToken() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.jwt != "" && p.now().Sub(p.jwtIssued) < jwtMaxAge {
		return p.jwt, nil
	}

	issued := p.now()
	jwt, err := p.signJWT(issued)
	if err != nil {
		return "", err
	}

	p.jwt = jwt
	p.jwtIssued = issued
	return jwt, nil
}

// signJWT builds the ES256 provider token. APNs requires the raw
// fixed-width r||s signature encoding, not ASN.1 DER.
func (p *APNsProvider) signJWT(issued time.Time) (string, error) {
	header, err := json.Marshal(map[string]string{
		"alg": "ES256",
		"kid": p.keyID,
	})
	if err != nil {
		return "", fmt.Errorf("encode jwt header: %w", err)
	}

	claims, err := json.Marshal(map[string]any{
		"iss": p.teamID,
		"iat": issued.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("encode jwt claims: %w", err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." +
		base64.RawURLEncoding.EncodeToString(claims)

	digest := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsa.Sign(rand.Reader, p.key, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}

	byteLen := (p.key.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*byteLen)
	r.FillBytes(sig[:byteLen])
	s.FillBytes(sig[byteLen:])

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func apnsBody(payload Payload) map[string]any {
	return map[string]any{
		"aps": map[string]any{
			"alert": map[string]string{
				"title": payload.Title,
				"body":  payload.Body,
			},
			"sound": "default",
		},
		"user_uuid":  payload.UserUUID,
		"server_id":  payload.ServerID,
		"event_type": payload.EventType,
		"timestamp":  payload.Timestamp,
	}
}

func parseSigningKey(keyBase64 string) (*ecdsa.PrivateKey, error) {
	pemBytes, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil {
		return nil, fmt.Errorf("apns: decode key: %w", err)
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("apns: key is not PEM encoded")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("apns: parse key: %w", err)
	}

	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("apns: key is not an ECDSA private key")
	}
	if key.Curve != elliptic.P256() {
		return nil, errors.New("apns: key must use curve P-256")
	}

	return key, nil
}
