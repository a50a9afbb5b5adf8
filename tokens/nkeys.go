package tokens

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/RobertWHurst/courier"
	"github.com/nats-io/nkeys"
)

// NKeyService signs subjects with an nkey (ed25519) seed and accepts tokens
// from a fixed set of trusted public keys. Unlike HMACService, services do
// not share a secret; each holds its own seed.
//
// Tokens have the form publicKey.timestampUnixMS.signature with a raw url
// base64 signature over SignInput.
type NKeyService struct {
	MaxAge time.Duration

	keyPair   nkeys.KeyPair
	publicKey string

	mu      sync.RWMutex
	trusted map[string]nkeys.KeyPair
	now     func() time.Time
}

var _ courier.TokenService = &NKeyService{}

// NewNKey creates a service signing with seed. The service's own public key
// is always trusted; trustedPublicKeys adds peers.
func NewNKey(seed []byte, trustedPublicKeys ...string) (*NKeyService, error) {
	keyPair, err := nkeys.FromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("tokens: bad seed: %w", err)
	}
	publicKey, err := keyPair.PublicKey()
	if err != nil {
		return nil, err
	}

	s := &NKeyService{
		keyPair:   keyPair,
		publicKey: publicKey,
		trusted:   map[string]nkeys.KeyPair{},
		now:       time.Now,
	}
	if err := s.Trust(publicKey); err != nil {
		return nil, err
	}
	for _, trustedPublicKey := range trustedPublicKeys {
		if err := s.Trust(trustedPublicKey); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// PublicKey is the key peers must trust to accept this service's tokens.
func (s *NKeyService) PublicKey() string {
	return s.publicKey
}

// Trust adds publicKey to the accepted issuers.
func (s *NKeyService) Trust(publicKey string) error {
	keyPair, err := nkeys.FromPublicKey(publicKey)
	if err != nil {
		return fmt.Errorf("tokens: bad public key %q: %w", publicKey, err)
	}
	s.mu.Lock()
	s.trusted[publicKey] = keyPair
	s.mu.Unlock()
	return nil
}

func (s *NKeyService) Sign(subject string) (string, error) {
	timestamp := s.now().UnixMilli()
	signature, err := s.keyPair.Sign([]byte(SignInput(s.publicKey, timestamp, subject)))
	if err != nil {
		return "", err
	}
	return s.publicKey + "." + strconv.FormatInt(timestamp, 10) + "." +
		base64.RawURLEncoding.EncodeToString(signature), nil
}

func (s *NKeyService) Verify(token, subject string) error {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return ErrMalformedToken
	}
	publicKey, rawTimestamp, rawSignature := parts[0], parts[1], parts[2]

	timestamp, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return ErrMalformedToken
	}
	signature, err := base64.RawURLEncoding.DecodeString(rawSignature)
	if err != nil {
		return ErrMalformedToken
	}

	s.mu.RLock()
	issuer, ok := s.trusted[publicKey]
	s.mu.RUnlock()
	if !ok {
		return ErrUntrustedIssuer
	}

	if err := issuer.Verify([]byte(SignInput(publicKey, timestamp, subject)), signature); err != nil {
		return ErrBadSignature
	}

	if s.MaxAge > 0 && s.now().Sub(time.UnixMilli(timestamp)) > s.MaxAge {
		return ErrExpired
	}
	return nil
}
