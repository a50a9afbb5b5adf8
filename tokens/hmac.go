package tokens

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/RobertWHurst/courier"
)

// HMACService signs subjects with a secret shared by every trusted service.
//
// Tokens have the form issuer.timestampUnixMS.signature where signature is
// the lowercase hex HMAC-SHA256 of SignInput.
type HMACService struct {
	// Issuer names the signing service. It is embedded in every token and
	// covered by the signature.
	Issuer string

	// MaxAge rejects tokens older than this. Zero disables the check.
	MaxAge time.Duration

	secret []byte
	now    func() time.Time
}

var _ courier.TokenService = &HMACService{}

func NewHMAC(issuer, secret string) *HMACService {
	return &HMACService{
		Issuer: issuer,
		secret: []byte(secret),
		now:    time.Now,
	}
}

// SignInput returns the canonical payload covered by a token signature.
func SignInput(issuer string, timestampUnixMS int64, subject string) string {
	return fmt.Sprintf("%s\n%d\n%s", issuer, timestampUnixMS, subject)
}

func (s *HMACService) Sign(subject string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrNoSecret
	}
	if s.Issuer == "" || strings.Contains(s.Issuer, ".") {
		return "", fmt.Errorf("tokens: invalid issuer %q", s.Issuer)
	}
	timestamp := s.now().UnixMilli()
	return s.Issuer + "." + strconv.FormatInt(timestamp, 10) + "." + s.signature(s.Issuer, timestamp, subject), nil
}

func (s *HMACService) Verify(token, subject string) error {
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return ErrMalformedToken
	}
	issuer, rawTimestamp, rawSignature := parts[0], parts[1], parts[2]

	timestamp, err := strconv.ParseInt(rawTimestamp, 10, 64)
	if err != nil {
		return ErrMalformedToken
	}
	decodedSignature, err := hex.DecodeString(rawSignature)
	if err != nil {
		return ErrMalformedToken
	}

	expected, _ := hex.DecodeString(s.signature(issuer, timestamp, subject))
	if !hmac.Equal(decodedSignature, expected) {
		return ErrBadSignature
	}

	if s.MaxAge > 0 && s.now().Sub(time.UnixMilli(timestamp)) > s.MaxAge {
		return ErrExpired
	}
	return nil
}

func (s *HMACService) signature(issuer string, timestampUnixMS int64, subject string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(SignInput(issuer, timestampUnixMS, subject)))
	return hex.EncodeToString(mac.Sum(nil))
}
