package courier

import (
	"fmt"

	"github.com/telemetrytv/trace"
)

var guardDebug = trace.Bind("courier:guard")

// TokenService issues and checks service tokens. A token is a signed
// assertion, made by the sending service, over a logical subject.
type TokenService interface {
	Sign(subject string) (string, error)
	Verify(token, subject string) error
}

// AuthFailurePolicy decides what happens to traffic whose service token does
// not verify. In both cases the offending chunk is never applied.
type AuthFailurePolicy int

const (
	// DropOnAuthFailure silently drops the chunk. The sender learns nothing;
	// an unauthenticated request simply times out.
	DropOnAuthFailure AuthFailurePolicy = iota

	// RejectOnAuthFailure answers an unauthenticated request with a
	// RemoteError carrying CodeUnauthenticated, and rejects a pending request
	// whose response fails verification with ErrUnauthenticated.
	RejectOnAuthFailure
)

func (p AuthFailurePolicy) String() string {
	switch p {
	case DropOnAuthFailure:
		return "drop"
	case RejectOnAuthFailure:
		return "reject"
	default:
		return fmt.Sprintf("AuthFailurePolicy(%d)", int(p))
	}
}

// ParseAuthFailurePolicy accepts "drop" or "reject".
func ParseAuthFailurePolicy(s string) (AuthFailurePolicy, error) {
	switch s {
	case "drop":
		return DropOnAuthFailure, nil
	case "reject":
		return RejectOnAuthFailure, nil
	default:
		return DropOnAuthFailure, fmt.Errorf("courier: unknown auth failure policy %q", s)
	}
}

// Guard signs outbound subjects and verifies inbound tokens.
type Guard struct {
	Tokens TokenService
	Policy AuthFailurePolicy
}

// Sign returns a token for subject. Any failure of the token service is
// reported as ErrSigningUnavailable and the message must not be sent.
func (g *Guard) Sign(subject string) (string, error) {
	if g.Tokens == nil {
		return "", fmt.Errorf("%w: no token service", ErrSigningUnavailable)
	}
	token, err := g.Tokens.Sign(subject)
	if err != nil {
		guardDebug.Tracef("Failed to sign subject %s: %v", subject, err)
		return "", fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}
	if token == "" {
		return "", fmt.Errorf("%w: empty token for %s", ErrSigningUnavailable, subject)
	}
	return token, nil
}

// Verify checks token against the expected subject. It returns an error
// wrapping ErrUnauthenticated for a missing or invalid token.
func (g *Guard) Verify(token, subject string) error {
	if token == "" {
		guardDebug.Tracef("Missing token for subject %s", subject)
		return fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	if g.Tokens == nil {
		return fmt.Errorf("%w: no token service", ErrUnauthenticated)
	}
	if err := g.Tokens.Verify(token, subject); err != nil {
		guardDebug.Tracef("Token rejected for subject %s: %v", subject, err)
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return nil
}

// Rejects reports whether the policy requires telling the other side about
// an authentication failure.
func (g *Guard) Rejects() bool {
	return g.Policy == RejectOnAuthFailure
}
