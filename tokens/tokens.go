// Package tokens provides service token implementations for courier
// channels.
package tokens

import "errors"

var (
	ErrNoSecret        = errors.New("tokens: no secret configured")
	ErrMalformedToken  = errors.New("tokens: malformed token")
	ErrBadSignature    = errors.New("tokens: bad signature")
	ErrExpired         = errors.New("tokens: token expired")
	ErrUntrustedIssuer = errors.New("tokens: untrusted issuer")
)
