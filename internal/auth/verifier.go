package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/checkout-settlement/internal/common"
)

// RoleClaim is the private claim carrying the caller role.
const RoleClaim = "role"

// Principal is the verified identity behind a bearer token.
type Principal struct {
	UserID string
	Role   string
}

// Verifier checks HS256 bearer tokens issued by the identity service. Tokens
// are never issued here.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	skew     time.Duration
	now      func() time.Time
}

// NewVerifier constructs a verifier for the shared signing secret. Empty
// issuer or audience disables that check.
func NewVerifier(secret, issuer, audience string, skew time.Duration) *Verifier {
	return &Verifier{
		secret:   []byte(secret),
		issuer:   strings.TrimSpace(issuer),
		audience: strings.TrimSpace(audience),
		skew:     skew,
		now:      time.Now,
	}
}

// Verify validates a compact JWT and returns its principal.
func (v *Verifier) Verify(token string) (Principal, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Principal{}, unauthorized("missing token", nil)
	}
	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return Principal{}, unauthorized("invalid token", err)
	}
	if algorithm != jwa.HS256 {
		return Principal{}, unauthorized("invalid token", fmt.Errorf("unexpected token algorithm %s", algorithm))
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, v.secret), jwt.WithValidate(false))
	if err != nil {
		return Principal{}, unauthorized("invalid token", err)
	}
	if err := jwt.Validate(parsed, v.validateOptions()...); err != nil {
		return Principal{}, unauthorized("invalid token", err)
	}
	if parsed.Subject() == "" {
		return Principal{}, unauthorized("invalid token", errors.New("auth: token missing subject"))
	}
	p := Principal{UserID: parsed.Subject()}
	if raw, ok := parsed.Get(RoleClaim); ok {
		if role, ok := raw.(string); ok {
			p.Role = role
		}
	}
	return p, nil
}

// validateOptions checks exp, nbf and iat against the verifier clock plus the
// configured issuer and audience.
func (v *Verifier) validateOptions() []jwt.ValidateOption {
	opts := []jwt.ValidateOption{jwt.WithClock(jwt.ClockFunc(v.now))}
	if v.skew > 0 {
		opts = append(opts, jwt.WithAcceptableSkew(v.skew))
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	return opts
}

func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("auth: token missing protected headers")
		}
		alg := headers.Algorithm()
		if alg == "" {
			return "", errors.New("auth: token missing algorithm")
		}
		if alg == jwa.NoSignature {
			return "", errors.New("auth: token uses none algorithm")
		}
		if algorithm == "" {
			algorithm = alg
		} else if algorithm != alg {
			return "", fmt.Errorf("auth: mixed token algorithms detected")
		}
	}
	return algorithm, nil
}

func unauthorized(msg string, err error) error {
	return common.NewAppError(common.CodeUnauthorized, msg, http.StatusUnauthorized, err)
}
