// Package auth validates the bearer tokens presented once per connection.
//
// Two token forms are accepted: a JWT issued by the account service, checked
// for signature, issuer, audience, and expiry; and a guest token of the form
// guest_<uuid-v4>_<milliseconds>, validated by shape and age alone. Guest
// tokens grant no user-scoped data access, so no cryptographic verification
// is performed on them.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/mirrortalk/mirrortalk/internal/twerr"
)

// guestPrefix is the literal prefix of guest tokens.
const guestPrefix = "guest_"

// Validator checks connection tokens. The zero value rejects everything;
// construct with [NewValidator].
type Validator struct {
	secret      []byte
	issuer      string
	audience    string
	allowGuests bool
	guestMaxAge time.Duration

	// now is overridable for tests.
	now func() time.Time
}

// ValidatorConfig configures a [Validator].
type ValidatorConfig struct {
	// JWTSecret is the HMAC secret shared with the account service. When
	// empty, JWT validation is disabled and only guest tokens (if allowed)
	// are accepted.
	JWTSecret string

	// Issuer is the required "iss" claim. Empty skips the check.
	Issuer string

	// Audience is the required "aud" claim. Empty skips the check.
	Audience string

	// AllowGuests enables guest tokens.
	AllowGuests bool

	// GuestMaxAge is how old a guest token may be. Defaults to 1h.
	GuestMaxAge time.Duration
}

// Identity is the authenticated principal extracted from a valid token.
type Identity struct {
	// UserID identifies the owning user. For guest tokens this is the token's
	// UUID prefixed with "guest:".
	UserID string

	// Guest reports whether this identity came from a guest token.
	Guest bool

	// IssuedAt is the token issue time (guest: the embedded timestamp).
	IssuedAt time.Time
}

// NewValidator creates a [Validator] from cfg.
func NewValidator(cfg ValidatorConfig) *Validator {
	maxAge := cfg.GuestMaxAge
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Validator{
		secret:      []byte(cfg.JWTSecret),
		issuer:      cfg.Issuer,
		audience:    cfg.Audience,
		allowGuests: cfg.AllowGuests,
		guestMaxAge: maxAge,
		now:         time.Now,
	}
}

// Validate checks token and returns the authenticated [Identity].
// Failures are [*twerr.Error] values with one of the AUTH_* codes.
func (v *Validator) Validate(token string) (Identity, error) {
	if token == "" {
		return Identity{}, twerr.New(twerr.CodeAuthRequired, nil)
	}
	if strings.HasPrefix(token, guestPrefix) {
		return v.validateGuest(token)
	}
	return v.validateJWT(token)
}

// validateJWT verifies an account-service JWT.
func (v *Validator) validateJWT(token string) (Identity, error) {
	if len(v.secret) == 0 {
		return Identity{}, twerr.New(twerr.CodeAuthInvalid, errors.New("jwt validation not configured"))
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, twerr.New(twerr.CodeAuthExpired, err)
		}
		return Identity{}, twerr.New(twerr.CodeAuthInvalid, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return Identity{}, twerr.New(twerr.CodeAuthInvalid, errors.New("missing subject claim"))
	}

	id := Identity{UserID: claims.Subject}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	return id, nil
}

// validateGuest checks a guest token by shape and age only.
func (v *Validator) validateGuest(token string) (Identity, error) {
	if !v.allowGuests {
		return Identity{}, twerr.New(twerr.CodeAuthInvalid, errors.New("guest tokens disabled"))
	}

	id, issued, err := ParseGuestToken(token)
	if err != nil {
		return Identity{}, twerr.New(twerr.CodeAuthInvalid, err)
	}

	age := v.now().Sub(issued)
	if age > v.guestMaxAge || age < -v.guestMaxAge {
		return Identity{}, twerr.New(twerr.CodeAuthExpired, fmt.Errorf("guest token age %v exceeds %v", age, v.guestMaxAge))
	}

	return Identity{
		UserID:   "guest:" + id.String(),
		Guest:    true,
		IssuedAt: issued,
	}, nil
}

// GenerateGuestToken produces a guest token for the given issue time.
func GenerateGuestToken(issued time.Time) string {
	return fmt.Sprintf("%s%s_%d", guestPrefix, uuid.New().String(), issued.UnixMilli())
}

// ParseGuestToken splits a guest_<uuid-v4>_<millis> token into its UUID and
// timestamp. It validates shape only; age is the caller's concern.
func ParseGuestToken(token string) (uuid.UUID, time.Time, error) {
	rest, ok := strings.CutPrefix(token, guestPrefix)
	if !ok {
		return uuid.UUID{}, time.Time{}, errors.New("auth: not a guest token")
	}

	// The UUID is fixed-width, so split on the last underscore.
	sep := strings.LastIndexByte(rest, '_')
	if sep < 0 {
		return uuid.UUID{}, time.Time{}, errors.New("auth: malformed guest token")
	}

	id, err := uuid.Parse(rest[:sep])
	if err != nil {
		return uuid.UUID{}, time.Time{}, fmt.Errorf("auth: guest token uuid: %w", err)
	}
	if id.Version() != 4 {
		return uuid.UUID{}, time.Time{}, fmt.Errorf("auth: guest token uuid version %d, want 4", id.Version())
	}

	millis, err := strconv.ParseInt(rest[sep+1:], 10, 64)
	if err != nil {
		return uuid.UUID{}, time.Time{}, fmt.Errorf("auth: guest token timestamp: %w", err)
	}

	return id, time.UnixMilli(millis), nil
}
