// Package auth verifies operator and customer tokens and carries the
// resulting actor and request id through request contexts.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/order"
)

// Claims are the JWT claims this service accepts. Subject is the actor id;
// for customers it is their email.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// UnauthorizedError is returned for missing or invalid credentials.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string { return "auth: " + e.Reason }

func (e *UnauthorizedError) Code() string { return "UNAUTHORIZED" }

// Validator checks HS256 tokens.
type Validator struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// NewValidator returns nil for an empty secret, which callers treat as
// "authentication not configured" and fail closed.
func NewValidator(secret, issuer string) *Validator {
	if secret == "" {
		return nil
	}
	return &Validator{secret: []byte(secret), issuer: issuer, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// Validate parses token and returns the actor it names.
func (v *Validator) Validate(token string) (order.Actor, error) {
	if v == nil {
		return order.Actor{}, &UnauthorizedError{Reason: "authentication not configured"}
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) { return v.secret, nil }, opts...)
	if err != nil {
		return order.Actor{}, &UnauthorizedError{Reason: fmt.Sprintf("invalid token: %v", err)}
	}
	if !parsed.Valid {
		return order.Actor{}, &UnauthorizedError{Reason: "invalid token"}
	}
	if claims.Subject == "" {
		return order.Actor{}, &UnauthorizedError{Reason: "token subject is required"}
	}
	role := order.Role(claims.Role)
	switch role {
	case order.RoleAdmin, order.RoleCustomer, order.RoleSystem:
	default:
		return order.Actor{}, &UnauthorizedError{Reason: fmt.Sprintf("unknown role %q", claims.Role)}
	}
	return order.Actor{ID: claims.Subject, Role: role}, nil
}

// Sign issues a token for actor, valid for ttl.
func (v *Validator) Sign(actor order.Actor, ttl time.Duration) (string, error) {
	if v == nil {
		return "", errors.New("auth: signing not configured")
	}
	now := v.clock()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(actor.Role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

type actorKey struct{}

type requestIDKey struct{}

// WithActor attaches the authenticated actor to ctx.
func WithActor(ctx context.Context, a order.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor set by the auth middleware.
func ActorFrom(ctx context.Context) (order.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(order.Actor)
	return a, ok
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the correlation id of the current request, or "".
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
