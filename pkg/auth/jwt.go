package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mahaj/roomcast/pkg/model"
)

const issuer = "roomcast"

type Claims struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

type contextKey string

const UserKey contextKey = "user"

// Issuer signs and validates HS256 tokens. It is the identity collaborator
// consulted once per connection handshake.
type Issuer struct {
	key []byte
	ttl time.Duration
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	return &Issuer{key: []byte(secret), ttl: ttl}
}

// GenerateToken creates a new JWT token for the given user.
func (i *Issuer) GenerateToken(user model.User) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.key)
}

// ValidateToken parses and validates a JWT token
func (i *Issuer) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return i.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID <= 0 || claims.Username == "" {
		return nil, errors.New("token carries no user")
	}

	return claims, nil
}

// Authenticate resolves a credential token into a user. Every failure is
// reported as model.ErrUnauthorized.
func (i *Issuer) Authenticate(_ context.Context, token string) (model.User, error) {
	if token == "" {
		return model.User{}, fmt.Errorf("%w: no token provided", model.ErrUnauthorized)
	}
	claims, err := i.ValidateToken(token)
	if err != nil {
		return model.User{}, fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
	}
	return model.User{ID: claims.UserID, Username: claims.Username}, nil
}

// TokenFromRequest extracts the token from the Authorization header, falling
// back to the "token" query parameter since browsers cannot set headers on
// websocket handshakes.
func TokenFromRequest(r *http.Request) string {
	tokenString := r.Header.Get("Authorization")
	if tokenString == "" {
		return r.URL.Query().Get("token")
	}
	return strings.TrimPrefix(tokenString, "Bearer ")
}

// UserFromContext returns the user stored by an authenticating middleware.
func UserFromContext(ctx context.Context) (model.User, bool) {
	user, ok := ctx.Value(UserKey).(model.User)
	return user, ok
}

func WithUser(ctx context.Context, user model.User) context.Context {
	return context.WithValue(ctx, UserKey, user)
}
