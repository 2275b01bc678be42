package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/metadata"

	"github.com/and161185/keyhierarchy/internal/model"
)

// SessionClaims is the bearer token body: sub is the user, sid the session.
type SessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 session token. Login lives outside this service;
// this is what the identity provider (or a test) hands to devices.
func IssueToken(key []byte, c model.Caller, now time.Time, ttl time.Duration) (string, error) {
	claims := SessionClaims{
		SessionID: c.SessionID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// ParseToken verifies an HS256 session token and returns the caller it names.
func ParseToken(key []byte, tok string) (model.Caller, error) {
	var claims SessionClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}, jwt.WithLeeway(30*time.Second), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return model.Caller{}, errors.New("invalid token")
	}

	user, err := uuid.FromString(claims.Subject)
	if err != nil || user == uuid.Nil {
		return model.Caller{}, errors.New("bad subject")
	}
	sess, err := uuid.FromString(claims.SessionID)
	if err != nil || sess == uuid.Nil {
		return model.Caller{}, errors.New("bad session")
	}
	return model.Caller{UserID: user, SessionID: sess}, nil
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
