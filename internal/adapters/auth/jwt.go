// Package auth verifies bearer tokens issued by the account service.
package auth

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dkeye/Whisper/internal/core"
	"github.com/dkeye/Whisper/internal/domain"
	jwtlib "github.com/golang-jwt/jwt/v5"
)

// JWT verifies HMAC-signed access tokens whose sub claim is the user id.
type JWT struct {
	secret []byte
	method jwtlib.SigningMethod
}

func NewJWT(secret, alg string) (*JWT, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is empty")
	}
	method, err := signingMethod(alg)
	if err != nil {
		return nil, err
	}
	return &JWT{secret: []byte(secret), method: method}, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}

func (j *JWT) Verify(_ context.Context, token string) (domain.UserID, error) {
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (any, error) {
		return j.secret, nil
	},
		jwtlib.WithValidMethods([]string{j.method.Alg()}),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return 0, fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return 0, core.ErrInvalidToken
	}
	if typ, ok := claims["type"]; ok && typ != "access" {
		return 0, fmt.Errorf("%w: not an access token", core.ErrInvalidToken)
	}
	return subject(claims)
}

// subject accepts sub as a JSON number or a decimal string.
func subject(claims jwtlib.MapClaims) (domain.UserID, error) {
	switch v := claims["sub"].(type) {
	case string:
		id, err := domain.ParseUserID(v)
		if err != nil {
			return 0, fmt.Errorf("%w: bad sub", core.ErrInvalidToken)
		}
		return id, nil
	case float64:
		if v <= 0 || v != float64(int64(v)) {
			return 0, fmt.Errorf("%w: bad sub", core.ErrInvalidToken)
		}
		return domain.UserID(int64(v)), nil
	}
	return 0, fmt.Errorf("%w: missing sub", core.ErrInvalidToken)
}

// Issue signs an access token for user. The gateway never hands tokens to clients;
// this exists for tooling and tests.
func (j *JWT) Issue(user domain.UserID, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtlib.MapClaims{
		"sub":  strconv.FormatInt(int64(user), 10),
		"type": "access",
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwtlib.NewWithClaims(j.method, claims).SignedString(j.secret)
}
