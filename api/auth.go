package api

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const DefaultTokenTTL = time.Hour

var (
	errTokenExpired  = errors.New("token expired")
	errMissingUserID = errors.New("missing userId")
)

// Auth issues and validates HS256 bearer tokens signed with a shared secret.
type Auth struct {
	secret []byte
	ttl    time.Duration
	parser *jwt.Parser
	now    func() time.Time
}

// NewAuth creates an Auth. A non-positive ttl selects DefaultTokenTTL.
func NewAuth(secret string, ttl time.Duration) (*Auth, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Auth{
		secret: []byte(secret),
		ttl:    ttl,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
		now:    time.Now,
	}, nil
}

// Issue signs a token for the account.
func (a *Auth) Issue(userID string) (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"userId": userID,
		"sub":    userID,
		"iat":    now.Unix(),
		"exp":    now.Add(a.ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// UserIDFromAuthHeader extracts the account id from an Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	if h == "" {
		return "", errMissingAuthorization
	}
	token, err := bearerTokenFromString(h)
	if err != nil {
		return "", err
	}
	return a.UserIDFromBearer(token)
}

// UserIDFromToken validates a raw token, as sent over the websocket.
func (a *Auth) UserIDFromToken(token string) (string, error) {
	return a.UserIDFromBearer(readOnlyBytes(token))
}

// UserIDFromBearer validates a bearer token presented as raw bytes.
func (a *Auth) UserIDFromBearer(token []byte) (string, error) {
	if len(token) == 0 {
		return "", errBadAuthorization
	}
	parsed, err := a.parser.Parse(readOnlyString(token), func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	if !claims.VerifyExpiresAt(a.now().Unix(), true) {
		return "", errTokenExpired
	}

	if id, ok := claims["userId"].(string); ok && id != "" {
		return id, nil
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub, nil
	}
	return "", errMissingUserID
}
