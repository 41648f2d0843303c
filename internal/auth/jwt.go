package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// TokenPair holds access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	AccessExp    time.Time
	RefreshExp   time.Time
}

// Claims is the bearer token payload: who the caller is and in which role.
type Claims struct {
	Subject string `json:"sub"`
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs access and refresh tokens for a user.
func Issue(subject, role, name, issuer, key string, accessTTL, refreshTTL time.Duration) (TokenPair, error) {
	if subject == "" {
		return TokenPair{}, errors.New("subject required")
	}
	if !ValidRole(role) {
		return TokenPair{}, errors.New("unknown role")
	}
	now := time.Now()
	accessExp := now.Add(accessTTL)
	refreshExp := now.Add(refreshTTL)

	sign := func(exp time.Time, use string) (string, error) {
		claims := Claims{
			Subject: subject,
			Role:    role,
			Name:    name,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    issuer,
				Subject:   subject,
				Audience:  jwt.ClaimStrings{use},
				ExpiresAt: jwt.NewNumericDate(exp),
				IssuedAt:  jwt.NewNumericDate(now),
			},
		}
		return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	}

	accessToken, err := sign(accessExp, "access")
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := sign(refreshExp, "refresh")
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		AccessExp:    accessExp,
		RefreshExp:   refreshExp,
	}, nil
}

// Parse validates an access token and returns its claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(key), nil
	}, jwt.WithAudience("access"))
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	if !ValidRole(claims.Role) {
		return Claims{}, errors.New("unknown role")
	}
	return *claims, nil
}

// ValidRole reports whether role is one the API understands.
func ValidRole(role string) bool {
	return role == RoleTeacher || role == RoleStudent
}
