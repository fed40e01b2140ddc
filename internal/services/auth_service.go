package services

import (
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// AuthService validates bearer tokens from the external identity provider
// and derives per-principal key-encryption credentials. It does not
// implement login or signup.
type AuthService struct {
	jwtSecret     string
	jwtExpiration time.Duration
}

// NewAuthService creates a new auth service
func NewAuthService(jwtSecret string, jwtExpirationSeconds int) *AuthService {
	return &AuthService{
		jwtSecret:     jwtSecret,
		jwtExpiration: time.Duration(jwtExpirationSeconds) * time.Second,
	}
}

// JWTClaims represents JWT token claims
type JWTClaims struct {
	UserID string `json:"userId"`
	jwt.RegisteredClaims
}

// GenerateToken generates a JWT token for a principal. In production a
// deployed identity provider issues these; this exists for tests and local
// development.
func (s *AuthService) GenerateToken(principalID string) (string, error) {
	now := time.Now()
	claims := &JWTClaims{
		UserID: principalID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.jwtExpiration)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "securechat",
			Subject:   principalID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// ValidateToken validates a JWT token and returns the claims
func (s *AuthService) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	if claims.UserID == "" {
		return nil, fmt.Errorf("token missing principal id")
	}

	return claims, nil
}

// KeyCredential derives the 32-byte credential that encrypts a principal's
// private key at rest. It is stable per principal so rotated processes can
// still open stored keys, and it never leaves this process.
func (s *AuthService) KeyCredential(principalID string) ([]byte, error) {
	if principalID == "" {
		return nil, ErrUnauthenticated
	}

	kdf := hkdf.New(sha256.New, []byte(s.jwtSecret), []byte(principalID), []byte("securechat-key-credential-v1"))
	credential := make([]byte, 32)
	if _, err := io.ReadFull(kdf, credential); err != nil {
		return nil, fmt.Errorf("failed to derive key credential: %w", err)
	}

	return credential, nil
}
