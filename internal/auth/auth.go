package auth

import (
	"errors"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/ksred/klear-dca/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// Permissions carried in issued tokens
const (
	PermissionVaults = "vaults"
	PermissionAdmin  = "admin"
)

// Test credentials
var (
	TestAPIKey    = "test-api-key"
	TestAPISecret = "test-api-secret"
)

// TokenTTL is the lifetime of an issued token
const TokenTTL = 24 * time.Hour

// Credentials represents the API authentication credentials. The API key is
// the account address the token acts for.
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	Address     string   `json:"address"`
	Permissions []string `json:"permissions"`
}

// IsAdmin reports whether the token may perform admin operations.
func (c *Claims) IsAdmin() bool {
	return slices.Contains(c.Permissions, PermissionAdmin)
}

// Service issues and validates tokens for registered API credentials
type Service struct {
	jwtSecret    []byte
	adminAddress string
	now          func() time.Time

	apiCredentials map[string]string // map[APIKey]APISecret
}

// NewService creates an authentication service signing with jwtSecret.
// Tokens issued for adminAddress carry the admin permission.
func NewService(jwtSecret, adminAddress string) *Service {
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		adminAddress:   adminAddress,
		now:            time.Now,
		apiCredentials: make(map[string]string),
	}
}

// GenerateToken generates a JWT token for valid API credentials
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	if !s.validateCredentials(creds) {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	expiration := now.Add(TokenTTL)

	permissions := []string{PermissionVaults}
	if s.adminAddress != "" && creds.APIKey == s.adminAddress {
		permissions = append(permissions, PermissionAdmin)
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   creds.APIKey,
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		Address:     creds.APIKey,
		Permissions: permissions,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken verifies the signature and expiry of tokenString and returns
// its claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.Address != "" {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

func (s *Service) validateCredentials(creds Credentials) bool {
	secret, exists := s.apiCredentials[creds.APIKey]
	return exists && secret == creds.APISecret
}

// RegisterAPICredentials registers an API key and its secret
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string) {
	s.apiCredentials[apiKey] = apiSecret
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// GetAddress returns the authenticated address stored on the context by the
// JWT middleware, or an empty string.
func GetAddress(c *gin.Context) string {
	if claims, ok := c.Get("claims"); ok {
		if jwtClaims, ok := claims.(*Claims); ok {
			return jwtClaims.Address
		}
	}
	return ""
}

// IsAdmin reports whether the request was made with an admin token.
func IsAdmin(c *gin.Context) bool {
	if claims, ok := c.Get("claims"); ok {
		if jwtClaims, ok := claims.(*Claims); ok {
			return jwtClaims.IsAdmin()
		}
	}
	return false
}
