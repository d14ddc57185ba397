package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const authContextKey = "auth_context"

// AuthContext carries the validated identity for one request. Handlers read
// the account owner from here and nowhere else.
type AuthContext struct {
	UserID string
	Email  string
	Roles  []string
}

type sessionClaims struct {
	Email string   `json:"email"`
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// TokenValidator parses bearer tokens into an AuthContext.
type TokenValidator struct {
	signingKey []byte
	issuer     string
}

// NewTokenValidator wires a validator for HMAC-signed session tokens.
func NewTokenValidator(signingKey []byte, issuer string) (*TokenValidator, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("signing key is required")
	}
	if strings.TrimSpace(issuer) == "" {
		return nil, errors.New("issuer is required")
	}
	return &TokenValidator{signingKey: signingKey, issuer: issuer}, nil
}

// Validate parses and verifies a raw token.
func (validator *TokenValidator) Validate(raw string) (AuthContext, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return validator.signingKey, nil
	}, jwt.WithIssuer(validator.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return AuthContext{}, err
	}
	if !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return AuthContext{}, errors.New("token missing subject")
	}
	return AuthContext{
		UserID: claims.Subject,
		Email:  claims.Email,
		Roles:  claims.Roles,
	}, nil
}

// GinMiddleware rejects unauthenticated requests and stores the AuthContext
// for handlers.
func (validator *TokenValidator) GinMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		raw := bearerToken(ctx.GetHeader("Authorization"))
		if raw == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		authContext, err := validator.Validate(raw)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		ctx.Set(authContextKey, authContext)
		ctx.Next()
	}
}

func getAuthContext(ctx *gin.Context) (AuthContext, bool) {
	value, ok := ctx.Get(authContextKey)
	if !ok {
		return AuthContext{}, false
	}
	authContext, ok := value.(AuthContext)
	return authContext, ok
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
