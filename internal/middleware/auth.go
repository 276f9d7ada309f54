package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/osvaldoandrade/validq/pkg/auth"
	"github.com/osvaldoandrade/validq/pkg/domain"

	"github.com/gin-gonic/gin"
)

const (
	ScopeRequest  = "validq:request"
	ScopeValidate = "validq:validate"

	RoleAdmin      = "ADMIN"
	RoleArbitrator = "ARBITRATOR"

	claimsKey    = "claims"
	principalKey = "principal"
)

// AuthMiddleware validates the bearer token and binds the caller's address.
// The token subject must be a 0x-prefixed 20-byte address.
func AuthMiddleware(validator auth.Validator) gin.HandlerFunc {
	if validator == nil {
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity validator not configured"})
		}
	}
	return func(c *gin.Context) {
		claims, err := validateBearer(validator, c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": err.Error()})
			return
		}
		principal, err := domain.ParseAddress(strings.TrimSpace(claims.Subject))
		if err != nil || principal.IsZero() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "token subject is not a principal address"})
			return
		}
		c.Set(claimsKey, claims)
		c.Set(principalKey, principal)
		c.Next()
	}
}

func validateBearer(validator auth.Validator, authHeader string) (*auth.Claims, error) {
	token := bearerToken(authHeader)
	if token == "" {
		if strings.TrimSpace(authHeader) == "" {
			return nil, fmt.Errorf("missing Authorization header")
		}
		return nil, fmt.Errorf("invalid Authorization format")
	}
	return validator.Validate(token)
}

func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok && claims != nil
}

func GetPrincipal(c *gin.Context) (domain.Address, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return domain.ZeroAddress, false
	}
	a, ok := v.(domain.Address)
	return a, ok
}

// RequireScope rejects callers whose token lacks scope. ADMIN passes every scope check.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "missing claims"})
			return
		}
		if !claims.HasScope(scope) && !claims.HasRole(RoleAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing_scope", "message": "token lacks scope " + scope})
			return
		}
		c.Next()
	}
}

// RequireRole admits callers holding any of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "missing claims"})
			return
		}
		for _, r := range roles {
			if claims.HasRole(r) {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing_role", "message": "requires role " + strings.Join(roles, " or ")})
	}
}
