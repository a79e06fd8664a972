package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	contextKeyAccountID = "account_id"
	bearerPrefix        = "Bearer "
	webhookTokenHeader  = "X-Webhook-Token"
)

// identityMiddleware validates the bearer token issued by the identity layer
// and stores its subject as the verified account id. The core trusts the
// identity collaborator; this middleware only checks that the token really
// came from it.
func identityMiddleware(signingKey []byte, issuer string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			abortUnauthorized(ctx, "missing bearer token")
			return
		}
		raw := strings.TrimPrefix(header, bearerPrefix)
		claims := jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return signingKey, nil
		}, jwt.WithIssuer(issuer), jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			abortUnauthorized(ctx, "invalid token")
			return
		}
		if strings.TrimSpace(claims.Subject) == "" {
			abortUnauthorized(ctx, "token subject is empty")
			return
		}
		ctx.Set(contextKeyAccountID, claims.Subject)
		ctx.Next()
	}
}

// webhookMiddleware guards the payment-gateway callback route with a shared
// secret.
func webhookMiddleware(webhookToken string) gin.HandlerFunc {
	expected := []byte(webhookToken)
	return func(ctx *gin.Context) {
		presented := []byte(ctx.GetHeader(webhookTokenHeader))
		if subtle.ConstantTimeCompare(expected, presented) != 1 {
			abortUnauthorized(ctx, "invalid webhook token")
			return
		}
		ctx.Next()
	}
}

func abortUnauthorized(ctx *gin.Context, message string) {
	ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": message})
}

func accountIDFromContext(ctx *gin.Context) (string, bool) {
	value, exists := ctx.Get(contextKeyAccountID)
	if !exists {
		return "", false
	}
	accountID, ok := value.(string)
	return accountID, ok && accountID != ""
}
