package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// CustomerTokenIssuer is the iss claim on customer tokens.
const CustomerTokenIssuer = "loyaltyshop"

// AdminAuth guards operator routes with a bearer token checked against a
// bcrypt hash. An empty hash disables the routes entirely.
func AdminAuth(tokenHash string, logger *zap.Logger) func(http.Handler) http.Handler {
	return hashedTokenAuth("admin", tokenHash, logger)
}

// WebhookAuth guards the routes the commerce platform calls server to server
// (order, return and review events, shipping quotes). An empty hash disables
// them.
func WebhookAuth(tokenHash string, logger *zap.Logger) func(http.Handler) http.Handler {
	return hashedTokenAuth("webhook", tokenHash, logger)
}

func hashedTokenAuth(surface, tokenHash string, logger *zap.Logger) func(http.Handler) http.Handler {
	hash := []byte(tokenHash)
	challenge := `Bearer realm="loyaltyshop-` + surface + `"`
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(hash) == 0 {
				writeError(w, http.StatusForbidden, surface+" API is disabled")
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", challenge)
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
				logger.Warn(surface+" authentication failed",
					zap.String("client", ClientKey(r)),
					zap.String("path", r.URL.Path),
				)
				writeError(w, http.StatusUnauthorized, "invalid "+surface+" token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IssueCustomerToken signs an HS256 token that lets its bearer act on
// customerID's cart until ttl elapses.
func IssueCustomerToken(secret string, customerID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    CustomerTokenIssuer,
		Subject:   strconv.FormatInt(customerID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// CustomerAuth requires a token from IssueCustomerToken whose subject equals
// the route's param URL parameter. Tokens for another customer get 403. An
// empty secret disables the routes.
func CustomerAuth(secret, param string, logger *zap.Logger) func(http.Handler) http.Handler {
	key := []byte(secret)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(CustomerTokenIssuer),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(*jwt.Token) (any, error) { return key, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(key) == 0 {
				writeError(w, http.StatusForbidden, "cart API is disabled")
				return
			}

			raw, ok := bearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="loyaltyshop-customer"`)
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			var claims jwt.RegisteredClaims
			if _, err := parser.ParseWithClaims(raw, &claims, keyFunc); err != nil {
				logger.Warn("customer authentication failed",
					zap.String("client", ClientKey(r)),
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				writeError(w, http.StatusUnauthorized, "invalid customer token")
				return
			}
			if claims.Subject != chi.URLParam(r, param) {
				logger.Warn("customer token used for another customer",
					zap.String("subject", claims.Subject),
					zap.String("path", r.URL.Path),
				)
				writeError(w, http.StatusForbidden, "token does not grant access to this customer")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
