package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"CapIot.ingest/internal/config"
	"CapIot.ingest/internal/logging"
	"CapIot.ingest/internal/models"
	"CapIot.ingest/internal/utils"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
)

const jwksCacheTTL = 5 * time.Minute

// NewJWTMiddleware builds the token check for user-facing routes. With a
// secret configured tokens are HS256; otherwise keys are fetched from the
// issuer's JWKS endpoint. A nil middleware is returned when no
// authentication is configured.
func NewJWTMiddleware(cfg config.AuthConfig) (func(http.Handler) http.Handler, error) {
	if !cfg.Enabled() {
		return nil, nil
	}

	var (
		keyFunc   func(context.Context) (interface{}, error)
		algorithm validator.SignatureAlgorithm
	)
	if cfg.Secret != "" {
		secret := []byte(cfg.Secret)
		keyFunc = func(context.Context) (interface{}, error) { return secret, nil }
		algorithm = validator.HS256
	} else {
		issuerURL, err := url.Parse(cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("parse issuer url: %w", err)
		}
		var opts []jwks.ProviderOption
		if cfg.JWKSURL != "" {
			jwksURL, err := url.Parse(cfg.JWKSURL)
			if err != nil {
				return nil, fmt.Errorf("parse jwks url: %w", err)
			}
			opts = append(opts, jwks.WithCustomJWKSURI(jwksURL))
		}
		provider := jwks.NewCachingProvider(issuerURL, jwksCacheTTL, opts...)
		keyFunc = provider.KeyFunc
		algorithm = validator.RS256
	}

	jwtValidator, err := validator.New(
		keyFunc,
		algorithm,
		cfg.Issuer,
		[]string{cfg.Audience},
		validator.WithAllowedClockSkew(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("set up jwt validator: %w", err)
	}

	mw := jwtmiddleware.New(
		jwtValidator.ValidateToken,
		jwtmiddleware.WithErrorHandler(authErrorHandler),
	)
	return func(next http.Handler) http.Handler {
		return mw.CheckJWT(requireSubject(next))
	}, nil
}

// requireSubject rejects valid tokens that do not name a user; ownership
// checks downstream rely on the subject.
func requireSubject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Subject(r.Context()) == "" {
			apiErr := models.NewAPIError(models.ErrorCodeInvalidToken, "Token has no subject", nil, http.StatusUnauthorized)
			utils.RespondWithError(w, apiErr)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func authErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	logging.WithContext(r.Context(), logging.Component("auth")).Warn("token rejected", "path", r.URL.Path, "error", err)

	if errors.Is(err, jwtmiddleware.ErrJWTMissing) {
		apiErr := models.NewAPIError(models.ErrorCodeUnauthorized, "Authorization header missing", nil, http.StatusUnauthorized)
		utils.RespondWithError(w, apiErr)
		return
	}
	apiErr := models.NewAPIError(models.ErrorCodeInvalidToken, "Invalid token", nil, http.StatusUnauthorized)
	utils.RespondWithError(w, apiErr)
}

// Subject returns the validated token's subject, or "" on routes without
// authentication.
func Subject(ctx context.Context) string {
	claims, ok := ctx.Value(jwtmiddleware.ContextKey{}).(*validator.ValidatedClaims)
	if !ok || claims == nil {
		return ""
	}
	return claims.RegisteredClaims.Subject
}
