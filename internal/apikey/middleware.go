package apikey

import (
	"context"
	"net/http"
	"strings"

	"github.com/CloakMarket/server/internal/errors"
)

// Header is the API key header checked on every marketplace route.
const Header = "X-API-Key"

// devWalletHeader identifies the caller when authentication is disabled.
// Development convenience only; never consulted when auth is enabled.
const devWalletHeader = "X-Wallet"

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const contextKeyWallet contextKey = "operator_wallet"

// Config holds API key authentication configuration.
type Config struct {
	// Keys maps an API key to the operator wallet it authenticates as.
	// Wallet addresses are stored lowercase; comparisons elsewhere assume it.
	Keys map[string]string

	// Enabled controls whether API key authentication is active.
	Enabled bool
}

// Middleware resolves the caller's operator wallet from the X-API-Key
// header and stores it in the request context. A missing or unknown key
// is rejected with a 401 envelope; every marketplace operation needs an
// authenticated operator identity for ownership checks.
//
// When disabled, the wallet is taken from the X-Wallet header instead so
// local development and tests can impersonate operators freely.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				wallet := strings.ToLower(strings.TrimSpace(r.Header.Get(devWalletHeader)))
				ctx := context.WithValue(r.Context(), contextKeyWallet, wallet)
				next.ServeHTTP(w, r.WithContext(ctx))
			})
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get(Header))
			if key == "" {
				errors.WriteSimpleError(w, errors.ErrCodeUnauthorized, "Missing API key")
				return
			}

			wallet, ok := cfg.Keys[key]
			if !ok || wallet == "" {
				errors.WriteSimpleError(w, errors.ErrCodeUnauthorized, "Invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyWallet, strings.ToLower(wallet))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OperatorWallet extracts the authenticated operator wallet from the
// request context. Empty when the request was not authenticated.
func OperatorWallet(r *http.Request) string {
	return WalletFromContext(r.Context())
}

// WalletFromContext extracts the authenticated operator wallet from a context.
func WalletFromContext(ctx context.Context) string {
	if wallet, ok := ctx.Value(contextKeyWallet).(string); ok {
		return wallet
	}
	return ""
}
