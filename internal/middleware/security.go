// Scribe is a media transcription job service.
// Copyright (C) 2025 Scribe Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package middleware provides the HTTP middleware chain: security headers,
// CORS, and submission rate limiting.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// SecurityConfig holds configuration for the security headers middleware.
type SecurityConfig struct {
	// EnableHSTS enables Strict-Transport-Security (only behind TLS).
	EnableHSTS bool
	// HSTSMaxAge is the max-age value for HSTS.
	HSTSMaxAge int
	// EnableCORS enables CORS headers.
	EnableCORS bool
	// CORSAllowedOrigins is the list of allowed origins.
	CORSAllowedOrigins []string
	// CORSAllowedMethods is the list of allowed HTTP methods.
	CORSAllowedMethods []string
	// CORSAllowedHeaders is the list of allowed request headers.
	CORSAllowedHeaders []string
	// CORSMaxAge is the preflight cache lifetime in seconds.
	CORSMaxAge int
}

// DefaultSecurityConfig returns the defaults used by the service: CORS open
// for browser clients, HSTS off until TLS terminates here.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		EnableHSTS:         false,
		HSTSMaxAge:         31536000,
		EnableCORS:         true,
		CORSAllowedOrigins: []string{"*"},
		CORSAllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "X-Admin-Password"},
		CORSMaxAge:         3600,
	}
}

// SecurityHeaders adds standard security headers and, when enabled, CORS
// handling including OPTIONS preflight.
func SecurityHeaders(cfg SecurityConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")

			if cfg.EnableHSTS {
				w.Header().Set("Strict-Transport-Security", "max-age="+strconv.Itoa(cfg.HSTSMaxAge))
			}

			if cfg.EnableCORS {
				if r.Method == http.MethodOptions {
					w.Header().Set("Access-Control-Allow-Origin", strings.Join(cfg.CORSAllowedOrigins, ","))
					w.Header().Set("Access-Control-Allow-Methods", strings.Join(cfg.CORSAllowedMethods, ","))
					w.Header().Set("Access-Control-Allow-Headers", strings.Join(cfg.CORSAllowedHeaders, ","))
					if cfg.CORSMaxAge > 0 {
						w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.CORSMaxAge))
					}
					w.WriteHeader(http.StatusNoContent)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", strings.Join(cfg.CORSAllowedOrigins, ","))
			}

			next.ServeHTTP(w, r)
		})
	}
}
