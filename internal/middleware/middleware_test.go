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

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(DefaultSecurityConfig())(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
	// HSTS disabled by default
	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Fatalf("unexpected HSTS header %q", got)
	}
}

func TestSecurityHeadersPreflight(t *testing.T) {
	handler := SecurityHeaders(DefaultSecurityConfig())(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Fatal("preflight missing Access-Control-Allow-Methods")
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got == "" {
		t.Fatal("preflight missing Access-Control-Allow-Headers")
	}
}

func TestRateLimiterThrottlesSubmissions(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.LimitSubmissions(okHandler())

	post := func() int {
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", nil)
		req.RemoteAddr = "10.0.0.1:54321"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 3; i++ {
		if code := post(); code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, code)
		}
	}
	if code := post(); code != http.StatusTooManyRequests {
		t.Fatalf("over-burst status = %d, want 429", code)
	}
}

func TestRateLimiterIgnoresReads(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.LimitSubmissions(okHandler())

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs/JOB-ABC123", nil)
		req.RemoteAddr = "10.0.0.1:54321"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("read %d status = %d, want 200", i, rec.Code)
		}
	}
}

func TestRateLimiterPerClient(t *testing.T) {
	cfg := RateLimitConfig{
		RequestsPerMinute: 60,
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	}
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.LimitSubmissions(okHandler())

	post := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/jobs", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post("10.0.0.1:1"); code != http.StatusOK {
		t.Fatalf("client A status = %d, want 200", code)
	}
	if code := post("10.0.0.1:2"); code != http.StatusTooManyRequests {
		t.Fatalf("client A second status = %d, want 429", code)
	}
	// A different client has its own bucket.
	if code := post("10.0.0.2:1"); code != http.StatusOK {
		t.Fatalf("client B status = %d, want 200", code)
	}
}

func TestClientIPHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:1234"

	if got := clientIP(req); got != "10.0.0.9" {
		t.Fatalf("clientIP = %q, want 10.0.0.9", got)
	}

	req.Header.Set("X-Real-IP", "203.0.113.7")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("clientIP = %q, want X-Real-IP value", got)
	}

	req.Header.Set("X-Forwarded-For", "198.51.100.1, 203.0.113.7")
	if got := clientIP(req); got != "198.51.100.1" {
		t.Fatalf("clientIP = %q, want first X-Forwarded-For entry", got)
	}
}
