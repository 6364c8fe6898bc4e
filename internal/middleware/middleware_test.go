package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-32-bytes-long-xxxxx"

func makeToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestHS256Validator(t *testing.T) {
	t.Parallel()

	future := time.Now().Add(time.Hour).Unix()
	tests := []struct {
		name     string
		audience string
		token    func(t *testing.T) string
		wantSub  string
		wantErr  bool
	}{
		{
			name:    "valid",
			token:   func(t *testing.T) string { return makeToken(t, testSecret, jwt.MapClaims{"sub": "spark", "exp": future}) },
			wantSub: "spark",
		},
		{
			name:     "audience matches",
			audience: "lineage",
			token: func(t *testing.T) string {
				return makeToken(t, testSecret, jwt.MapClaims{"sub": "spark", "aud": "lineage", "exp": future})
			},
			wantSub: "spark",
		},
		{
			name:     "audience mismatch",
			audience: "lineage",
			token: func(t *testing.T) string {
				return makeToken(t, testSecret, jwt.MapClaims{"sub": "spark", "aud": "other", "exp": future})
			},
			wantErr: true,
		},
		{
			name:    "wrong secret",
			token:   func(t *testing.T) string { return makeToken(t, "other-secret", jwt.MapClaims{"sub": "spark", "exp": future}) },
			wantErr: true,
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				return makeToken(t, testSecret, jwt.MapClaims{"sub": "spark", "exp": time.Now().Add(-time.Hour).Unix()})
			},
			wantErr: true,
		},
		{
			name:    "garbage",
			token:   func(*testing.T) string { return "not.a.token" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v, err := NewHS256Validator(testSecret, tt.audience)
			require.NoError(t, err)

			claims, err := v.Validate(context.Background(), tt.token(t))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSub, claims.Subject)
		})
	}
}

func TestNewHS256Validator_RequiresSecret(t *testing.T) {
	t.Parallel()
	_, err := NewHS256Validator("", "")
	require.Error(t, err)
}

type validatorFunc func(ctx context.Context, token string) (*Claims, error)

func (f validatorFunc) Validate(ctx context.Context, token string) (*Claims, error) { return f(ctx, token) }

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	v := validatorFunc(func(_ context.Context, token string) (*Claims, error) {
		if token == "good" {
			return &Claims{Subject: "spark"}, nil
		}
		return nil, errors.New("bad token")
	})

	tests := []struct {
		name       string
		validator  TokenValidator
		header     string
		wantStatus int
		wantUser   string
	}{
		{name: "valid token", validator: v, header: "Bearer good", wantStatus: http.StatusOK, wantUser: "spark"},
		{name: "invalid token", validator: v, header: "Bearer bad", wantStatus: http.StatusUnauthorized},
		{name: "missing header", validator: v, wantStatus: http.StatusUnauthorized},
		{name: "wrong scheme", validator: v, header: "Basic Zm9vOmJhcg==", wantStatus: http.StatusUnauthorized},
		{name: "disabled", wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var gotUser string
			h := Authenticate(tt.validator, discardLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUser, _ = PrincipalFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantUser, gotUser)
			if tt.wantStatus == http.StatusUnauthorized {
				var body map[string]any
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.InDelta(t, 401, body["code"], 0)
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := RateLimiter(ctx, RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/reports", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusNoContent, do("10.0.0.1:1001").Code)

	rec := do("10.0.0.1:1002")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusNoContent, do("10.0.0.2:1000").Code, "limits are per client")
}

func TestRateLimiter_KeyedByPrincipal(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := RateLimiter(ctx, RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1})(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	do := func(principal string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/reports", nil)
		req.RemoteAddr = "10.0.0.9:5000"
		if principal != "" {
			req = req.WithContext(WithPrincipal(req.Context(), principal))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	// Same address, different principals: separate buckets.
	assert.Equal(t, http.StatusNoContent, do("spark-job-a"))
	assert.Equal(t, http.StatusNoContent, do("spark-job-b"))
	assert.Equal(t, http.StatusTooManyRequests, do("spark-job-a"))
	// Anonymous requests share the address bucket.
	assert.Equal(t, http.StatusNoContent, do(""))
	assert.Equal(t, http.StatusTooManyRequests, do(""))
}

func TestLimiterSet_Evict(t *testing.T) {
	t.Parallel()
	s := newLimiterSet(1, 1)
	base := time.Now()

	s.get("old", base)
	s.get("fresh", base.Add(time.Minute))

	assert.Equal(t, 1, s.evict(base.Add(30*time.Second)))
	assert.NotContains(t, s.clients, "old")
	assert.Contains(t, s.clients, "fresh")
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		remote string
		want   string
	}{
		{remote: "192.168.1.5:4321", want: "192.168.1.5"},
		{remote: "[::1]:8080", want: "::1"},
		{remote: "no-port", want: "no-port"},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			req.Header.Set("X-Forwarded-For", "1.2.3.4")
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		incoming string
	}{
		{name: "generated"},
		{name: "propagated", incoming: "req-123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var ctxID string
			h := RequestID(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
				ctxID = RequestIDFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set("X-Request-ID", tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.NotEmpty(t, ctxID)
			assert.Equal(t, ctxID, rec.Header().Get("X-Request-ID"))
			if tt.incoming != "" {
				assert.Equal(t, tt.incoming, ctxID)
			}
		})
	}
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestRequestLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h := RequestID(RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte("closed"))
	})))
	req := httptest.NewRequest(http.MethodPost, "/v1/runs/r1/complete", nil)
	req.Header.Set("X-Request-ID", "req-9")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "/v1/runs/r1/complete", rec["path"])
	assert.InDelta(t, 409, rec["status"], 0)
	assert.InDelta(t, 6, rec["bytes"], 0)
	assert.Equal(t, "req-9", rec["request_id"])
}
