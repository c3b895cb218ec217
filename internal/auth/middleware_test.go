package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_DisabledResolvesHeaderIdentity(t *testing.T) {
	m := NewMiddleware(nil, &MiddlewareConfig{Enabled: false})

	var got string
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/canvases/c1/trigger", nil)
	req.Header.Set("X-User-ID", "u1")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got != "u1" {
		t.Errorf("user id = %q", got)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/canvases/c1/trigger", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if got != anonymousUser {
		t.Errorf("fallback user id = %q", got)
	}
}

func TestMiddleware_EnabledRejectsMissingToken(t *testing.T) {
	m := NewMiddleware(&Provider{}, &MiddlewareConfig{Enabled: true})
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without token")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/executions/e1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/executions/e1", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestMiddleware_PublicPathsBypassAuth(t *testing.T) {
	m := NewMiddleware(&Provider{}, &MiddlewareConfig{Enabled: true})
	reached := false
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !reached {
		t.Error("/health blocked by auth")
	}
}

func TestPerClientRateLimiter(t *testing.T) {
	rl := NewPerClientRateLimiter(1, 2)
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/canvases/c1/trigger", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("burst requests rejected: %v", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request not limited: %v", codes)
	}

	// A different client has its own budget.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/canvases/c1/trigger", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("second client limited: %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(r *http.Request)
		want   string
		remote string
	}{
		{
			name:   "x-forwarded-for first hop",
			setup:  func(r *http.Request) { r.Header.Set("X-Forwarded-For", "1.2.3.4, 5.6.7.8") },
			want:   "1.2.3.4",
			remote: "9.9.9.9:80",
		},
		{
			name:   "x-real-ip",
			setup:  func(r *http.Request) { r.Header.Set("X-Real-IP", "5.6.7.8") },
			want:   "5.6.7.8",
			remote: "9.9.9.9:80",
		},
		{
			name:   "remote addr without port",
			setup:  func(r *http.Request) {},
			want:   "9.9.9.9",
			remote: "9.9.9.9:80",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			tt.setup(req)
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
