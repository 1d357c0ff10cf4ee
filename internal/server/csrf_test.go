package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCSRFProtection(t *testing.T) {
	t.Parallel()
	srv, cleanup := newTestServer(t, &fakeRuntime{url: testRuntimeURL})
	t.Cleanup(cleanup)

	tests := []struct { //nolint:govet // test cases prefer readability over memory layout
		name           string
		method         string
		path           string
		setOrigin      bool
		originValue    string
		setReferer     bool
		refererValue   string
		setHost        bool
		hostValue      string
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "GET requests bypass CSRF check",
			method:         http.MethodGet,
			path:           "/api/page/index.md",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "POST without Origin or Referer is rejected",
			method:         http.MethodPost,
			path:           "/api/plugin/reload",
			setHost:        true,
			hostValue:      "localhost:8080",
			expectedStatus: http.StatusForbidden,
			expectedError:  "Invalid origin",
		},
		{
			name:           "POST with valid Origin succeeds",
			method:         http.MethodPost,
			path:           "/api/plugin/reload",
			setHost:        true,
			hostValue:      "localhost:8080",
			setOrigin:      true,
			originValue:    "http://localhost:8080",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "POST with invalid Origin is rejected",
			method:         http.MethodPost,
			path:           "/api/plugin/reload",
			setHost:        true,
			hostValue:      "localhost:8080",
			setOrigin:      true,
			originValue:    "http://evil.com",
			expectedStatus: http.StatusForbidden,
			expectedError:  "Invalid origin",
		},
		{
			name:           "POST with valid Referer succeeds",
			method:         http.MethodPost,
			path:           "/api/plugin/reload",
			setHost:        true,
			hostValue:      "localhost:8080",
			setReferer:     true,
			refererValue:   "http://localhost:8080/page/index.md",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "POST with invalid Referer is rejected",
			method:         http.MethodPost,
			path:           "/api/plugin/reload",
			setHost:        true,
			hostValue:      "localhost:8080",
			setReferer:     true,
			refererValue:   "http://evil.com/attack",
			expectedStatus: http.StatusForbidden,
			expectedError:  "Invalid origin",
		},
		{
			name:           "POST with opaque null Origin is rejected",
			method:         http.MethodPost,
			path:           "/api/plugin/reload",
			setHost:        true,
			hostValue:      "localhost:8080",
			setOrigin:      true,
			originValue:    "null",
			expectedStatus: http.StatusForbidden,
			expectedError:  "Invalid origin",
		},
		{
			name:           "localhost and 127.0.0.1 are equivalent",
			method:         http.MethodPost,
			path:           "/api/plugin/reload",
			setHost:        true,
			hostValue:      "127.0.0.1:8080",
			setOrigin:      true,
			originValue:    "http://localhost:8080",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "DELETE with valid Origin reaches the router",
			method:         http.MethodDelete,
			path:           "/api/page/index.md",
			setHost:        true,
			hostValue:      "localhost:8080",
			setOrigin:      true,
			originValue:    "http://localhost:8080",
			expectedStatus: http.StatusMethodNotAllowed, // read-only view, but passed CSRF
		},
		{
			name:           "healthz endpoint bypasses CSRF",
			method:         http.MethodPost,
			path:           "/healthz",
			expectedStatus: http.StatusMethodNotAllowed, // Method not allowed, but passed CSRF
		},
		{
			name:           "static files bypass CSRF",
			method:         http.MethodPost,
			path:           "/static/css/d2vault.css",
			expectedStatus: http.StatusMethodNotAllowed, // Method not allowed, but passed CSRF
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.setHost {
				req.Host = tt.hostValue
			}
			if tt.setOrigin {
				req.Header.Set("Origin", tt.originValue)
			}
			if tt.setReferer {
				req.Header.Set("Referer", tt.refererValue)
			}

			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d with body: %s",
					tt.expectedStatus, rec.Code, rec.Body.String())
			}

			if tt.expectedError != "" && !strings.Contains(rec.Body.String(), tt.expectedError) {
				t.Errorf("expected error containing %q, got: %s",
					tt.expectedError, rec.Body.String())
			}
		})
	}
}

func TestNormalizeHost(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"localhost:8080":   "localhost",
		"127.0.0.1:8080":   "localhost",
		"[::1]:8080":       "localhost",
		"::1":              "localhost",
		"127.0.0.2":        "localhost",
		"Notes.Example:80": "notes.example",
		"notes.example":    "notes.example",
	}
	for in, want := range cases {
		if got := normalizeHost(in); got != want {
			t.Errorf("normalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}
