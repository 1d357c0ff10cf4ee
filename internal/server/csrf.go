package server

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// csrfMiddleware rejects state-changing requests, such as the plugin reload,
// whose Origin (or Referer) host differs from the request host. Safe methods,
// health checks and static assets pass through.
func csrfMiddleware(logger *slog.Logger) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			if r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/static/") {
				next.ServeHTTP(w, r)
				return
			}

			if source, ok := sameOrigin(r); !ok {
				logger.WarnContext(r.Context(), "cross-origin request rejected",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("origin", source),
				)
				http.Error(w, "Forbidden: Invalid origin", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// sameOrigin reports whether the request's Origin, or its Referer when Origin
// is absent, names the host the request was sent to. It also returns the
// header value it checked.
func sameOrigin(r *http.Request) (string, bool) {
	source := r.Header.Get("Origin")
	if source == "" {
		source = r.Header.Get("Referer")
	}
	if source == "" || source == "null" {
		return source, false
	}

	sourceURL, err := url.Parse(source)
	if err != nil || sourceURL.Host == "" {
		return source, false
	}

	requestHost := r.Host
	if requestHost == "" {
		requestHost = r.URL.Host
	}
	return source, normalizeHost(sourceURL.Host) == normalizeHost(requestHost)
}

// normalizeHost drops the port and folds every loopback spelling
// (localhost, 127.0.0.1, ::1) into "localhost".
func normalizeHost(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))

	if host == "localhost" {
		return host
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return "localhost"
	}
	return host
}
