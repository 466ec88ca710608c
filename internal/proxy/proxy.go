// Package proxy implements the Reverse Proxy (C4): forwards authorized
// requests to downstream services, injects identity headers, and maps
// downstream failures to a uniform PROXY_ERROR envelope (spec §4.4).
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/platform/internal/apperr"
	"github.com/fleetops/platform/internal/identity"
)

// Route maps a path prefix (e.g. "storage", "devices", "mcp", "llm",
// "workflows") to an upstream base URL. The routing table is a static list
// per spec §4.4.
type Route struct {
	ServiceName string // e.g. "devices" — used in PROXY_ERROR's service field
	PathPrefix  string // e.g. "/api/v1/devices"
	UpstreamURL string
}

const (
	connectTimeout = 10 * time.Second
	readTimeout    = 60 * time.Second
)

// Proxy holds the static routing table and forwards matched requests.
type Proxy struct {
	routes []Route
	spiffe *identity.SPIFFEVerifier
}

func New(routes []Route) *Proxy {
	return &Proxy{routes: routes}
}

// WithSPIFFE arms outbound requests with mTLS dialed through the given
// SPIFFE verifier's workload SVID. Nil is a no-op, leaving downstream
// connections on the default transport — the Gateway only calls this when
// GatewayConfig.SpiffeSocketPath is configured.
func (p *Proxy) WithSPIFFE(verifier *identity.SPIFFEVerifier) *Proxy {
	p.spiffe = verifier
	return p
}

// Match returns the route whose prefix matches the request path, if any.
func (p *Proxy) Match(path string) (Route, bool) {
	for _, r := range p.routes {
		if strings.HasPrefix(path, r.PathPrefix) {
			return r, true
		}
	}
	return Route{}, false
}

// Handler returns an http.HandlerFunc that forwards to route, injecting
// identity headers and preserving the request's path prefix end-to-end
// (spec §9 Open Question resolution #4 — the prefix is never stripped).
func (p *Proxy) Handler(route Route) http.HandlerFunc {
	target, err := url.Parse(route.UpstreamURL)
	if err != nil {
		// Misconfigured routing table — fail loudly at startup, not per-request.
		panic(fmt.Sprintf("proxy: invalid upstream URL for %s: %v", route.ServiceName, err))
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Director = func(req *http.Request) {
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		// Prefix preserved: req.URL.Path is untouched, only scheme/host change.
		req.Host = target.Host
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		slog.Error("proxy: downstream request failed", "service", route.ServiceName, "error", err)
		apperr.WriteJSON(w, apperr.ProxyError(route.ServiceName, err))
	}
	rp.ModifyResponse = func(resp *http.Response) error {
		if resp.StatusCode >= 500 {
			return fmt.Errorf("downstream %s returned %d", route.ServiceName, resp.StatusCode)
		}
		return nil
	}
	if p.spiffe != nil {
		if tlsConfig, err := p.spiffe.GetTLSConfig(); err != nil {
			slog.Warn("proxy: spiffe tls config unavailable, using default transport", "service", route.ServiceName, "error", err)
		} else {
			rp.Transport = &http.Transport{TLSClientConfig: tlsConfig}
		}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), connectTimeout+readTimeout)
		defer cancel()
		r = r.WithContext(ctx)

		principal, _ := identity.FromContext(r.Context())
		injectIdentityHeaders(r, principal)

		// Body is not buffered for proxied routes — streaming pass-through
		// per spec §4.4 point 2. httputil.ReverseProxy already streams the
		// body; nothing here reads r.Body into memory.
		rp.ServeHTTP(w, r)
	}
}

// injectIdentityHeaders strips any client-supplied X-User-Info (the gateway
// must never forward one — spec §4.4 trust model) and adds the verified
// principal plus a correlation id.
func injectIdentityHeaders(r *http.Request, principal *identity.Principal) {
	r.Header.Del("X-User-Info")
	r.Header.Del("Authorization") // stripped: downstream trusts the gateway, not the bearer token

	if principal != nil {
		info := map[string]any{
			"id":       principal.ID,
			"username": principal.Username,
			"role":     principal.Role,
		}
		if principal.Email != "" {
			info["email"] = principal.Email
		}
		b, _ := json.Marshal(info)
		r.Header.Set("X-User-Info", string(b))
	}

	if r.Header.Get("X-Correlation-ID") == "" {
		id, _ := uuid.NewRandom()
		r.Header.Set("X-Correlation-ID", id.String())
	}
}

// DecodeBody is used by the routes the gateway terminates itself
// (/api/v1/auth/*, /health) — those are the only ones whose body is parsed
// rather than streamed through.
func DecodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		return apperr.Validation("failed to read request body")
	}
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return apperr.Validation("malformed JSON body")
	}
	return nil
}
