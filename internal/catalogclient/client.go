// Package catalogclient is the HTTP client to the external catalog store
// ("Storage Service" in the source) — the system of record for users,
// devices, and encrypted connection secrets. Every domain-service facade
// (Token Service, Device Registry Facade) talks to it through this client
// rather than embedding its own HTTP plumbing.
package catalogclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fleetops/platform/internal/apperr"
	"github.com/fleetops/platform/internal/circuitbreaker"
	"github.com/fleetops/platform/internal/identity"
)

// Client wraps HTTP calls to the catalog store with a uniform timeout and
// error mapping. Retries are the caller's responsibility (Device Facade
// applies its own 4xx/5xx-differentiated retry policy on top of this).
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// WithBreaker arms every catalog-store call with a circuit breaker (the
// platform's shared "catalog-store" breaker in production), so repeated
// Storage Service failures trip open instead of letting every caller pile
// up timeouts. Nil is a no-op.
func (c *Client) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Client {
	c.breaker = cb
	return c
}

// Credentials is the shape returned by the catalog store's login endpoint.
type Credentials struct {
	Principal    identity.Principal `json:"principal"`
	PasswordHash string             `json:"-"`
}

// VerifyCredentials delegates the username/password check to the catalog
// store (spec §4.1 "delegates credential check to the catalog store").
func (c *Client) VerifyCredentials(ctx context.Context, username, password string) (*identity.Principal, error) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	body.Username = username
	body.Password = password

	var out struct {
		Principal identity.Principal `json:"principal"`
	}
	if err := c.do(ctx, http.MethodPost, "/auth/verify-credentials", body, &out); err != nil {
		return nil, err
	}
	out.Principal.Role = identity.NormalizeRole(string(out.Principal.Role))
	return &out.Principal, nil
}

// GetPrincipal re-hydrates a principal by id, used by Refresh/Verify to
// check the user hasn't gone inactive since the credential was issued.
func (c *Client) GetPrincipal(ctx context.Context, userID string) (*identity.Principal, error) {
	var out identity.Principal
	if err := c.do(ctx, http.MethodGet, "/users/"+userID, nil, &out); err != nil {
		return nil, err
	}
	out.Role = identity.NormalizeRole(string(out.Role))
	return &out, nil
}

// doRequest executes req directly, or through the circuit breaker when one
// is armed via WithBreaker. A >=500 response counts as a breaker failure
// alongside transport errors — it's the signal a flaky catalog store should
// trip on; 4xx is the caller's fault and is left to the caller's own
// status-code handling in do().
func (c *Client) doRequest(req *http.Request) (*http.Response, error) {
	exec := func() (*http.Response, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("catalog store returned %d: %s", resp.StatusCode, string(b))
		}
		return resp, nil
	}

	if c.breaker == nil {
		return exec()
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return exec()
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return apperr.Internal("marshal catalog request", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return apperr.Internal("build catalog request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doRequest(req)
	if err != nil {
		return apperr.StorageServiceError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return apperr.NotFound("resource")
	}
	if resp.StatusCode >= 400 {
		return apperr.Validation(fmt.Sprintf("catalog store rejected request: %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Internal("decode catalog response", err)
	}
	return nil
}

// RequestJSON is a general-purpose escape hatch used by the Device Facade
// for full CRUD against the catalog store's device resources.
func (c *Client) RequestJSON(ctx context.Context, method, path string, body, out any) error {
	return c.do(ctx, method, path, body, out)
}

func (c *Client) BaseURL() string { return c.baseURL }
