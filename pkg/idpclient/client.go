package idpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the hosted identity provider. The zero value is not
// usable; construct with NewClient.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a provider client. Per-call deadlines are set by the
// caller through context; the HTTP client timeout is only a backstop.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// CurrentIdentity asks the provider whether it still accepts the access
// token and returns the identity behind it. A 401/403 response comes back
// as a rejection (see IsRejection); any other failure is transient.
func (c *Client) CurrentIdentity(ctx context.Context, accessToken string) (*IdentityResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/session/identity", nil, map[string]string{
		"Authorization": "Bearer " + accessToken,
	})
	if err != nil {
		return nil, err
	}

	var ident IdentityResponse
	if err := decodeJSON(resp, &ident, http.StatusOK); err != nil {
		return nil, err
	}

	return &ident, nil
}

// SignOutAll revokes the member's session across all devices. The lifecycle
// treats this as advisory: callers log failures and carry on with the local
// clear regardless.
func (c *Client) SignOutAll(ctx context.Context, refreshToken string) error {
	body, err := json.Marshal(signOutRequest{
		RefreshToken: refreshToken,
		Scope:        "all-sessions",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/v1/session/sign-out", bytes.NewReader(body), map[string]string{
		"Content-Type": "application/json",
	})
	if err != nil {
		return err
	}

	return checkStatusNoContent(resp)
}

// Role resolves the member's authorization role. A 404 means the member
// exists but has no elevated role and is returned as an empty role, not as
// an error.
func (c *Client) Role(ctx context.Context, accessToken, memberID string) (*RoleResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/v1/members/"+memberID+"/role", nil, map[string]string{
		"Authorization": "Bearer " + accessToken,
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return &RoleResponse{}, nil
	}

	var role RoleResponse
	if err := decodeJSON(resp, &role, http.StatusOK); err != nil {
		return nil, err
	}

	return &role, nil
}

// url builds a complete URL by appending the path to the base URL.
func (c *Client) url(path string) string {
	return c.BaseURL + path
}

// doRequest performs an HTTP request with the client's HTTP client.
func (c *Client) doRequest(
	ctx context.Context,
	method, path string,
	body io.Reader,
	headers map[string]string,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	return resp, nil
}

// decodeJSON decodes a JSON response into the target interface.
// Returns a typed APIError if the response indicates an error.
func decodeJSON(resp *http.Response, target any, expectedStatus int) error {
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != expectedStatus {
		return parseErrorResponse(resp, bodyBytes)
	}

	if err := json.Unmarshal(bodyBytes, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// checkStatusNoContent returns a typed error if the response status is not
// 204 No Content.
func checkStatusNoContent(resp *http.Response) error {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp, bodyBytes)
	}

	return nil
}
