// Package accounts talks to the service that owns identities, role
// permissions and profiles. Client reaches it over HTTP; Store reads and
// writes the same data directly from PostgreSQL.
package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bootfleet/gateway/internal/auth"
	"github.com/bootfleet/gateway/internal/rbac"
)

const (
	resolveTokenPath = "/v1/accounts/resolveToken"
	hasAccessPath    = "/v1/accounts/roles/hasAccess"
	updateAvatarPath = "/v1/accounts/updateAvatar"

	maxResponseBytes = 1 << 20
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrUnexpectedReply = errors.New("unexpected reply from accounts service")
)

// Client calls the accounts service's JSON endpoints. It satisfies
// auth.IdentityAuthority, rbac.PolicyAuthority and the upload profile updater.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL. timeout bounds each
// round trip on top of whatever deadline the caller's context carries.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ResolveToken asks the service which identity owns token. A JSON null reply
// means the token is unknown.
func (c *Client) ResolveToken(ctx context.Context, token string) (*auth.Identity, error) {
	var raw json.RawMessage
	if err := c.call(ctx, resolveTokenPath, map[string]string{"token": token}, &raw); err != nil {
		return nil, err
	}

	if isNull(raw) {
		return nil, nil
	}

	var identity auth.Identity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return nil, fmt.Errorf("%w: decoding identity: %w", ErrUnexpectedReply, err)
	}
	if identity.ID == "" {
		return nil, nil
	}
	return &identity, nil
}

// HasAccess reports whether any of req.Roles grants every permission. Only a
// literal JSON true counts as allow.
func (c *Client) HasAccess(ctx context.Context, req rbac.PermissionRequest) (bool, error) {
	var raw json.RawMessage
	if err := c.call(ctx, hasAccessPath, req, &raw); err != nil {
		return false, err
	}
	return string(bytes.TrimSpace(raw)) == "true", nil
}

// UpdateAvatar stores avatarURL on the profile of account id.
func (c *Client) UpdateAvatar(ctx context.Context, id, avatarURL string) error {
	body := struct {
		ID     string `json:"id"`
		Avatar string `json:"avatar"`
	}{ID: id, Avatar: avatarURL}
	return c.call(ctx, updateAvatarPath, body, nil)
}

func (c *Client) call(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound && path == updateAvatarPath:
		return ErrAccountNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: %s returned HTTP %d: %s", ErrUnexpectedReply, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("null")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %w", ErrUnexpectedReply, path, err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || string(trimmed) == "null"
}
