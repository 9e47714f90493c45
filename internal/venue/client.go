// Package venue talks to the confidential execution venue that takes over a
// receipt's state between delegation and settlement.
package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultCommitIntervalMs is the checkpoint period requested on delegation.
const DefaultCommitIntervalMs uint32 = 30_000

// Delegation describes a hand-off request.
type Delegation struct {
	Account          common.Hash    `json:"account"`
	Owner            common.Address `json:"owner"`
	CommitIntervalMs uint32         `json:"commit_interval_ms"`
	Validator        common.Address `json:"validator,omitempty"`
}

// Client is an authenticated venue REST client.
type Client struct {
	baseURL   string
	apiKey    string
	validator common.Address
	http      *http.Client
}

func NewClient(baseURL, apiKey string, validator common.Address) *Client {
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		validator: validator,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// Delegate hands the account over to the venue.
func (c *Client) Delegate(ctx context.Context, account common.Hash, owner common.Address, commitIntervalMs uint32) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/delegations", Delegation{
		Account:          account,
		Owner:            owner,
		CommitIntervalMs: commitIntervalMs,
		Validator:        c.validator,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		// Already delegated: fine if the venue holds it for the same owner.
		d, err := c.GetDelegation(ctx, account)
		if err == nil && d.Owner == owner {
			return nil
		}
		return fmt.Errorf("venue Delegate %s: already delegated to another owner", account.Hex())
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("venue Delegate %s: status %d: %s", account.Hex(), resp.StatusCode, readSnippet(resp.Body))
	}
	return nil
}

// Undelegate asks the venue to commit the final state and release the account.
func (c *Client) Undelegate(ctx context.Context, account common.Hash) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/delegations/"+account.Hex(), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// 404: already released
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("venue Undelegate %s: status %d: %s", account.Hex(), resp.StatusCode, readSnippet(resp.Body))
	}
	return nil
}

// GetDelegation returns the venue's view of a delegated account.
func (c *Client) GetDelegation(ctx context.Context, account common.Hash) (*Delegation, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/delegations/"+account.Hex(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("venue GetDelegation %s: status %d", account.Hex(), resp.StatusCode)
	}
	var d Delegation
	return &d, json.NewDecoder(resp.Body).Decode(&d)
}

// BaseURL returns the configured venue endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return string(bytes.TrimSpace(b))
}
