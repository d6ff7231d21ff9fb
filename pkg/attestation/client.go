// Package attestation is the HTTP client of the external attestation service
// that proves source-side burns.
package attestation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoBrian/OpenAudit/pkg/settlement"
	"github.com/MarcoBrian/OpenAudit/pkg/util/resiliency"
)

// DefaultURL is the public sandbox endpoint.
const DefaultURL = "https://iris-api-sandbox.circle.com"

const (
	statusComplete = "complete"
	maxBody        = 1 << 20
)

// Client fetches attestations. Unavailable proofs, 404s and server errors
// are reported as settlement.ErrNotReady so callers keep polling.
type Client struct {
	base   string
	http   *resiliency.EnhancedClient
	logger *slog.Logger
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   resiliency.NewEnhancedClient("attestation"),
		logger: slog.Default().With("component", "attestation"),
	}
}

// WithHTTP replaces the resilient transport.
func (c *Client) WithHTTP(hc *resiliency.EnhancedClient) *Client {
	c.http = hc
	return c
}

func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

type messagesResponse struct {
	Messages []struct {
		Status      string `json:"status"`
		Message     string `json:"message"`
		Attestation string `json:"attestation"`
	} `json:"messages"`
}

// Fetch implements settlement.Attestor.
func (c *Client) Fetch(ctx context.Context, sourceDomain uint32, burnTxHash string) (settlement.Attestation, error) {
	if !strings.HasPrefix(burnTxHash, "0x") {
		burnTxHash = "0x" + burnTxHash
	}
	u := fmt.Sprintf("%s/v2/messages/%s?transactionHash=%s",
		c.base, strconv.FormatUint(uint64(sourceDomain), 10), url.QueryEscape(burnTxHash))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return settlement.Attestation{}, fmt.Errorf("attestation: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return settlement.Attestation{}, ctx.Err()
		}
		c.logger.Debug("attestation service unreachable", "tx_hash", burnTxHash, "error", err)
		return settlement.Attestation{}, fmt.Errorf("%w: %v", settlement.ErrNotReady, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return settlement.Attestation{}, settlement.ErrNotReady
	case resp.StatusCode >= 500:
		return settlement.Attestation{}, fmt.Errorf("%w: service returned %d", settlement.ErrNotReady, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return settlement.Attestation{}, fmt.Errorf("attestation: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out messagesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&out); err != nil {
		return settlement.Attestation{}, fmt.Errorf("attestation: decode response: %w", err)
	}
	for _, m := range out.Messages {
		if m.Status != statusComplete || m.Attestation == "" || strings.EqualFold(m.Attestation, "PENDING") {
			continue
		}
		return settlement.Attestation{Message: m.Message, Attestation: m.Attestation}, nil
	}
	return settlement.Attestation{}, settlement.ErrNotReady
}
