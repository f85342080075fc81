// Package jupiter is a thin client for the Jupiter v6 swap aggregator
// HTTP API: fetch a quote, then ask the aggregator to build the swap
// transaction for a given wallet. Signing happens on our side.
package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: 20 * time.Second})
}

func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{baseURL: baseURL, http: httpClient}
}

type QuoteRequest struct {
	InputMint   string
	OutputMint  string
	Amount      uint64
	SlippageBps int
}

// Quote keeps the raw aggregator response alongside the fields we read,
// because the swap-build endpoint wants the quote echoed back verbatim.
type Quote struct {
	InputMint      string `json:"inputMint"`
	OutputMint     string `json:"outputMint"`
	InAmount       string `json:"inAmount"`
	OutAmount      string `json:"outAmount"`
	PriceImpactPct string `json:"priceImpactPct"`

	Raw json.RawMessage `json:"-"`
}

func (c *Client) GetQuote(ctx context.Context, req QuoteRequest) (Quote, error) {
	query := url.Values{}
	query.Set("inputMint", req.InputMint)
	query.Set("outputMint", req.OutputMint)
	query.Set("amount", strconv.FormatUint(req.Amount, 10))
	query.Set("slippageBps", strconv.Itoa(req.SlippageBps))

	body, err := c.get(ctx, "/quote?"+query.Encode())
	if err != nil {
		return Quote{}, err
	}

	var quote Quote
	if err := json.Unmarshal(body, &quote); err != nil {
		return Quote{}, fmt.Errorf("decode quote: %w", err)
	}
	quote.Raw = body
	return quote, nil
}

type swapRequest struct {
	QuoteResponse    json.RawMessage `json:"quoteResponse"`
	UserPublicKey    string          `json:"userPublicKey"`
	WrapAndUnwrapSol bool            `json:"wrapAndUnwrapSol"`
}

type swapResponse struct {
	SwapTransaction string `json:"swapTransaction"`
}

// BuildSwapTransaction returns the base64-encoded unsigned transaction
// for the given quote.
func (c *Client) BuildSwapTransaction(ctx context.Context, quote Quote, userPubkey string) (string, error) {
	if len(quote.Raw) == 0 {
		return "", fmt.Errorf("quote has no raw payload")
	}

	payload, err := json.Marshal(swapRequest{
		QuoteResponse:    quote.Raw,
		UserPublicKey:    userPubkey,
		WrapAndUnwrapSol: true,
	})
	if err != nil {
		return "", err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")

	body, err := c.do(request)
	if err != nil {
		return "", err
	}

	var response swapResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("decode swap response: %w", err)
	}
	if response.SwapTransaction == "" {
		return "", fmt.Errorf("aggregator returned no swap transaction")
	}
	return response.SwapTransaction, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(request)
}

func (c *Client) do(request *http.Request) ([]byte, error) {
	response, err := c.http.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("aggregator returned %d: %s", response.StatusCode, truncate(string(body), 256))
	}
	return body, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
