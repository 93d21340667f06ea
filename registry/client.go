package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/manlek25/optantes"
)

// Client resolves one CNPJ to company data. Implementations must not
// retry internally: the caller decides whether a failure is worth a
// second slot of scarce rate-limit budget.
type Client interface {
	// Lookup fetches company data for a normalized 14-digit CNPJ.
	// A definitive "no such company" answer is optantes.ErrNotFound;
	// transient failures wrap optantes.ErrUpstream.
	Lookup(ctx context.Context, cnpj string) (*Company, error)
}

const userAgent = "optantes/1.0 (+https://cnpja.com/api/open)"

// HTTPClient is the production Client talking to the CNPJá open API.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithBaseURL overrides the API base URL (used by tests and proxies).
func WithBaseURL(u string) HTTPOption {
	return func(c *HTTPClient) { c.baseURL = u }
}

// WithTimeout bounds a single lookup call.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.http.Timeout = d }
}

// NewHTTPClient creates a Client for the public CNPJá API.
func NewHTTPClient(opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: "https://open.cnpja.com",
		http:    &http.Client{Timeout: 25 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// officeResponse mirrors the subset of the /office/{cnpj} schema we read.
type officeResponse struct {
	Company struct {
		Name    string        `json:"name"`
		Simples *optionStatus `json:"simples"`
		Simei   *optionStatus `json:"simei"`
	} `json:"company"`
}

type optionStatus struct {
	Optant bool `json:"optant"`
}

func (o *optionStatus) label() string {
	if o == nil {
		return ""
	}
	if o.Optant {
		return "Sim"
	}
	return "Não"
}

// Lookup implements Client.
func (c *HTTPClient) Lookup(ctx context.Context, cnpj string) (*Company, error) {
	url := fmt.Sprintf("%s/office/%s", c.baseURL, cnpj)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", optantes.ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: cnpj %s", optantes.ErrNotFound, cnpj)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: rate limited (HTTP 429)", optantes.ErrUpstream)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d", optantes.ErrUpstream, resp.StatusCode)
	case resp.StatusCode >= 400:
		// Other 4xx answers are definitive for this identifier.
		return nil, fmt.Errorf("%w: HTTP %d for cnpj %s", optantes.ErrNotFound, resp.StatusCode, cnpj)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", optantes.ErrUpstream, err)
	}

	var office officeResponse
	if err := json.Unmarshal(body, &office); err != nil {
		return nil, fmt.Errorf("%w: decode body: %v", optantes.ErrUpstream, err)
	}

	return &Company{
		CNPJ:        cnpj,
		LegalName:   office.Company.Name,
		Simples:     office.Company.Simples.label(),
		Simei:       office.Company.Simei.label(),
		ConsultedAt: time.Now().UTC(),
	}, nil
}
