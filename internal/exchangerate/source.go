package exchangerate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Source fetches rates quoted as units of currency per one unit of base.
type Source interface {
	Fetch(ctx context.Context, base string) (map[string]decimal.Decimal, error)
}

const defaultFetchTimeout = 5 * time.Second

// HTTPSource reads rates from a JSON endpoint shaped like
// {"base":"USD","rates":{"GBP":0.79,"EUR":0.92}}.
type HTTPSource struct {
	endpoint string
	client   *http.Client
}

func NewHTTPSource(endpoint string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{
			Timeout:   defaultFetchTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &HTTPSource{endpoint: strings.TrimSpace(endpoint), client: client}
}

type ratesPayload struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (s *HTTPSource) Fetch(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
	if s.endpoint == "" {
		return nil, ErrSourceNotConfigured
	}
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse fx endpoint: %w", err)
	}
	q := u.Query()
	q.Set("base", base)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fx source returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload ratesPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode fx rates: %w", err)
	}
	if payload.Base != "" && NormalizeCurrency(payload.Base) != base {
		return nil, fmt.Errorf("fx source quoted base %s, want %s", payload.Base, base)
	}

	rates := make(map[string]decimal.Decimal, len(payload.Rates))
	for code, rate := range payload.Rates {
		if !rate.IsPositive() {
			continue
		}
		rates[NormalizeCurrency(code)] = rate
	}
	return rates, nil
}
