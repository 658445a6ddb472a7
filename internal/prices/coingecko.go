package prices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/pyra-labs/protocol-api-sub000/internal/retry"
	"golang.org/x/sync/singleflight"
)

const (
	maxErrorBody = 512
	// sharedFetchBudget bounds a shared fetch when the client has no timeout.
	sharedFetchBudget = 30 * time.Second
)

// UpstreamError is a non-2xx answer from the price API.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("coingecko returned %d: %s", e.Status, e.Body)
}

// Classify retries rate limiting, server errors and transport failures.
func Classify(err error) retry.Kind {
	if kind, ok := retry.MarkedKind(err); ok {
		return kind
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		if upstream.Status == http.StatusTooManyRequests || upstream.Status >= 500 {
			return retry.KindTransient
		}
		return retry.KindPermanent
	}
	return retry.ClassifyMarked(err)
}

type CoinGecko struct {
	baseURL string
	apiKey  string
	http    *http.Client
	policy  retry.Policy
	group   singleflight.Group
}

func NewCoinGecko(baseURL string, apiKey string, timeout time.Duration, policy retry.Policy) *CoinGecko {
	if policy.Classify == nil {
		policy.Classify = Classify
	}
	return &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		policy:  policy,
	}
}

// SimplePrices returns USD prices for ids. Ids the API does not know are
// absent from the result. Identical concurrent requests share one call.
func (c *CoinGecko) SimplePrices(ctx context.Context, ids []string) (map[string]float64, error) {
	if len(ids) == 0 {
		return map[string]float64{}, nil
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	key := strings.Join(sorted, ",")

	// the shared fetch outlives any one caller; each caller stops waiting on
	// its own context
	shared := c.group.DoChan(key, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.sharedBudget())
		defer cancel()
		return retry.Do(fetchCtx, c.policy, func(ctx context.Context) (map[string]float64, error) {
			return c.fetch(ctx, key)
		})
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-shared:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(map[string]float64), nil
	}
}

func (c *CoinGecko) sharedBudget() time.Duration {
	if c.http.Timeout <= 0 {
		return sharedFetchBudget
	}
	attempts := c.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(attempts) * c.http.Timeout
}

func (c *CoinGecko) fetch(ctx context.Context, ids string) (map[string]float64, error) {
	query := url.Values{}
	query.Set("ids", ids)
	query.Set("vs_currencies", "usd")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+query.Encode(), nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("build price request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		if strings.Contains(c.baseURL, "pro-api") {
			req.Header.Set("x-cg-pro-api-key", c.apiKey)
		} else {
			req.Header.Set("x-cg-demo-api-key", c.apiKey)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		// client timeouts surface as deadline errors but are worth retrying
		return nil, retry.Transient(fmt.Errorf("price request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode price response: %w", err))
	}

	out := make(map[string]float64, len(payload))
	for id, quotes := range payload {
		usd, ok := quotes["usd"]
		if !ok {
			continue
		}
		out[id] = usd
	}
	return out, nil
}
