// Package ghostfolio implements the PortfolioClient port against the
// Ghostfolio REST API.
package ghostfolio

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/foliowatch/foliowatch/internal/domain/model"
	"github.com/foliowatch/foliowatch/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.PortfolioClient = (*Client)(nil)

const (
	requestTimeout = 30 * time.Second

	// maxBodyBytes caps how much of a response body is read. The
	// performance payload is a few KB; anything near the cap is garbage.
	maxBodyBytes = 4 << 20
)

// Client talks to one Ghostfolio deployment. It holds the ephemeral bearer
// token obtained from anonymous authentication and retries a rejected
// request exactly once after re-authenticating. Safe for concurrent use.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	limiter     *rate.Limiter

	mu        sync.Mutex
	authToken string
}

// NewClient creates a client for the given deployment with the following
// transport stack:
//  1. httpcache (conditional request caching on ETag/Cache-Control)
//  2. http.Transport with per-instance TLS verification
//
// verifySSL=false skips certificate validation for this client's transport
// only; other instances are unaffected.
func NewClient(baseURL, accessToken string, verifySSL bool) *Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if !verifySSL {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- per-instance opt-in for self-signed deployments
	}

	cacheTransport := httpcache.NewMemoryCacheTransport()
	cacheTransport.Transport = base

	return newClient(&http.Client{
		Transport: cacheTransport,
		Timeout:   requestTimeout,
	}, baseURL, accessToken)
}

// NewClientWithHTTPClient creates a Client with a custom http.Client.
// This constructor is intended for testing, allowing injection of an
// httptest server's client and short timeouts.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL, accessToken string) *Client {
	return newClient(httpClient, baseURL, accessToken)
}

func newClient(httpClient *http.Client, baseURL, accessToken string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		httpClient:  httpClient,
		// Ghostfolio deployments are usually small self-hosted servers;
		// keep request bursts polite.
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// Authenticate posts the access token to the anonymous-auth endpoint and
// stores the returned bearer token.
func (c *Client) Authenticate(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]string{"accessToken": c.accessToken})
	if err != nil {
		return fmt.Errorf("encode auth payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/auth/anonymous", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", driven.ErrConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read auth response: %v", driven.ErrConnection, err)
	}

	// Ghostfolio answers 201 Created; some proxies rewrite it to 200.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		slog.Debug("authentication rejected", "url", c.baseURL, "status", resp.StatusCode)
		return fmt.Errorf("%w: status %d", driven.ErrAuthentication, resp.StatusCode)
	}

	token := gjson.GetBytes(body, "authToken").String()
	if token == "" {
		return fmt.Errorf("%w: response carries no authToken", driven.ErrAuthentication)
	}

	c.setToken(token)
	return nil
}

// FetchPerformance retrieves the performance snapshot for the given range.
func (c *Client) FetchPerformance(ctx context.Context, rng string) (*model.Snapshot, error) {
	if rng == "" {
		rng = model.DefaultRange
	}

	body, err := c.get(ctx, "/api/v2/portfolio/performance", url.Values{"range": {rng}})
	if err != nil {
		return nil, err
	}

	return parseSnapshot(body, rng), nil
}

// FetchUserSettings retrieves the user's base currency.
func (c *Client) FetchUserSettings(ctx context.Context) (*model.UserSettings, error) {
	body, err := c.get(ctx, "/api/v1/user", nil)
	if err != nil {
		return nil, err
	}

	return &model.UserSettings{
		BaseCurrency: gjson.GetBytes(body, "settings.baseCurrency").String(),
	}, nil
}

// Close releases idle transport connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// get issues an authenticated GET and implements the retry-once-on-auth-
// failure policy: at most one re-authentication per request, never more.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	if c.token() == "" {
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
	}

	body, status, err := c.doGet(ctx, path, query)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		slog.Info("bearer token rejected, re-authenticating", "url", c.baseURL, "path", path, "status", status)
		c.setToken("")

		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}

		body, status, err = c.doGet(ctx, path, query)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, fmt.Errorf("%w: request rejected after re-authentication (status %d)", driven.ErrAuthentication, status)
		}
	}

	if status < 200 || status > 299 {
		return nil, &driven.StatusError{StatusCode: status}
	}

	return body, nil
}

// doGet performs a single GET with the current bearer token attached and
// returns the body and status. Transport failures map to ErrConnection.
func (c *Client) doGet(ctx context.Context, path string, query url.Values) ([]byte, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", driven.ErrConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read response for %s: %v", driven.ErrConnection, path, err)
	}

	return body, resp.StatusCode, nil
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authToken
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// parseSnapshot extracts the performance metrics from a response body.
// Current Ghostfolio versions nest the metrics under a "performance"
// object; older ones report them at the top level. Both shapes are accepted.
func parseSnapshot(body []byte, rng string) *model.Snapshot {
	root := gjson.ParseBytes(body)
	perf := root.Get("performance")
	if !perf.IsObject() {
		perf = root
	}

	return &model.Snapshot{
		Range:                                   rng,
		CurrentValue:                            floatPtr(perf.Get("currentValueInBaseCurrency")),
		NetPerformance:                          floatPtr(perf.Get("netPerformance")),
		NetPerformancePercent:                   floatPtr(perf.Get("netPerformancePercentage")),
		TotalInvestment:                         floatPtr(perf.Get("totalInvestment")),
		NetPerformanceWithCurrencyEffect:        floatPtr(perf.Get("netPerformanceWithCurrencyEffect")),
		NetPerformancePercentWithCurrencyEffect: floatPtr(perf.Get("netPerformancePercentageWithCurrencyEffect")),
		CurrentNetWorth:                         floatPtr(perf.Get("currentNetWorth")),
		FirstOrderDate:                          root.Get("firstOrderDate").String(),
		BaseCurrency:                            perf.Get("baseCurrency").String(),
		FetchedAt:                               time.Now().UTC(),
	}
}

// floatPtr converts a gjson result to *float64, nil when the field is
// absent or not numeric.
func floatPtr(r gjson.Result) *float64 {
	if !r.Exists() || r.Type != gjson.Number {
		return nil
	}
	v := r.Float()
	return &v
}
