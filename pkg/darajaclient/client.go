/**
 * @description
 * This package provides a client for the Safaricom Daraja (M-Pesa) API. It
 * encapsulates OAuth token acquisition and caching, STK Push initiation, and
 * push status queries, and normalizes provider failures into a small set of
 * typed errors the payment engine can branch on.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, sync, time: Standard Go libraries.
 * - golang.org/x/sync/singleflight: Collapses concurrent token refreshes.
 */
package darajaclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrAuthFailure means the provider rejected our consumer credentials.
	// Fatal for the current request, not for the process.
	ErrAuthFailure = errors.New("daraja credentials rejected")
	// ErrGatewayUnreachable covers network errors and timeouts after the
	// bounded retries are exhausted.
	ErrGatewayUnreachable = errors.New("daraja unreachable")
	// ErrStillProcessing is returned by QueryStatus while the provider has
	// not yet resolved the transaction.
	ErrStillProcessing = errors.New("transaction still being processed")
)

// stillProcessingErrorCode is Daraja's error code for an in-flight
// transaction on the stkpushquery endpoint.
const stillProcessingErrorCode = "500.001.1001"

// tokenSafetyMargin is subtracted from the provider's stated token validity
// so a token is never used right at its expiry edge.
const tokenSafetyMargin = 60 * time.Second

// RejectedError is a definitive rejection from the provider, carrying the
// provider's own code and description. Not eligible for retry.
type RejectedError struct {
	Code        string
	Description string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("daraja rejected request: %s - %s", e.Code, e.Description)
}

// STKPushRequest is the input for a push-payment initiation.
type STKPushRequest struct {
	AmountKES        int64
	PhoneNumber      string // 254XXXXXXXXX
	AccountReference string // max 12 chars, unique per attempt
	Description      string // max 13 chars
}

// STKPushResult carries the provider correlation identifiers issued on
// acceptance.
type STKPushResult struct {
	CheckoutRequestID string
	MerchantRequestID string
	CustomerMessage   string
}

// QueryResult is the provider's current knowledge of a push transaction,
// in the same result-code vocabulary as the asynchronous callback.
type QueryResult struct {
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
}

// Client is a client for the Daraja API.
type Client struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	HTTPClient     *http.Client

	// RetryAttempts bounds retries of network failures on initiation.
	RetryAttempts int

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	refresh     singleflight.Group
}

// Config carries the provider settings the client needs.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
	RetryAttempts  int
}

// NewClient creates a new Daraja API client.
func NewClient(cfg Config) *Client {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 3
	}
	return &Client{
		BaseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		ConsumerKey:    cfg.ConsumerKey,
		ConsumerSecret: cfg.ConsumerSecret,
		Shortcode:      cfg.Shortcode,
		Passkey:        cfg.Passkey,
		CallbackURL:    cfg.CallbackURL,
		RetryAttempts:  attempts,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Authenticate returns a valid bearer token, refreshing it when the cached
// one is within the safety margin of expiry. Concurrent callers share one
// refresh request.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Until(c.tokenExpiry) > tokenSafetyMargin {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	result, err, _ := c.refresh.Do("token", func() (interface{}, error) {
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// invalidateToken drops the cached token after a 401-class rejection so the
// next call fetches a fresh one.
func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExpiry = time.Time{}
	c.mu.Unlock()
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	url := c.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}

	basic := base64.StdEncoding.EncodeToString([]byte(c.ConsumerKey + ":" + c.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %v", ErrGatewayUnreachable, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		log.Printf("level=warn component=daraja_client op=token status=%d msg=\"credentials rejected\"", resp.StatusCode)
		return "", ErrAuthFailure
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(bodyBytes, &tokenResp); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", fmt.Errorf("no access_token in oauth response")
	}

	validity := 3600 * time.Second
	if secs, parseErr := time.ParseDuration(strings.TrimSpace(tokenResp.ExpiresIn) + "s"); parseErr == nil && secs > 0 {
		validity = secs
	}

	c.mu.Lock()
	c.token = tokenResp.AccessToken
	c.tokenExpiry = time.Now().Add(validity)
	c.mu.Unlock()

	log.Printf("level=info component=daraja_client op=token msg=\"token refreshed\" valid_for=%s", validity)
	return tokenResp.AccessToken, nil
}

// password derives the STK password for a timestamp:
// base64(shortcode + passkey + timestamp), timestamp format YYYYMMDDHHMMSS.
func (c *Client) password(now time.Time) (string, string) {
	timestamp := now.Format("20060102150405")
	raw := c.Shortcode + c.Passkey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw)), timestamp
}

// InitiateSTKPush sends a push-payment request. Network failures are retried
// a bounded number of times with backoff; provider rejections are not.
func (c *Client) InitiateSTKPush(ctx context.Context, pushReq STKPushRequest) (*STKPushResult, error) {
	password, timestamp := c.password(time.Now())

	payload := map[string]interface{}{
		"BusinessShortCode": c.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            pushReq.AmountKES,
		"PartyA":            pushReq.PhoneNumber,
		"PartyB":            c.Shortcode,
		"PhoneNumber":       pushReq.PhoneNumber,
		"CallBackURL":       c.CallbackURL,
		"AccountReference":  truncate(pushReq.AccountReference, 12),
		"TransactionDesc":   truncate(pushReq.Description, 13),
	}

	bodyBytes, err := c.doAuthenticated(ctx, "/mpesa/stkpush/v1/processrequest", payload, c.RetryAttempts)
	if err != nil {
		return nil, err
	}

	var result struct {
		ResponseCode        string `json:"ResponseCode"`
		ResponseDescription string `json:"ResponseDescription"`
		CheckoutRequestID   string `json:"CheckoutRequestID"`
		MerchantRequestID   string `json:"MerchantRequestID"`
		CustomerMessage     string `json:"CustomerMessage"`
	}
	if err := json.Unmarshal(bodyBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to decode stk push response: %w", err)
	}

	if result.ResponseCode != "0" {
		log.Printf("level=warn component=daraja_client op=stk_push outcome=rejected code=%s desc=%q", result.ResponseCode, result.ResponseDescription)
		return nil, &RejectedError{Code: result.ResponseCode, Description: result.ResponseDescription}
	}

	log.Printf("level=info component=daraja_client op=stk_push outcome=accepted checkout_id=%s", result.CheckoutRequestID)
	return &STKPushResult{
		CheckoutRequestID: result.CheckoutRequestID,
		MerchantRequestID: result.MerchantRequestID,
		CustomerMessage:   result.CustomerMessage,
	}, nil
}

// QueryStatus actively asks the provider for the result of a previously
// initiated push. Returns ErrStillProcessing while the provider has not
// resolved the transaction.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	password, timestamp := c.password(time.Now())

	payload := map[string]interface{}{
		"BusinessShortCode": c.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	}

	bodyBytes, err := c.doAuthenticated(ctx, "/mpesa/stkpushquery/v1/query", payload, 1)
	if err != nil {
		return nil, err
	}

	var result struct {
		ResponseCode      string `json:"ResponseCode"`
		ResultCode        string `json:"ResultCode"`
		ResultDesc        string `json:"ResultDesc"`
		CheckoutRequestID string `json:"CheckoutRequestID"`
	}
	if err := json.Unmarshal(bodyBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to decode stk query response: %w", err)
	}
	if result.ResponseCode != "0" {
		return nil, &RejectedError{Code: result.ResponseCode, Description: result.ResultDesc}
	}

	return &QueryResult{
		CheckoutRequestID: result.CheckoutRequestID,
		ResultCode:        result.ResultCode,
		ResultDesc:        result.ResultDesc,
	}, nil
}

// doAuthenticated posts a JSON payload with a bearer token, refreshing the
// token once on a 401 and retrying network failures up to attempts times.
func (c *Client) doAuthenticated(ctx context.Context, path string, payload interface{}, attempts int) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * 500 * time.Millisecond):
			}
		}

		bodyBytes, retryable, err := c.doOnce(ctx, path, body)
		if err == nil {
			return bodyBytes, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		log.Printf("level=warn component=daraja_client path=%s attempt=%d msg=\"request failed; will retry\" err=%v", path, attempt, err)
	}
	return nil, fmt.Errorf("%w: %v", ErrGatewayUnreachable, lastErr)
}

// doOnce performs a single authenticated POST. The second return value
// reports whether the failure is retryable (network-level).
func (c *Client) doOnce(ctx context.Context, path string, body []byte) ([]byte, bool, error) {
	token, err := c.Authenticate(ctx)
	if err != nil {
		return nil, false, err
	}

	resp, err := c.post(ctx, path, body, token)
	if err != nil {
		return nil, true, err
	}

	if resp.statusCode == http.StatusUnauthorized {
		// Token aged out server-side; refresh once and replay.
		c.invalidateToken()
		token, err = c.Authenticate(ctx)
		if err != nil {
			return nil, false, err
		}
		resp, err = c.post(ctx, path, body, token)
		if err != nil {
			return nil, true, err
		}
		if resp.statusCode == http.StatusUnauthorized {
			return nil, false, ErrAuthFailure
		}
	}

	if resp.statusCode < 200 || resp.statusCode >= 300 {
		var errResp struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
			RequestID    string `json:"requestId"`
		}
		if jsonErr := json.Unmarshal(resp.body, &errResp); jsonErr == nil && errResp.ErrorCode != "" {
			if errResp.ErrorCode == stillProcessingErrorCode {
				return nil, false, ErrStillProcessing
			}
			log.Printf("level=warn component=daraja_client path=%s status=%d code=%s msg=%q", path, resp.statusCode, errResp.ErrorCode, errResp.ErrorMessage)
			return nil, false, &RejectedError{Code: errResp.ErrorCode, Description: errResp.ErrorMessage}
		}
		if resp.statusCode >= 500 {
			return nil, true, fmt.Errorf("daraja returned status %d", resp.statusCode)
		}
		return nil, false, fmt.Errorf("daraja returned status %d: %s", resp.statusCode, string(resp.body))
	}

	return resp.body, false, nil
}

type httpResult struct {
	statusCode int
	body       []byte
}

func (c *Client) post(ctx context.Context, path string, body []byte, token string) (*httpResult, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &httpResult{statusCode: resp.StatusCode, body: respBody}, nil
}

// truncate caps a field at max runes. Slicing bytes could split a
// multi-byte character and send invalid UTF-8 to the provider.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}
