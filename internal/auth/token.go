package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"backit-go/internal/backit"
)

const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// rateLimitedCode stands in for the error code when the token endpoint
// answers 429 without one.
const rateLimitedCode = "rate_limited"

// tokenResponse is the token endpoint body. Exactly one of AccessToken and
// Error is set.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Interval         int    `json:"interval"`
}

// exchange makes one token request for deviceCode. Error codes come back in
// the response, not as an error; only transport failures and unreadable
// answers are errors.
func (f *Flow) exchange(ctx context.Context, deviceCode string) (*tokenResponse, error) {
	form := url.Values{
		"client_id":   {f.oauth.ClientID},
		"device_code": {deviceCode},
		"grant_type":  {deviceGrantType},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.oauth.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &backit.NetworkError{Op: "polling token endpoint", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &backit.NetworkError{Op: "polling token endpoint", StatusCode: resp.StatusCode, Err: err}
	}

	var res tokenResponse
	jsonErr := json.Unmarshal(body, &res)

	// A 429 that names slow_down backs off like any slow_down; without a
	// code it is a terminal rate limit.
	if resp.StatusCode == http.StatusTooManyRequests {
		if jsonErr != nil || res.Error == "" {
			res = tokenResponse{Error: rateLimitedCode}
		}
		return &res, nil
	}
	if jsonErr != nil || (res.AccessToken == "" && res.Error == "") {
		ne := &backit.NetworkError{
			Op:         "polling token endpoint",
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			Err:        jsonErr,
		}
		if ne.Err == nil {
			ne.Err = fmt.Errorf("response has neither access_token nor error")
		}
		return nil, ne
	}
	return &res, nil
}
