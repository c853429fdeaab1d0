package peerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// API calls the server's REST endpoints with the peer's bearer token.
type API struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// NewAPI creates an API client for baseURL.
func NewAPI(baseURL, token string) *API {
	return &API{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

// apiResponse mirrors the server's JSON envelope.
type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// APIError is a non-success answer from the server.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (code %d): %s", e.Status, e.Code, e.Message)
}

func (a *API) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+a.Token)

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%s %s: status %s: %w", method, path, resp.Status, err)
	}
	if resp.StatusCode/100 != 2 || envelope.Code != 0 {
		return &APIError{Status: resp.StatusCode, Code: envelope.Code, Message: envelope.Message}
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

// LogCall reports a finished call. It satisfies callsession.CallLogger.
func (a *API) LogCall(ctx context.Context, targetID string, duration int, callType string) error {
	body := struct {
		TargetID string `json:"targetId"`
		Duration int    `json:"duration"`
		Type     string `json:"type"`
	}{targetID, duration, callType}

	return a.do(ctx, http.MethodPost, "/api/calls/log", body, nil)
}

// ICEServers fetches the STUN/TURN URLs the server advertises.
func (a *API) ICEServers(ctx context.Context) ([]string, error) {
	var out struct {
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"iceServers"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/ice-servers", nil, &out); err != nil {
		return nil, err
	}

	var urls []string
	for _, s := range out.ICEServers {
		urls = append(urls, s.URLs...)
	}
	return urls, nil
}
