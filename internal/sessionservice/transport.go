package sessionservice

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Transport handles low-level HTTP communication with the storage server.
// It retries on 429, paces requests through an optional limiter and logs
// every exchange.
type Transport struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger

	// baseWait is the first 429 backoff step; tests shorten it.
	baseWait time.Duration
}

// NewTransport creates a transport for baseURL. A nil limiter means no pacing.
func NewTransport(baseURL string, tlsConf *tls.Config, limiter *rate.Limiter, logger zerolog.Logger) *Transport {
	client := &http.Client{}
	if tlsConf != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsConf}
	}
	return &Transport{
		baseURL:  baseURL,
		client:   client,
		limiter:  limiter,
		log:      logger,
		baseWait: 5 * time.Second,
	}
}

// Do executes an HTTP request with automatic retry on 429 (Too Many Requests).
// It respects the Retry-After header, capping the wait at 10 minutes.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	const maxRetries = 3
	const maxWait = 10 * time.Minute

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("transport: read request body: %w", err)
		}
	}

	for attempt := range maxRetries + 1 {
		if t.limiter != nil {
			if err := t.limiter.Wait(req.Context()); err != nil {
				return nil, fmt.Errorf("transport: rate limit: %w", err)
			}
		}
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			t.log.Debug().Str("method", req.Method).Str("path", req.URL.Path).Int("status", resp.StatusCode).Msg("http")
			return resp, nil
		}

		// 429: keep the body for the caller, close it before sleeping.
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		wait := t.baseWait << attempt
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		wait = min(wait, maxWait)

		if attempt == maxRetries {
			t.log.Warn().Str("method", req.Method).Str("path", req.URL.Path).
				Str("retry_after", resp.Header.Get("Retry-After")).Msg("http 429, no retries left")
			return &http.Response{
				StatusCode: http.StatusTooManyRequests,
				Header:     resp.Header,
				Body:       io.NopCloser(bytes.NewReader(respBody)),
				Request:    req,
			}, nil
		}

		t.log.Info().Str("method", req.Method).Str("path", req.URL.Path).
			Dur("wait", wait).Int("attempt", attempt+1).Msg("http 429, retrying")

		select {
		case <-time.After(wait):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	return nil, fmt.Errorf("transport: retry loop exhausted")
}

// Get performs a GET request.
func (t *Transport) Get(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: new request: %w", err)
	}
	return t.doAndRead(req)
}

// Put performs a PUT request with a JSON body.
func (t *Transport) Put(ctx context.Context, path string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("transport: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return t.doAndRead(req)
}

// doAndRead executes the request and reads the response body.
func (t *Transport) doAndRead(req *http.Request) ([]byte, int, error) {
	resp, err := t.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("transport: read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// GetJSON performs a GET request and unmarshals the response into result.
func (t *Transport) GetJSON(ctx context.Context, path string, result any) (int, error) {
	body, status, err := t.Get(ctx, path)
	if err != nil {
		return status, err
	}
	if result != nil && len(body) > 0 && status < 300 {
		if err := json.Unmarshal(body, result); err != nil {
			return status, fmt.Errorf("transport: unmarshal response: %w", err)
		}
	}
	return status, nil
}

// PutJSON performs a PUT request with a JSON-encoded body.
func (t *Transport) PutJSON(ctx context.Context, path string, body any) ([]byte, int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: marshal request: %w", err)
	}
	return t.Put(ctx, path, data)
}
