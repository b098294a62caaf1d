package oauth

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// newHTTPClient builds the HTTP client used for every outbound provider
// call: discovery, token exchange, introspection, and the JWKS fetches the
// x/oauth2 and keyfunc machinery perform through it.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: timeout,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: &retryTransport{base: transport},
	}
}

// retryTransport retries transient provider failures with exponential
// backoff. Client errors other than 429 are returned immediately.
type retryTransport struct {
	base http.RoundTripper
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	const maxAttempts = 3

	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}

		resp, err := t.base.RoundTrip(req)
		if err == nil && !retryable(resp) {
			return resp, nil
		}

		// Out of attempts: hand the caller whatever the last try produced.
		if attempt == maxAttempts-1 {
			return resp, err
		}
		if resp != nil {
			resp.Body.Close()
		}

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// retryable reports whether the response indicates a transient failure.
func retryable(resp *http.Response) bool {
	if resp == nil {
		return true
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}
