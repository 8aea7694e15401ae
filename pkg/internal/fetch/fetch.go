package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jdziat/treeherder-ingest/pkg/core"
	"github.com/jdziat/treeherder-ingest/pkg/security"
)

// UserAgent is sent with every request.
const UserAgent = "treeherder-ingest/1.0"

// maxBodySize caps how much of a response body is read.
var maxBodySize int64 = security.MaxResponseSize

// DefaultTimeout bounds a single request when the caller does not supply a client.
const DefaultTimeout = 60 * time.Second

// NewClient returns an HTTP client with the given per-request timeout.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Get issues a GET request and returns the response body.
// Non-2xx responses yield *core.HTTPError; certificate failures wrap core.ErrTLS.
func Get(ctx context.Context, client *http.Client, url string, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := client.Do(req)
	if err != nil {
		if IsTLSError(err) {
			return nil, fmt.Errorf("GET %s: %w: %v", url, core.ErrTLS, err)
		}
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &core.HTTPError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(body)) > maxBodySize {
		return nil, fmt.Errorf("read %s: %w (%d bytes)", url, core.ErrResponseTooLarge, maxBodySize)
	}
	return body, nil
}

// GetJSON issues a GET request and decodes the JSON body into out.
// Numbers are decoded as json.Number so integer ids survive intact.
func GetJSON(ctx context.Context, client *http.Client, url string, out any) error {
	body, err := Get(ctx, client, url, "application/json")
	if err != nil {
		return err
	}
	return DecodeJSON(body, out)
}

// DecodeJSON decodes body into out using json.Number for numbers.
func DecodeJSON(body []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

// IsTLSError reports whether err stems from certificate verification.
func IsTLSError(err error) bool {
	if errors.Is(err, core.ErrTLS) {
		return true
	}
	var (
		verifyErr    *tls.CertificateVerificationError
		unknownAuth  x509.UnknownAuthorityError
		hostnameErr  x509.HostnameError
		certInvalid  x509.CertificateInvalidError
		recordHdrErr tls.RecordHeaderError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &certInvalid) ||
		errors.As(err, &recordHdrErr)
}
