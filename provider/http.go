package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"renderhub/apperr"

	"github.com/cenkalti/backoff/v4"
)

const maxResponseBody = 1 << 20

// errPending tells the poll loop to try again after the interval.
var errPending = errors.New("output not ready")

// statusError is a non-2xx answer from a provider.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// temporary reports whether polling should keep going after err.
func temporary(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	var ae *apperr.Error
	// A provider-reported failure is final.
	return !errors.As(err, &ae)
}

func doJSON(ctx context.Context, client *http.Client, method, url string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// pollOutput calls check every interval until it stops returning errPending
// or a temporary error, or until timeout.
func pollOutput(ctx context.Context, op string, interval, timeout time.Duration, check func(ctx context.Context) (Output, error)) (Output, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	out, err := backoff.RetryWithData(func() (Output, error) {
		out, err := check(ctx)
		if err == nil || errors.Is(err, errPending) || temporary(err) {
			return out, err
		}
		return out, backoff.Permanent(err)
	}, b)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return Output{}, apperr.WrapWithCode(err, apperr.CodeProvider, op, fmt.Sprintf("no output after %s", timeout))
	}
	if apperr.IsCode(err, apperr.CodeProvider) {
		return Output{}, err
	}
	return Output{}, apperr.WrapWithCode(err, apperr.CodeProvider, op, "failed to fetch output")
}
