package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashureev/stepwise/internal/domain"
)

// Sender posts an encoded event to the delivery service.
type Sender interface {
	Send(ctx context.Context, eventType domain.EventType, body []byte) error
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.StatusCode)
}

func (e *StatusError) Is(target error) bool {
	return target == domain.ErrDeliveryFailure
}

// HTTPSender delivers events with a plain HTTP POST.
type HTTPSender struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPSender creates a sender. Every attempt is bounded by timeout.
func NewHTTPSender(url string, timeout time.Duration) *HTTPSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSender{
		url:     url,
		client:  &http.Client{},
		timeout: timeout,
	}
}

// Send performs one delivery attempt. Timeouts, transport errors and
// non-2xx responses all come back as errors matching domain.ErrDeliveryFailure.
func (s *HTTPSender) Send(ctx context.Context, eventType domain.EventType, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", domain.ErrDeliveryFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "stepwise-webhook/1")
	req.Header.Set("X-Stepwise-Event", string(eventType))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailure, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}
