package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// maxBodyBytes caps how much of a provider response is kept on the
// attempt record.
const maxBodyBytes = 2048

// Kind classifies a dispatch outcome for the retry machinery.
type Kind int

const (
	KindOK Kind = iota
	KindTransient
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Outcome is the classified result of one provider POST.
type Outcome struct {
	Kind       Kind
	HTTPStatus int
	Body       string
	Err        error
	Timeout    bool
	Duration   time.Duration
}

// Client POSTs messages to provider endpoints and classifies the result.
type Client struct {
	http   *http.Client
	logger *zap.Logger
}

func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type sendPayload struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// Send POSTs {"phone","text"} to the provider and classifies the reply.
// It never returns an error; every failure mode is an Outcome so the
// dispatcher has one path to record and act on.
func (c *Client) Send(ctx context.Context, p Provider, phone, text string) Outcome {
	start := time.Now()

	payload, err := json.Marshal(sendPayload{Phone: phone, Text: text})
	if err != nil {
		return Outcome{Kind: KindTransient, Err: err, Duration: time.Since(start)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		return Outcome{Kind: KindTransient, Err: err, Duration: time.Since(start)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Outcome{
			Kind:     KindTransient,
			Err:      err,
			Timeout:  isTimeout(err),
			Duration: time.Since(start),
		}
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	out := Outcome{
		Kind:       classifyStatus(resp.StatusCode),
		HTTPStatus: resp.StatusCode,
		Body:       string(raw),
		Duration:   time.Since(start),
	}

	if readErr != nil {
		out.Kind = KindTransient
		out.Err = fmt.Errorf("read provider response: %w", readErr)
		return out
	}

	// A 2xx with a body we cannot decode is treated as transient: the
	// provider's acknowledgement is unknown, so the send is retried.
	if out.Kind == KindOK {
		var parsed sendResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			out.Kind = KindTransient
			out.Err = fmt.Errorf("parse provider response: %w", err)
		}
	}

	return out
}

// classifyStatus maps a provider HTTP status to an outcome kind. Client
// errors are permanent except the retryable trio 408, 425, 429; server
// errors and anything unexpected are transient.
func classifyStatus(status int) Kind {
	switch {
	case status >= 200 && status < 300:
		return KindOK
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 400 && status < 500:
		return KindPermanent
	default:
		return KindTransient
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
