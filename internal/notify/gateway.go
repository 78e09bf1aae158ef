// SPDX-License-Identifier: MIT

// Package notify fans out open-seat alerts to tracking users.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SMSGateway sends one text message to one E.164 phone number.
type SMSGateway interface {
	Send(ctx context.Context, phone, message string) error
}

// PushGateway delivers a JSON payload to a stored push subscription.
// Implementations are best-effort; the SMS channel is primary.
type PushGateway interface {
	Send(ctx context.Context, subscription string, payload []byte) error
}

// HTTPSMSGateway posts messages to an SMS relay API authenticated with a
// bearer key.
type HTTPSMSGateway struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewHTTPSMSGateway creates a gateway for the given relay endpoint.
func NewHTTPSMSGateway(endpoint, apiKey string, timeout time.Duration) *HTTPSMSGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSMSGateway{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: timeout},
	}
}

type smsRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (g *HTTPSMSGateway) Send(ctx context.Context, phone, message string) error {
	body, err := json.Marshal(smsRequest{To: phone, Message: message})
	if err != nil {
		return fmt.Errorf("sms: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sms: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	res, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("sms: send: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 256))
		return fmt.Errorf("sms: gateway returned HTTP %d: %s", res.StatusCode, snippet)
	}
	return nil
}

// HTTPPushGateway posts the subscription descriptor and payload to a push
// relay that performs the actual web-push delivery with the VAPID keypair.
type HTTPPushGateway struct {
	endpoint string
	http     *http.Client
}

func NewHTTPPushGateway(endpoint string, timeout time.Duration) *HTTPPushGateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPushGateway{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

type pushRequest struct {
	Subscription json.RawMessage `json:"subscription"`
	Payload      json.RawMessage `json:"payload"`
}

func (g *HTTPPushGateway) Send(ctx context.Context, subscription string, payload []byte) error {
	body, err := json.Marshal(pushRequest{
		Subscription: json.RawMessage(subscription),
		Payload:      json.RawMessage(payload),
	})
	if err != nil {
		return fmt.Errorf("push: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("push: send: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("push: relay returned HTTP %d", res.StatusCode)
	}
	return nil
}
