package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

// Webhook hands work to an agent service over HTTP. The service must answer
// 2xx once it has accepted the invocation and report the outcome later.
type Webhook struct {
	url       string
	healthURL string
	headers   map[string]string
	client    *http.Client
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHealthURL sets the URL probed by Ping. Defaults to the invoke URL.
func WithHealthURL(u string) WebhookOption { return func(w *Webhook) { w.healthURL = u } }

// WithHeaders adds static headers to every request, e.g. an API key.
func WithHeaders(h map[string]string) WebhookOption { return func(w *Webhook) { w.headers = h } }

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) WebhookOption { return func(w *Webhook) { w.client = c } }

// NewWebhook creates a Webhook capability posting to url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.healthURL == "" {
		w.healthURL = url
	}
	return w
}

func (w *Webhook) Invoke(ctx context.Context, inv Invocation) error {
	ctx, span := otel.Tracer("capability").Start(ctx, "capability.webhook.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.url", w.url),
		attribute.String("task.id", inv.Task.ID),
		attribute.String("agent.id", inv.Agent.ID),
	)

	body, err := json.Marshal(inv)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal invocation")
		return fmt.Errorf("marshal invocation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := w.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return fmt.Errorf("webhook call to %s: %w", w.url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook %s returned status %d", w.url, resp.StatusCode)
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		return err
	}
	return nil
}

// Ping succeeds when the health URL answers with a status below 500.
func (w *Webhook) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.healthURL, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check %s: %w", w.healthURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("health check %s returned status %d", w.healthURL, resp.StatusCode)
	}
	return nil
}
