// Package whatsapp implements the messaging-API client: a single
// outbound send operation against the WhatsApp Business API, classifying
// failures into transient vs. permanent error kinds. There is no HTTP client
// library anywhere in the retrieval pack (the corpus's HTTP dependency,
// fiber/fasthttp, is server-side only) so the outbound transport is built
// on net/http — see DESIGN.md for that justification.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/arvancloud/whatsapp-relay/internal/notification"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SendResult is the outcome of a successful send.
type SendResult struct {
	ProviderMessageID string
	RawResponse       []byte
}

// Client sends a notification payload to a recipient through an outbound
// provider transport.
type Client interface {
	Send(ctx context.Context, recipientPhone string, payload notification.Payload) (*SendResult, error)
}

// HTTPClient talks to the real WhatsApp Business Cloud API.
type HTTPClient struct {
	baseURL       string
	apiVersion    string
	phoneNumberID string
	accessToken   string
	httpClient    *http.Client
	tracer        trace.Tracer
}

type Config struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberID string
	AccessToken   string
	Timeout       time.Duration
}

func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL:       cfg.BaseURL,
		apiVersion:    cfg.APIVersion,
		phoneNumberID: cfg.PhoneNumberID,
		accessToken:   cfg.AccessToken,
		httpClient:    &http.Client{Timeout: timeout},
		tracer:        otel.Tracer("whatsapp-relay/whatsapp"),
	}
}

type waMessage struct {
	MessagingProduct string          `json:"messaging_product"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         *waTemplate     `json:"template,omitempty"`
	Text             *waText         `json:"text,omitempty"`
}

type waTemplate struct {
	Name       string             `json:"name"`
	Language   waLanguage         `json:"language"`
	Components []waTemplateComp   `json:"components,omitempty"`
}

type waLanguage struct {
	Code string `json:"code"`
}

type waTemplateComp struct {
	Type       string          `json:"type"`
	Parameters []waTemplateParam `json:"parameters"`
}

type waTemplateParam struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *waError `json:"error,omitempty"`
}

type waError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (c *HTTPClient) Send(ctx context.Context, recipientPhone string, payload notification.Payload) (*SendResult, error) {
	ctx, span := c.tracer.Start(ctx, "whatsapp.send", trace.WithAttributes(
		attribute.String("recipient", recipientPhone),
		attribute.String("kind", string(payload.Kind)),
	))
	defer span.End()

	body := waMessage{MessagingProduct: "whatsapp", To: recipientPhone}
	switch payload.Kind {
	case notification.KindTemplate:
		body.Type = "template"
		tmpl := &waTemplate{Name: payload.Template.Name, Language: waLanguage{Code: payload.Template.Language}}
		if len(payload.Template.Parameters) > 0 {
			params := make([]waTemplateParam, 0, len(payload.Template.Parameters))
			for _, p := range payload.Template.Parameters {
				params = append(params, waTemplateParam{Type: p.Type, Text: p.Value})
			}
			tmpl.Components = []waTemplateComp{{Type: "body", Parameters: params}}
		}
		body.Template = tmpl
	case notification.KindText:
		body.Type = "text"
		body.Text = &waText{Body: payload.Text.Text}
	default:
		return nil, &PermanentError{Code: "invalid_payload", Message: "notification carries neither template nor text payload"}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal whatsapp request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.apiVersion, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, &TransientError{Code: "network", Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Code: "network", Message: "failed reading response: " + err.Error()}
	}

	var parsed waResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && len(parsed.Messages) > 0 {
		return &SendResult{ProviderMessageID: parsed.Messages[0].ID, RawResponse: raw}, nil
	}

	code := "unknown"
	message := "unexpected provider response"
	if parsed.Error != nil {
		code = fmt.Sprintf("%d", parsed.Error.Code)
		message = parsed.Error.Message
	}

	if transientProviderCodes[code] || classifyHTTPStatus(resp.StatusCode) {
		return nil, &TransientError{Code: code, Message: message}
	}
	return nil, &PermanentError{Code: code, Message: message}
}
