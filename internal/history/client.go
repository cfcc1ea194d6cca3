// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/nuntius/internal/config"
	"github.com/tomtom215/nuntius/internal/logging"
	"github.com/tomtom215/nuntius/internal/metrics"
	"github.com/tomtom215/nuntius/internal/models"
)

// Breaker tuning. Five consecutive transport-class failures open the
// breaker; after the cooldown a single probe request decides whether it
// closes again.
const (
	breakerFailureThreshold = 5
	breakerProbeRequests    = 1
	breakerCountWindow      = time.Minute
	breakerCooldown         = 30 * time.Second
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 10 << 20
	maxErrorBytes    = 200
)

// Client is the HTTP JSON adapter for the history API. Transport-class
// failures (network errors, 5xx, 429) run through a circuit breaker; an
// open breaker surfaces as a transport error so the gate's retry policy
// treats it as transient.
type Client struct {
	base    string
	hc      *http.Client
	breaker *gobreaker.CircuitBreaker[httpResult]
	token   func() string
}

type httpResult struct {
	status int
	body   []byte
}

var _ API = (*Client)(nil)

// NewClient creates a history client. token, when non-nil, supplies the
// bearer token per request so session refreshes apply immediately.
func NewClient(cfg config.HistoryConfig, token func() string) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		hc:    &http.Client{Timeout: timeout},
		token: token,
	}
	c.breaker = gobreaker.NewCircuitBreaker[httpResult](gobreaker.Settings{
		Name:        "history",
		MaxRequests: breakerProbeRequests,
		Interval:    breakerCountWindow,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("history breaker state changed")
		},
	})
	return c
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// FetchPage implements API.
func (c *Client) FetchPage(ctx context.Context, conversationID string, before time.Time, limit int) ([]models.MessageEntry, error) {
	if conversationID == "" {
		return nil, &models.ValidationError{Field: "conversation_id", Message: "conversation id is required"}
	}
	start := time.Now()

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if !before.IsZero() {
		q.Set("before", before.UTC().Format(time.RFC3339Nano))
	}
	body, err := c.doJSON(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages", q, nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		Messages []models.MessageEntry `json:"messages"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode message page: %w", err)
	}
	metrics.RecordPageFetch("remote", time.Since(start))
	return out.Messages, nil
}

// InsertMessage implements API.
func (c *Client) InsertMessage(ctx context.Context, entry *models.MessageEntry) (string, error) {
	if entry == nil {
		return "", &models.ValidationError{Field: "entry", Message: "entry is required"}
	}
	if err := entry.Validate(); err != nil {
		return "", err
	}

	payload := struct {
		ClientID      string             `json:"client_id"`
		Body          string             `json:"body"`
		Kind          models.MessageKind `json:"kind"`
		AttachmentURL string             `json:"attachment_url,omitempty"`
	}{
		ClientID:      entry.ClientID,
		Body:          entry.Body,
		Kind:          entry.Kind,
		AttachmentURL: entry.AttachmentURL,
	}
	body, err := c.doJSON(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(entry.ConversationID)+"/messages", nil, payload)
	if err != nil {
		return "", err
	}

	var out struct {
		ServerID string `json:"server_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode insert response: %w", err)
	}
	if out.ServerID == "" {
		return "", fmt.Errorf("insert response missing server_id")
	}
	return out.ServerID, nil
}

// UpsertReaction implements API.
func (c *Client) UpsertReaction(ctx context.Context, conversationID, messageID, userID, kind string) error {
	payload := struct {
		UserID string `json:"user_id"`
		Kind   string `json:"reaction_kind"`
	}{UserID: userID, Kind: kind}

	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages/" + url.PathEscape(messageID) + "/reaction"
	_, err := c.doJSON(ctx, http.MethodPut, path, nil, payload)
	return err
}

// InsertReadReceipt implements API.
func (c *Client) InsertReadReceipt(ctx context.Context, conversationID, userID, throughMessageID string) error {
	payload := struct {
		UserID           string `json:"user_id"`
		ThroughMessageID string `json:"through_message_id"`
	}{UserID: userID, ThroughMessageID: throughMessageID}

	_, err := c.doJSON(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/read-receipts", nil, payload)
	return err
}

// UploadBlob implements API.
func (c *Client) UploadBlob(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", &models.ValidationError{Field: "data", Message: "blob is empty"}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v1/blobs", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	c.authorize(req)

	body, err := c.execute(req)
	if err != nil {
		return "", err
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload response missing url")
	}
	return out.URL, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	return c.execute(req)
}

func (c *Client) authorize(req *http.Request) {
	if c.token == nil {
		return
	}
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}

// execute runs the request through the breaker. Only transport-class
// outcomes count as breaker failures; 4xx responses pass through as
// successes and map to domain errors afterward, so a misbehaving caller
// cannot trip the breaker for everyone else.
func (c *Client) execute(req *http.Request) ([]byte, error) {
	op := req.Method + " " + req.URL.Path

	res, err := c.breaker.Execute(func() (httpResult, error) {
		resp, err := c.hc.Do(req)
		if err != nil {
			return httpResult{}, models.NewTransportError(op, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return httpResult{}, models.NewTransportError(op, err)
		}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return httpResult{}, models.NewTransportError(op, fmt.Errorf("status %d", resp.StatusCode))
		}
		return httpResult{status: resp.StatusCode, body: data}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, models.NewTransportError(op, err)
		}
		return nil, err
	}
	return mapStatus(op, res)
}

func mapStatus(op string, res httpResult) ([]byte, error) {
	switch {
	case res.status >= 200 && res.status < 300:
		return res.body, nil
	case res.status == http.StatusUnauthorized || res.status == http.StatusForbidden:
		return nil, &models.AuthError{Reason: fmt.Sprintf("%s: status %d", op, res.status)}
	case res.status == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	case res.status == http.StatusConflict:
		return nil, &models.ConflictError{Op: op, Resource: apiErrorMessage(res.body)}
	default:
		return nil, &models.ValidationError{Field: "request", Message: fmt.Sprintf("%s: %s", op, apiErrorMessage(res.body))}
	}
}

func apiErrorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBytes {
		msg = msg[:maxErrorBytes]
	}
	if msg == "" {
		msg = "request rejected"
	}
	return msg
}
