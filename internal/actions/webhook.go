package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
)

const (
	defaultWebhookTimeout = 10 * time.Second

	// maxWebhookResponse caps how much of a response body is read and recorded.
	maxWebhookResponse = 1 << 20
)

var webhookMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}

// maxWebhookRedirects matches the net/http default.
const maxWebhookRedirects = 10

var (
	// ErrWebhookStatus is returned when a webhook answers with a non-2xx status.
	ErrWebhookStatus = errors.New("webhook returned non-success status")

	// ErrWebhookRedirect is returned when a webhook redirects to a URL that
	// would fail the url check.
	ErrWebhookRedirect = errors.New("webhook redirect not allowed")
)

// NewWebhookCall returns the http.webhook.call action.
//
// The body object is sent as JSON. The output holds the response status and
// body (decoded when it is JSON). Any non-2xx status fails the step.
//
// Redirects are followed only while every target passes the same url check
// as the input, allowed_hosts included.
//
// Input: {url: string, method?: string, headers?: object of strings, body?: object}
func NewWebhookCall(cfg config.WebhookConfig, client *http.Client) *automation.SchemaAction {
	allowed := make([]string, 0, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		allowed = append(allowed, strings.ToLower(strings.TrimSpace(h)))
	}
	client = webhookClient(cfg, client, allowed)

	a := automation.NewSchemaAction(map[string]automation.Field{
		"url":     automation.Required(automation.FieldString),
		"method":  automation.Optional(automation.FieldString),
		"headers": automation.Optional(automation.FieldObject),
		"body":    automation.Optional(automation.FieldObject),
	}, func(ctx context.Context, input map[string]any) (any, error) {
		return callWebhook(ctx, client, input)
	})
	a.Check = func(input map[string]any) error {
		rawURL, _ := input["url"].(string)
		if err := checkWebhookURL(rawURL, allowed); err != nil {
			return err
		}
		if method, _ := input["method"].(string); method != "" && !slices.Contains(webhookMethods, strings.ToUpper(method)) {
			return fmt.Errorf("method: must be one of %s", strings.Join(webhookMethods, ", "))
		}
		_, err := stringMap("headers", input["headers"])
		return err
	}
	return a
}

// webhookClient returns a copy of client (or a new one) whose redirects are
// re-checked against allowedHosts before any existing CheckRedirect runs.
func webhookClient(cfg config.WebhookConfig, client *http.Client, allowedHosts []string) *http.Client {
	var c http.Client
	if client != nil {
		c = *client
	} else {
		c.Timeout = cfg.Timeout
		if c.Timeout <= 0 {
			c.Timeout = defaultWebhookTimeout
		}
	}

	next := c.CheckRedirect
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if err := checkWebhookURL(req.URL.String(), allowedHosts); err != nil {
			return fmt.Errorf("%w: %w", ErrWebhookRedirect, err)
		}
		if next != nil {
			return next(req, via)
		}
		if len(via) >= maxWebhookRedirects {
			return fmt.Errorf("%w: stopped after %d redirects", ErrWebhookRedirect, maxWebhookRedirects)
		}
		return nil
	}
	return &c
}

func checkWebhookURL(rawURL string, allowedHosts []string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url: scheme must be http or https")
	}
	if u.Hostname() == "" {
		return fmt.Errorf("url: host is required")
	}
	if len(allowedHosts) > 0 && !slices.Contains(allowedHosts, strings.ToLower(u.Hostname())) {
		return fmt.Errorf("url: host %q is not in actions.webhook.allowed_hosts", u.Hostname())
	}
	return nil
}

func callWebhook(ctx context.Context, client *http.Client, input map[string]any) (any, error) {
	rawURL, _ := input["url"].(string)
	method, _ := input["method"].(string)
	if method == "" {
		method = http.MethodPost
	}
	method = strings.ToUpper(method)

	var body io.Reader
	if b, ok := input["body"]; ok && b != nil {
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encoding body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	headers, err := stringMap("headers", input["headers"])
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling webhook: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	out := map[string]any{"status": resp.StatusCode, "body": decodeBody(data)}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, fmt.Errorf("%w: %d", ErrWebhookStatus, resp.StatusCode)
	}
	return out, nil
}

// decodeBody returns parsed JSON when possible, otherwise the raw text.
func decodeBody(data []byte) any {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		return v
	}
	return string(data)
}
