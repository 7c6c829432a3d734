package actions

import (
	"fmt"
	"net/http"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/config"
)

// Built-in action keys.
const (
	KeyLogRecord    = "log.record"
	KeyMQTTPublish  = "mqtt.publish"
	KeyWebhookCall  = "http.webhook.call"
	KeyMetricsWrite = "metrics.write"
)

// Deps carries the clients the built-in actions call. Actions whose client
// is nil are not registered, so definitions using them fail validation.
type Deps struct {
	Logger  automation.Logger
	MQTT    MQTTPublisher
	Metrics PointWriter
	Webhook config.WebhookConfig

	// HTTPClient overrides the webhook client; nil builds one from Webhook.Timeout.
	HTTPClient *http.Client
}

// RegisterBuiltins registers every built-in action whose dependencies are
// available and returns the keys it registered.
func RegisterBuiltins(reg *automation.ActionRegistry, deps Deps) ([]string, error) {
	type builtin struct {
		key         string
		description string
		effects     automation.SideEffects
		action      automation.Action
	}

	list := []builtin{
		{KeyLogRecord, "Write a structured log line", automation.SideEffectsReadsOnly, NewLogRecord(deps.Logger)},
		{KeyWebhookCall, "Call an HTTP webhook", automation.SideEffectsExternal, NewWebhookCall(deps.Webhook, deps.HTTPClient)},
	}
	if deps.MQTT != nil {
		list = append(list, builtin{KeyMQTTPublish, "Publish a JSON message to an MQTT topic", automation.SideEffectsExternal, NewMQTTPublish(deps.MQTT)})
	}
	if deps.Metrics != nil {
		list = append(list, builtin{KeyMetricsWrite, "Write a time-series point to InfluxDB", automation.SideEffectsExternal, NewMetricsWrite(deps.Metrics)})
	}

	keys := make([]string, 0, len(list))
	for _, b := range list {
		if err := reg.Register(b.key, b.description, b.effects, b.action); err != nil {
			return keys, fmt.Errorf("registering %s: %w", b.key, err)
		}
		keys = append(keys, b.key)
	}
	return keys, nil
}

// stringMap converts an object of string values, as decoded from JSON, into
// map[string]string.
func stringMap(field string, v any) (map[string]string, error) {
	if v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s: expected object", automation.ErrInvalidInput, field)
	}
	out := make(map[string]string, len(obj))
	for k, raw := range obj {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s: expected string, got %T", automation.ErrInvalidInput, field, k, raw)
		}
		out[k] = s
	}
	return out, nil
}
