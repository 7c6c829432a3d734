package actions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/mqtt"
)

// MQTTPublisher publishes a raw payload. *mqtt.Client satisfies it.
type MQTTPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	QoS() byte
}

// NewMQTTPublish returns the mqtt.publish action. The payload object is
// JSON-encoded and published at the client's default QoS.
//
// Input: {topic: string, payload: object, retained?: boolean}
func NewMQTTPublish(pub MQTTPublisher) *automation.SchemaAction {
	a := automation.NewSchemaAction(map[string]automation.Field{
		"topic":    automation.Required(automation.FieldString),
		"payload":  automation.Required(automation.FieldObject),
		"retained": automation.Optional(automation.FieldBoolean),
	}, func(ctx context.Context, input map[string]any) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		topic, _ := input["topic"].(string)
		retained, _ := input["retained"].(bool)

		payload, err := json.Marshal(input["payload"])
		if err != nil {
			return nil, fmt.Errorf("encoding payload: %w", err)
		}
		if err := pub.Publish(topic, payload, pub.QoS(), retained); err != nil {
			return nil, fmt.Errorf("publishing to %s: %w", topic, err)
		}
		return map[string]any{"topic": topic, "bytes": len(payload), "retained": retained}, nil
	})
	a.Check = func(input map[string]any) error {
		topic, _ := input["topic"].(string)
		return mqtt.ValidatePublishTopic(topic)
	}
	return a
}
