package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when mqtt.events_topic_prefix is empty.
const DefaultTopicPrefix = "graylogic/automation"

// Topics builds the automation service's MQTT topics under a common prefix.
//
//	topics := mqtt.NewTopics("graylogic/automation")
//	topics.RunEvent("welcome_email")
//	// Returns: "graylogic/automation/welcome_email/run"
type Topics struct {
	prefix string
}

// NewTopics returns a builder rooted at prefix. Surrounding slashes are trimmed.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the root of every topic.
func (t Topics) Prefix() string {
	return t.prefix
}

// Status is the retained online/offline topic of the service.
//
// Example: graylogic/automation/status
func (t Topics) Status() string {
	return t.prefix + "/status"
}

// RunEvent carries run_started and run_finished events for one automation.
//
// Example: graylogic/automation/welcome_email/run
func (t Topics) RunEvent(automationKey string) string {
	return fmt.Sprintf("%s/%s/run", t.prefix, automationKey)
}

// StepEvent carries step_finished events for one automation.
//
// Example: graylogic/automation/welcome_email/step
func (t Topics) StepEvent(automationKey string) string {
	return fmt.Sprintf("%s/%s/step", t.prefix, automationKey)
}

// AllRunEvents matches RunEvent for every automation.
func (t Topics) AllRunEvents() string {
	return t.prefix + "/+/run"
}

// ValidatePublishTopic rejects empty topics and topics a client may not
// publish to: wildcards, NUL bytes and a leading "$" (broker-reserved).
func ValidatePublishTopic(topic string) error {
	switch {
	case topic == "":
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	case strings.ContainsAny(topic, "+#"):
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidTopic, topic)
	case strings.ContainsRune(topic, 0):
		return fmt.Errorf("%w: %q contains a NUL byte", ErrInvalidTopic, topic)
	case strings.HasPrefix(topic, "$"):
		return fmt.Errorf("%w: %q is reserved", ErrInvalidTopic, topic)
	}
	return nil
}
