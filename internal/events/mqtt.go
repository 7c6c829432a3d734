package events

import (
	"sync"

	"github.com/nerrad567/gray-logic-automation/internal/automation"
	"github.com/nerrad567/gray-logic-automation/internal/infrastructure/mqtt"
)

// mqttQueueSize bounds the events waiting to be published.
const mqttQueueSize = 256

// Publisher publishes a JSON-encoded message. *mqtt.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

type outbound struct {
	topic string
	event Event
}

// MQTTObserver publishes run lifecycle events to
// {prefix}/{automation_key}/run and {prefix}/{automation_key}/step.
//
// Callbacks only enqueue; a single worker goroutine publishes in order, so a
// slow broker never blocks step execution. Events are dropped (with a
// warning) when the queue is full.
type MQTTObserver struct {
	pub    Publisher
	topics mqtt.Topics
	logger Logger
	keys   RunKeys

	queue  chan outbound
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewMQTTObserver starts the publishing worker. Call Close to drain and stop it.
func NewMQTTObserver(pub Publisher, topics mqtt.Topics, logger Logger) *MQTTObserver {
	o := &MQTTObserver{
		pub:    pub,
		topics: topics,
		logger: logger,
		queue:  make(chan outbound, mqttQueueSize),
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

// RunStarted implements automation.Observer.
func (o *MQTTObserver) RunStarted(run automation.Run) {
	o.keys.Track(run)
	o.enqueue(o.topics.RunEvent(run.AutomationKey), RunStarted(run))
}

// StepFinished implements automation.Observer.
func (o *MQTTObserver) StepFinished(step automation.RunStep) {
	key := o.keys.Lookup(step.RunID)
	if key == "" {
		o.warn("step event for unknown run", "run_id", step.RunID)
		return
	}
	o.enqueue(o.topics.StepEvent(key), StepFinished(key, step))
}

// RunFinished implements automation.Observer.
func (o *MQTTObserver) RunFinished(run automation.Run) {
	o.keys.Forget(run.ID)
	o.enqueue(o.topics.RunEvent(run.AutomationKey), RunFinished(run))
}

// Close stops accepting events and waits for queued ones to be published.
func (o *MQTTObserver) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()
	<-o.done
}

func (o *MQTTObserver) enqueue(topic string, ev Event) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return
	}
	select {
	case o.queue <- outbound{topic: topic, event: ev}:
	default:
		o.warn("mqtt event queue full, dropping event",
			"event_type", ev.Type,
			"run_id", ev.RunID,
		)
	}
}

func (o *MQTTObserver) run() {
	defer close(o.done)
	for msg := range o.queue {
		if err := o.pub.PublishJSON(msg.topic, msg.event, false); err != nil {
			o.warn("publishing automation event failed",
				"topic", msg.topic,
				"event_type", msg.event.Type,
				"error", err,
			)
		}
	}
}

func (o *MQTTObserver) warn(msg string, args ...any) {
	if o.logger != nil {
		o.logger.Warn(msg, args...)
	}
}
