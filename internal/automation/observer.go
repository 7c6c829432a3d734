package automation

// Observer receives run lifecycle notifications.
//
// Callbacks run synchronously on the executing goroutine and receive copies;
// implementations should hand off slow work (network writes) themselves.
type Observer interface {
	RunStarted(run Run)
	StepFinished(step RunStep)
	RunFinished(run Run)
}

// observerSet fans notifications out to every observer, isolating panics.
type observerSet struct {
	observers []Observer
	logger    Logger
}

func (s observerSet) runStarted(run Run) {
	for _, o := range s.observers {
		s.safely("run_started", func() { o.RunStarted(run) })
	}
}

func (s observerSet) stepFinished(step RunStep) {
	for _, o := range s.observers {
		s.safely("step_finished", func() { o.StepFinished(step) })
	}
}

func (s observerSet) runFinished(run Run) {
	for _, o := range s.observers {
		s.safely("run_finished", func() { o.RunFinished(run) })
	}
}

func (s observerSet) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("automation observer panicked", "event", event, "panic", r)
		}
	}()
	fn()
}
