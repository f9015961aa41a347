package audit

import (
	"github.com/rs/zerolog"
)

// OptionalEvent is a zerolog dict that is only attached to its parent when at
// least one field was written to it.
type OptionalEvent struct {
	ev       *zerolog.Event
	modified bool
}

func NewOptionalEvent(e *zerolog.Event) *OptionalEvent {
	return &OptionalEvent{ev: e}
}

func (oe *OptionalEvent) event() *zerolog.Event {
	if oe.ev == nil {
		oe.ev = zerolog.Dict()
		oe.modified = false
	}
	return oe.ev
}

// Set attaches the dict to parent under key, reporting whether it did.
func (oe *OptionalEvent) Set(parent *zerolog.Event, key string) bool {
	if oe.modified {
		parent.Dict(key, oe.event())
		return true
	}
	return false
}

// Event exposes the underlying dict, marking it as written.
func (oe *OptionalEvent) Event() *zerolog.Event {
	e := oe.event()
	oe.modified = true
	return e
}

func (oe *OptionalEvent) Str(key, val string) *OptionalEvent {
	if val == "" {
		return oe
	}
	oe.event().Str(key, val)
	oe.modified = true
	return oe
}

func (oe *OptionalEvent) Int64(key string, val int64) *OptionalEvent {
	if val == 0 {
		return oe
	}
	oe.event().Int64(key, val)
	oe.modified = true
	return oe
}
