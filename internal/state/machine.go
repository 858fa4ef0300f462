package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EntityType identifies which lifecycle a machine enforces.
type EntityType string

// EntitySession is the automation session lifecycle.
const EntitySession EntityType = "session"

const (
	SessionIdle        = "idle"
	SessionSpawning    = "spawning"
	SessionRunning     = "running"
	SessionClassifying = "classifying"
	SessionRetrying    = "retrying"
	SessionDone        = "done"
)

// Terminal outcomes carried by the transition into SessionDone.
const (
	OutcomeSuccess   = "success"
	OutcomeExhausted = "exhausted"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

var allowedTransitions = map[EntityType]map[string]map[string]struct{}{
	EntitySession: {
		SessionIdle: {
			SessionSpawning: {},
			SessionDone:     {},
		},
		SessionSpawning: {
			SessionRunning: {},
			SessionDone:    {},
		},
		SessionRunning: {
			SessionClassifying: {},
			SessionDone:        {},
		},
		SessionClassifying: {
			SessionRetrying: {},
			SessionDone:     {},
		},
		SessionRetrying: {
			SessionSpawning: {},
			SessionDone:     {},
		},
	},
}

var initialStates = map[EntityType]string{
	EntitySession: SessionIdle,
}

// Observer is told about every accepted transition.
type Observer interface {
	ObserveTransition(ctx context.Context, record TransitionRecord)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, record TransitionRecord)

func (f ObserverFunc) ObserveTransition(ctx context.Context, record TransitionRecord) {
	f(ctx, record)
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithObserver adds an observer for accepted transitions.
func WithObserver(observer Observer) Option {
	return func(machine *Machine) {
		if observer == nil {
			return
		}
		machine.observers = append(machine.observers, observer)
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
	Timestamp  time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for entity lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition %s %q from %q to %q: %s",
		e.EntityType,
		e.EntityID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine tracks one entity's current state and only moves it along
// allowed edges. Terminal states accept no further transitions.
type Machine struct {
	entityType EntityType
	entityID   string
	tracer     trace.Tracer
	now        func() time.Time
	observers  []Observer

	mu      sync.Mutex
	current string
	history []TransitionRecord
}

// NewMachine builds a machine for entityID starting in the lifecycle's initial state.
func NewMachine(entityType EntityType, entityID string, options ...Option) (*Machine, error) {
	initial, ok := initialStates[entityType]
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return nil, errors.New("entity id must not be empty")
	}

	machine := &Machine{
		entityType: entityType,
		entityID:   entityID,
		tracer:     otel.Tracer("botpilot/state"),
		now:        time.Now,
		current:    initial,
		history:    []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	if machine.tracer == nil {
		machine.tracer = otel.Tracer("botpilot/state")
	}
	return machine, nil
}

// Current returns the current state.
func (m *Machine) Current() string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition validates and applies one transition from the current state.
func (m *Machine) Transition(ctx context.Context, toState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)
	toState = strings.TrimSpace(toState)

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()

	m.mu.Lock()
	fromState := m.current
	span.SetAttributes(
		attribute.String("entity_type", string(m.entityType)),
		attribute.String("entity_id", m.entityID),
		attribute.String("from_state", fromState),
		attribute.String("to_state", toState),
		attribute.String("reason", normalizedReason),
	)

	if toState == "" {
		m.mu.Unlock()
		err := errors.New("to state must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !isAllowed(m.entityType, fromState, toState) {
		m.mu.Unlock()
		err := &IllegalTransitionError{
			EntityType: m.entityType,
			EntityID:   m.entityID,
			FromState:  fromState,
			ToState:    toState,
			Reason:     "illegal transition for entity lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		EntityType: m.entityType,
		EntityID:   m.entityID,
		FromState:  fromState,
		ToState:    toState,
		Reason:     normalizedReason,
		Timestamp:  m.now().UTC(),
	}
	m.current = toState
	m.history = append(m.history, record)
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	for _, observer := range observers {
		observer.ObserveTransition(ctx, record)
	}
	span.SetStatus(codes.Ok, "state transition applied")
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

func isAllowed(entityType EntityType, fromState, toState string) bool {
	entityTransitions, ok := allowedTransitions[entityType]
	if !ok {
		return false
	}
	nextStates, ok := entityTransitions[fromState]
	if !ok {
		return false
	}
	_, ok = nextStates[toState]
	return ok
}
