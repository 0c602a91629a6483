// Package bus is a type-safe wrapper around the generic messaging.IMessageBus,
// retargeted from the legacy int64-aggregate eventing.IEvent onto
// *event.Event so it can carry entity keys, saga metadata, and a signed
// envelope across the wire.
package bus

import (
	"context"
	"fmt"

	"eventsaga/event"
	"eventsaga/messaging"
)

// IEventHandler is an event handler that also satisfies messaging.IMessageHandler
// so it can be registered directly with the underlying transport.
type IEventHandler interface {
	messaging.IMessageHandler
	HandleEvent(ctx context.Context, evt *event.Event) error
	GetEventTypes() []string
	GetHandlerName() string
}

// EventHandlerFunc adapts a plain function to IEventHandler.
type EventHandlerFunc func(ctx context.Context, evt *event.Event) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, evt *event.Event) error {
	return f(ctx, evt)
}

func (f EventHandlerFunc) Handle(ctx context.Context, message messaging.IMessage) error {
	evt, ok := message.(*event.Event)
	if !ok {
		return fmt.Errorf("eventing/bus: message is not an event: %T", message)
	}
	return f(ctx, evt)
}

func (f EventHandlerFunc) GetEventTypes() []string { return []string{"*"} }
func (f EventHandlerFunc) GetHandlerName() string  { return "EventHandlerFunc" }
func (f EventHandlerFunc) Type() string            { return "*" }

// IEventBus is the event-typed surface over messaging.IMessageBus.
type IEventBus interface {
	messaging.IMessageBus
	PublishEvent(ctx context.Context, evt *event.Event) error
	PublishEvents(ctx context.Context, events []*event.Event) error
	SubscribeEvent(ctx context.Context, eventType string, handler IEventHandler) error
	UnsubscribeEvent(ctx context.Context, eventType string, handler IEventHandler) error
	SubscribeHandler(ctx context.Context, handler IEventHandler) error
	UnsubscribeHandler(ctx context.Context, handler IEventHandler) error
}

// EventBus wraps a messaging.IMessageBus and signs/verifies every envelope
// that crosses it, using the Signer supplied at construction. A nil Signer
// disables signing (used in tests and single-process wiring).
type EventBus struct {
	messaging.IMessageBus
	signer *Signer
}

// NewEventBus wires an event bus over the given transport-backed message
// bus. signer may be nil to skip envelope signing.
func NewEventBus(messageBus messaging.IMessageBus, signer *Signer) *EventBus {
	return &EventBus{
		IMessageBus: messageBus,
		signer:      signer,
	}
}

// PublishEvent signs evt's envelope (if a signer is configured) and
// publishes it.
func (eb *EventBus) PublishEvent(ctx context.Context, evt *event.Event) error {
	if eb.signer != nil {
		if err := eb.signer.Sign(evt); err != nil {
			return fmt.Errorf("eventing/bus: sign event %s: %w", evt.EventID(), err)
		}
	}
	return eb.IMessageBus.Publish(ctx, evt)
}

// PublishEvents signs and publishes a batch of events.
func (eb *EventBus) PublishEvents(ctx context.Context, events []*event.Event) error {
	messages := make([]messaging.IMessage, len(events))
	for i, e := range events {
		if eb.signer != nil {
			if err := eb.signer.Sign(e); err != nil {
				return fmt.Errorf("eventing/bus: sign event %s: %w", e.EventID(), err)
			}
		}
		messages[i] = e
	}
	return eb.IMessageBus.PublishAll(ctx, messages)
}

// SubscribeEvent subscribes a handler to one event type, wrapping it with
// envelope verification when a signer is configured.
func (eb *EventBus) SubscribeEvent(ctx context.Context, eventType string, handler IEventHandler) error {
	return eb.IMessageBus.Subscribe(ctx, eventType, eb.wrap(handler))
}

// UnsubscribeEvent removes a previously-subscribed handler.
func (eb *EventBus) UnsubscribeEvent(ctx context.Context, eventType string, handler IEventHandler) error {
	return eb.IMessageBus.Unsubscribe(ctx, eventType, eb.wrap(handler))
}

// SubscribeHandler subscribes handler to every event type it declares.
func (eb *EventBus) SubscribeHandler(ctx context.Context, handler IEventHandler) error {
	types := handler.GetEventTypes()
	if len(types) == 0 {
		types = []string{"*"}
	}
	for _, t := range types {
		if err := eb.SubscribeEvent(ctx, t, handler); err != nil {
			return err
		}
	}
	return nil
}

// UnsubscribeHandler removes handler from every event type it declares.
func (eb *EventBus) UnsubscribeHandler(ctx context.Context, handler IEventHandler) error {
	types := handler.GetEventTypes()
	if len(types) == 0 {
		types = []string{"*"}
	}
	for _, t := range types {
		if err := eb.UnsubscribeEvent(ctx, t, handler); err != nil {
			return err
		}
	}
	return nil
}

// wrap returns handler unchanged when no signer is configured, otherwise
// wraps it so the envelope signature is verified before HandleEvent runs.
func (eb *EventBus) wrap(handler IEventHandler) IEventHandler {
	if eb.signer == nil {
		return handler
	}
	return verifyingHandler{inner: handler, signer: eb.signer}
}

// verifyingHandler rejects events whose envelope signature doesn't match
// before delegating to the wrapped handler.
type verifyingHandler struct {
	inner  IEventHandler
	signer *Signer
}

func (h verifyingHandler) Handle(ctx context.Context, message messaging.IMessage) error {
	evt, ok := message.(*event.Event)
	if !ok {
		return fmt.Errorf("eventing/bus: message is not an event: %T", message)
	}
	if err := h.signer.Verify(evt); err != nil {
		return fmt.Errorf("eventing/bus: envelope verification failed for event %s: %w", evt.EventID(), err)
	}
	return h.inner.Handle(ctx, message)
}

func (h verifyingHandler) HandleEvent(ctx context.Context, evt *event.Event) error {
	if err := h.signer.Verify(evt); err != nil {
		return fmt.Errorf("eventing/bus: envelope verification failed for event %s: %w", evt.EventID(), err)
	}
	return h.inner.HandleEvent(ctx, evt)
}

func (h verifyingHandler) GetEventTypes() []string { return h.inner.GetEventTypes() }
func (h verifyingHandler) GetHandlerName() string  { return h.inner.GetHandlerName() }
func (h verifyingHandler) Type() string            { return h.inner.Type() }
