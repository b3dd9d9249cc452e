// Package msgpack provides a MessagePack event serializer.
//
// Field names follow the `json` struct tags of the event types, so events
// serialized here decode into the same Go types as with the JSON serializer:
//
//	store := bookstore.New(memory.NewAdapter(), bookstore.WithSerializer(msgpack.NewSerializer()))
//	store.RegisterEvents(catalog.Events()...)
//
// The postgres adapter stores payloads as JSONB and requires the JSON serializer.
package msgpack

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aalmada/BookStore-sub002"
)

var (
	_ bookstore.Serializer    = (*Serializer)(nil)
	_ bookstore.TypeRegistrar = (*Serializer)(nil)
)

// Serializer encodes events as MessagePack.
type Serializer struct {
	registry *bookstore.EventRegistry
}

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// WithRegistry shares an existing event registry.
func WithRegistry(registry *bookstore.EventRegistry) SerializerOption {
	return func(s *Serializer) {
		s.registry = registry
	}
}

// NewSerializer creates a Serializer with an empty registry.
func NewSerializer(opts ...SerializerOption) *Serializer {
	s := &Serializer{registry: bookstore.NewEventRegistry()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register maps eventType to the Go type of example.
func (s *Serializer) Register(eventType string, example interface{}) {
	s.registry.Register(eventType, example)
}

// RegisterAll registers events under their struct names.
func (s *Serializer) RegisterAll(examples ...interface{}) {
	s.registry.RegisterAll(examples...)
}

// Registry returns the event registry.
func (s *Serializer) Registry() *bookstore.EventRegistry {
	return s.registry
}

// Serialize encodes event.
func (s *Serializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, bookstore.NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(event); err != nil {
		return nil, bookstore.NewSerializationError(bookstore.GetEventType(event), "serialize", err)
	}
	return buf.Bytes(), nil
}

// Deserialize decodes data into the type registered for eventType.
// Unregistered types fail with bookstore.ErrUnknownEventType.
func (s *Serializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	t, ok := s.registry.Lookup(eventType)
	if !ok {
		return nil, bookstore.NewUnknownEventTypeError(eventType)
	}
	if len(data) == 0 {
		return nil, bookstore.NewSerializationError(eventType, "deserialize", fmt.Errorf("data cannot be empty"))
	}

	ptr := reflect.New(t)
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(ptr.Interface()); err != nil {
		return nil, bookstore.NewSerializationError(eventType, "deserialize", err)
	}
	return ptr.Elem().Interface(), nil
}

// EncodeNotification encodes an entity change notification as MessagePack.
// It fits bookstore.OutboxRoute.Encode.
func EncodeNotification(event bookstore.EntityChanged) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(event); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeNotification decodes a payload written by EncodeNotification.
func DecodeNotification(data []byte) (bookstore.EntityChanged, error) {
	var event bookstore.EntityChanged
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	err := dec.Decode(&event)
	return event, err
}
