// Package protobuf encodes events and entity change notifications as
// Protocol Buffers using the well-known Struct type, so consumers can decode
// payloads with any protobuf runtime and no generated bookstore schema.
//
// Numbers travel as doubles; integers above 2^53 lose precision.
package protobuf

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/aalmada/BookStore-sub002"
)

var (
	_ bookstore.Serializer    = (*Serializer)(nil)
	_ bookstore.TypeRegistrar = (*Serializer)(nil)
)

// =============================================================================
// Event serializer
// =============================================================================

// Serializer encodes events as google.protobuf.Struct messages.
// Struct fields are named after the `json` tags of the event types.
type Serializer struct {
	registry *bookstore.EventRegistry
}

// NewSerializer creates a Serializer with an empty registry.
func NewSerializer() *Serializer {
	return &Serializer{registry: bookstore.NewEventRegistry()}
}

// Register maps eventType to the Go type of example.
func (s *Serializer) Register(eventType string, example interface{}) {
	s.registry.Register(eventType, example)
}

// RegisterAll registers events under their struct names.
func (s *Serializer) RegisterAll(examples ...interface{}) {
	s.registry.RegisterAll(examples...)
}

// Serialize encodes event.
func (s *Serializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, bookstore.NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}
	eventType := bookstore.GetEventType(event)

	fields, err := toMap(event)
	if err != nil {
		return nil, bookstore.NewSerializationError(eventType, "serialize", err)
	}
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, bookstore.NewSerializationError(eventType, "serialize", err)
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, bookstore.NewSerializationError(eventType, "serialize", err)
	}
	return data, nil
}

// Deserialize decodes data into the type registered for eventType.
func (s *Serializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	t, ok := s.registry.Lookup(eventType)
	if !ok {
		return nil, bookstore.NewUnknownEventTypeError(eventType)
	}
	if len(data) == 0 {
		return nil, bookstore.NewSerializationError(eventType, "deserialize", fmt.Errorf("data cannot be empty"))
	}

	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, bookstore.NewSerializationError(eventType, "deserialize", err)
	}
	raw, err := msg.MarshalJSON()
	if err != nil {
		return nil, bookstore.NewSerializationError(eventType, "deserialize", err)
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(raw, ptr.Interface()); err != nil {
		return nil, bookstore.NewSerializationError(eventType, "deserialize", err)
	}
	return ptr.Elem().Interface(), nil
}

func toMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("event must encode as an object: %w", err)
	}
	return fields, nil
}

// =============================================================================
// Notification codec
// =============================================================================

// EncodeNotification encodes a change notification. It fits bookstore.OutboxRoute.Encode.
// OccurredAt is carried as an RFC 3339 string.
func EncodeNotification(event bookstore.EntityChanged) ([]byte, error) {
	fields := map[string]interface{}{
		"tenantId":   event.TenantID,
		"entity":     event.Entity,
		"id":         event.ID,
		"kind":       string(event.Kind),
		"version":    float64(event.Version),
		"projection": event.Projection,
		"position":   float64(event.Position),
		"occurredAt": event.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if event.ETag != "" {
		fields["etag"] = event.ETag
	}

	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(msg)
}

// DecodeNotification decodes a payload written by EncodeNotification.
func DecodeNotification(data []byte) (bookstore.EntityChanged, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return bookstore.EntityChanged{}, err
	}
	raw, err := msg.MarshalJSON()
	if err != nil {
		return bookstore.EntityChanged{}, err
	}
	var event bookstore.EntityChanged
	err = json.Unmarshal(raw, &event)
	return event, err
}
