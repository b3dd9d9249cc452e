package protobuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/aalmada/BookStore-sub002"
)

type BookAdded struct {
	BookID string   `json:"bookId"`
	Title  string   `json:"title"`
	Price  float64  `json:"price"`
	Stock  int      `json:"stock"`
	Genres []string `json:"genres"`
}

func TestSerializer_RoundTrip(t *testing.T) {
	s := NewSerializer()
	s.RegisterAll(BookAdded{})

	in := BookAdded{BookID: "1", Title: "Dune", Price: 9.5, Stock: 3, Genres: []string{"sf", "classic"}}
	data, err := s.Serialize(in)
	require.NoError(t, err)

	out, err := s.Deserialize(data, "BookAdded")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestSerializer_WireIsStruct(t *testing.T) {
	data, err := NewSerializer().Serialize(&BookAdded{BookID: "1", Title: "Dune"})
	require.NoError(t, err)

	var msg structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &msg))
	assert.Equal(t, "Dune", msg.Fields["title"].GetStringValue())
}

func TestSerializer_Errors(t *testing.T) {
	s := NewSerializer()
	s.Register("Added", BookAdded{})

	_, err := s.Serialize(nil)
	assert.ErrorIs(t, err, bookstore.ErrSerializationFailed)

	_, err = s.Serialize("not an object")
	assert.ErrorIs(t, err, bookstore.ErrSerializationFailed)

	_, err = s.Deserialize([]byte{1}, "BookAdded")
	assert.ErrorIs(t, err, bookstore.ErrUnknownEventType)

	_, err = s.Deserialize(nil, "Added")
	assert.ErrorIs(t, err, bookstore.ErrSerializationFailed)

	_, err = s.Deserialize([]byte{0xff, 0xff}, "Added")
	assert.ErrorIs(t, err, bookstore.ErrSerializationFailed)
}

func TestNotificationCodec(t *testing.T) {
	in := bookstore.EntityChanged{
		TenantID:   "acme",
		Entity:     "book",
		ID:         "1",
		Kind:       bookstore.ChangeCreated,
		Version:    1,
		ETag:       `"1"`,
		Projection: "book-search",
		Position:   42,
		OccurredAt: time.Date(2030, 1, 1, 10, 0, 0, 500, time.UTC),
	}

	data, err := EncodeNotification(in)
	require.NoError(t, err)
	out, err := DecodeNotification(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestNotificationCodec_Delete(t *testing.T) {
	data, err := EncodeNotification(bookstore.EntityChanged{TenantID: "acme", ID: "1", Kind: bookstore.ChangeDeleted})
	require.NoError(t, err)

	var msg structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &msg))
	_, hasETag := msg.Fields["etag"]
	assert.False(t, hasETag)

	_, err = DecodeNotification([]byte{0xff})
	assert.Error(t, err)
}
