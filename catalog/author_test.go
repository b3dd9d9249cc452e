package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalmada/BookStore-sub002"
)

func TestAuthorLifecycle(t *testing.T) {
	a := AuthorDefinition.New("a1")

	d, err := handleCreateAuthor(CreateAuthor{Name: " Frank Herbert "}, a)
	require.NoError(t, err)
	require.Len(t, d.Events, 1)
	a, err = AuthorDefinition.Apply(a, d.Events[0])
	require.NoError(t, err)
	assert.Equal(t, "Frank Herbert", a.Name)

	_, err = handleCreateAuthor(CreateAuthor{Name: "Frank"}, a)
	assert.ErrorIs(t, err, bookstore.ErrStreamCollision)

	d, err = handleUpdateAuthor(UpdateAuthor{AuthorID: "a1", Name: "Frank Herbert"}, a)
	require.NoError(t, err)
	assert.Empty(t, d.Events)

	d, err = handleUpdateAuthor(UpdateAuthor{AuthorID: "a1", Name: "Frank Herbert", Biography: "Dune"}, a)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{AuthorUpdated{AuthorID: "a1", Name: "Frank Herbert", Biography: "Dune"}}, d.Events)

	d, err = handleDeleteAuthor(DeleteAuthor{AuthorID: "a1"}, a)
	require.NoError(t, err)
	a, err = AuthorDefinition.Apply(a, d.Events[0])
	require.NoError(t, err)
	assert.True(t, a.Deleted)

	_, err = handleUpdateAuthor(UpdateAuthor{AuthorID: "a1", Name: "X"}, a)
	assert.ErrorIs(t, err, bookstore.ErrStreamNotFound)

	d, err = handleDeleteAuthor(DeleteAuthor{AuthorID: "a1"}, a)
	require.NoError(t, err)
	assert.Empty(t, d.Events)
}

func TestAuthorCommands_Validate(t *testing.T) {
	assert.NoError(t, CreateAuthor{Name: "Ursula K. Le Guin"}.Validate())
	assert.ErrorIs(t, CreateAuthor{Name: " "}.Validate(), bookstore.ErrValidationFailed)
	assert.Contains(t, bookstore.FieldErrors(UpdateAuthor{Name: "x"}.Validate()), "authorId")
	assert.ErrorIs(t, DeleteAuthor{}.Validate(), bookstore.ErrValidationFailed)
}

func TestAuthorDefinition_UnknownEvent(t *testing.T) {
	_, err := AuthorDefinition.Apply(AuthorDefinition.New("a1"), BookDeleted{})
	assert.ErrorIs(t, err, bookstore.ErrUnknownEventType)
}
