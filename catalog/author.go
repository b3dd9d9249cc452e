package catalog

import (
	"strings"

	"github.com/aalmada/BookStore-sub002"
)

// AuthorType is the aggregate type and stream category of authors.
const AuthorType = "Author"

// Author is the state of an author aggregate.
type Author struct {
	ID        string
	Name      string
	Biography string
	Exists    bool
	Deleted   bool
}

// AuthorDefinition folds author events into Author state.
var AuthorDefinition = bookstore.AggregateDefinition[Author]{
	Type: AuthorType,
	New: func(id string) Author {
		return Author{ID: id}
	},
	Apply: func(a Author, event interface{}) (Author, error) {
		switch e := event.(type) {
		case AuthorCreated:
			a.Name = e.Name
			a.Biography = e.Biography
			a.Exists = true
		case AuthorUpdated:
			a.Name = e.Name
			a.Biography = e.Biography
		case AuthorDeleted:
			a.Deleted = true
		default:
			return a, bookstore.UnknownEvent(event)
		}
		return a, nil
	},
}

// CreateAuthor creates an author. An empty AuthorID gets a generated ID.
type CreateAuthor struct {
	bookstore.CommandBase
	AuthorID  string `json:"authorId,omitempty"`
	Name      string `json:"name"`
	Biography string `json:"biography,omitempty"`
}

func (c CreateAuthor) CommandType() string { return "CreateAuthor" }
func (c CreateAuthor) AggregateID() string { return c.AuthorID }

func (c CreateAuthor) Validate() error {
	v := bookstore.NewMultiValidationError(c.CommandType())
	validateAuthorName(v, c.Name)
	return v.ErrOrNil()
}

// UpdateAuthor replaces the name and biography of an author.
type UpdateAuthor struct {
	bookstore.CommandBase
	AuthorID  string `json:"authorId"`
	Name      string `json:"name"`
	Biography string `json:"biography,omitempty"`
}

func (c UpdateAuthor) CommandType() string { return "UpdateAuthor" }
func (c UpdateAuthor) AggregateID() string { return c.AuthorID }

func (c UpdateAuthor) Validate() error {
	v := bookstore.NewMultiValidationError(c.CommandType())
	requireID(v, "authorId", c.AuthorID)
	validateAuthorName(v, c.Name)
	return v.ErrOrNil()
}

// DeleteAuthor deletes an author.
type DeleteAuthor struct {
	bookstore.CommandBase
	AuthorID string `json:"authorId"`
}

func (c DeleteAuthor) CommandType() string { return "DeleteAuthor" }
func (c DeleteAuthor) AggregateID() string { return c.AuthorID }

func (c DeleteAuthor) Validate() error {
	v := bookstore.NewMultiValidationError(c.CommandType())
	requireID(v, "authorId", c.AuthorID)
	return v.ErrOrNil()
}

func validateAuthorName(v *bookstore.MultiValidationError, name string) {
	if strings.TrimSpace(name) == "" {
		v.AddField("name", "is required")
	} else if len(name) > 200 {
		v.AddField("name", "must be at most 200 characters")
	}
}

func handleCreateAuthor(cmd CreateAuthor, a Author) (bookstore.Decision, error) {
	if a.Exists {
		return bookstore.Decision{}, &ExistsError{Entity: "author", ID: a.ID}
	}
	return bookstore.Emit(AuthorCreated{
		AuthorID:  a.ID,
		Name:      strings.TrimSpace(cmd.Name),
		Biography: cmd.Biography,
	}), nil
}

func handleUpdateAuthor(cmd UpdateAuthor, a Author) (bookstore.Decision, error) {
	if !a.Exists || a.Deleted {
		return bookstore.Decision{}, &NotFoundError{Entity: "author", ID: a.ID}
	}
	name := strings.TrimSpace(cmd.Name)
	if name == a.Name && cmd.Biography == a.Biography {
		return bookstore.Decision{}, nil
	}
	return bookstore.Emit(AuthorUpdated{AuthorID: a.ID, Name: name, Biography: cmd.Biography}), nil
}

func handleDeleteAuthor(cmd DeleteAuthor, a Author) (bookstore.Decision, error) {
	if !a.Exists {
		return bookstore.Decision{}, &NotFoundError{Entity: "author", ID: a.ID}
	}
	if a.Deleted {
		return bookstore.Decision{}, nil
	}
	return bookstore.Emit(AuthorDeleted{AuthorID: a.ID}), nil
}
