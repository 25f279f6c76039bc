package store

import (
	"errors"

	"bookshelf/pkg/domain"
)

// ErrDuplicateEmail is returned by CreateUser when the email is already taken.
// The Postgres implementation derives it from the unique index on email, so
// two concurrent registrations cannot both succeed.
var ErrDuplicateEmail = errors.New("email already taken")

// Store defines persistence operations for users and books. Every client
// supplied value reaches the database as a bound parameter.
type Store interface {
	// users
	CreateUser(u domain.User) error
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id string) (domain.User, bool, error)
	ListUsers() ([]domain.User, error)
	DeleteUser(id string) (int64, error)

	// books
	CreateBook(b domain.Book) error
	ListBooks() ([]domain.Book, error)
	GetBook(id string) (domain.Book, bool, error)
	UpdateBook(id string, upd BookUpdate) (int64, error)
	DeleteBook(id string) (int64, error)
}

// BookUpdate carries the fields of a partial book update. Nil means "leave
// the stored value untouched".
type BookUpdate struct {
	Title     *string
	Desc      *string
	Price     *float64
	ImageURL  *string
	ImageName *string
}

// RefreshTokenRegistry tracks issued, not-yet-revoked refresh tokens. A
// refresh token redeems only while it is a member; removal is the only
// revocation mechanism.
type RefreshTokenRegistry interface {
	Add(token string) error
	Contains(token string) (bool, error)
	Remove(token string) error
}
