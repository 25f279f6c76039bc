package domain

import "time"

// Book is a catalog entry. ImageURL holds the most recently generated signed
// URL and is only a convenience cache; ImageName is the stable object-store
// key and is the source of truth for whether a cover image exists.
type Book struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Desc      string    `json:"desc"`
	Price     float64   `json:"price"`
	ImageURL  string    `json:"imageUrl"`
	ImageName string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Identity is the decoded access-token payload attached to authorized requests.
type Identity struct {
	UserID  string
	IsAdmin bool
}
