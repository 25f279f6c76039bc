package store

import (
	"sort"
	"sync"
	"time"

	"bookshelf/pkg/domain"
)

// MemoryStore keeps users and books in-process. It backs tests and exists so
// the core never needs a live Postgres to be exercised.
type MemoryStore struct {
	mu     sync.RWMutex
	books  map[string]domain.Book
	order  []string
	users  map[string]domain.User
	emails map[string]string // email -> user ID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:  make(map[string]domain.Book),
		users:  make(map[string]domain.User),
		emails: make(map[string]string),
	}
}

// CreateUser inserts a user, enforcing email uniqueness like the Postgres
// unique index does.
func (m *MemoryStore) CreateUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.emails[u.Email]; taken {
		return ErrDuplicateEmail
	}
	m.users[u.ID] = u
	m.emails[u.Email] = u.ID
	return nil
}

// GetUserByEmail looks up a user by email.
func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.emails[email]
	if !ok {
		return domain.User{}, false, nil
	}
	u, ok := m.users[id]
	return u, ok, nil
}

// GetUserByID returns a user by ID.
func (m *MemoryStore) GetUserByID(id string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

// ListUsers returns all users in insertion-agnostic map order sorted by
// creation time.
func (m *MemoryStore) ListUsers() ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, u)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

// DeleteUser removes a user row.
func (m *MemoryStore) DeleteUser(id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return 0, nil
	}
	delete(m.users, id)
	delete(m.emails, u.Email)
	return 1, nil
}

// CreateBook stores a book record and tracks insertion order.
func (m *MemoryStore) CreateBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; !exists {
		m.order = append(m.order, b.ID)
	}
	m.books[b.ID] = b
	return nil
}

// ListBooks returns books in insertion order.
func (m *MemoryStore) ListBooks() ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0, len(m.order))
	for _, id := range m.order {
		if b, ok := m.books[id]; ok {
			res = append(res, b)
		}
	}
	return res, nil
}

// GetBook retrieves a book by ID.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// UpdateBook applies the supplied fields to an existing row.
func (m *MemoryStore) UpdateBook(id string, upd BookUpdate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return 0, nil
	}
	if upd.Title != nil {
		b.Title = *upd.Title
	}
	if upd.Desc != nil {
		b.Desc = *upd.Desc
	}
	if upd.Price != nil {
		b.Price = *upd.Price
	}
	if upd.ImageURL != nil {
		b.ImageURL = *upd.ImageURL
	}
	if upd.ImageName != nil {
		b.ImageName = *upd.ImageName
	}
	b.UpdatedAt = time.Now().UTC()
	m.books[id] = b
	return 1, nil
}

// DeleteBook removes a book row.
func (m *MemoryStore) DeleteBook(id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[id]; !ok {
		return 0, nil
	}
	delete(m.books, id)
	filtered := m.order[:0]
	for _, item := range m.order {
		if item != id {
			filtered = append(filtered, item)
		}
	}
	m.order = filtered
	return 1, nil
}

