package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"bookshelf/pkg/auth"
	"bookshelf/pkg/domain"
	"bookshelf/pkg/storage"
	"bookshelf/pkg/store"
	"bookshelf/pkg/token"
)

const (
	defaultSignedURLTTL = time.Hour
	// Bound on concurrent presign calls while listing.
	presignParallelism = 8
)

// Config holds runtime wiring for the core application.
type Config struct {
	Store               store.Store
	Objects             storage.ObjectStore
	Tokens              *token.Service
	SignedURLTTL        time.Duration
	PlaceholderImageURL string
}

// App is the catalog and account core wired over the stores.
type App struct {
	store          store.Store
	objects        storage.ObjectStore
	tokens         *token.Service
	signedURLTTL   time.Duration
	placeholderURL string
}

// Upload carries an optional cover image attached to an add or edit call.
type Upload struct {
	Reader      io.Reader
	Size        int64
	ContentType string
}

// BookEdit carries the fields of an edit call. Nil fields are preserved.
type BookEdit struct {
	Title *string
	Desc  *string
	Price *float64
	File  *Upload
}

// New constructs the application core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token service is required")
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = defaultSignedURLTTL
	}
	return &App{
		store:          cfg.Store,
		objects:        cfg.Objects,
		tokens:         cfg.Tokens,
		signedURLTTL:   cfg.SignedURLTTL,
		placeholderURL: cfg.PlaceholderImageURL,
	}, nil
}

// AddBook creates a catalog entry. When a file is supplied it is stored under
// a fresh random key and the persisted ImageURL is a signed URL for that key;
// the URL expires, the key does not.
func (a *App) AddBook(ctx context.Context, title, desc string, price float64, file *Upload) (domain.Book, error) {
	if strings.TrimSpace(title) == "" {
		return domain.Book{}, ErrTitleRequired
	}
	now := time.Now().UTC()
	book := domain.Book{
		ID:        uuid.NewString(),
		Title:     title,
		Desc:      desc,
		Price:     price,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if file != nil {
		key, url, err := a.storeImage(ctx, file)
		if err != nil {
			return domain.Book{}, err
		}
		book.ImageName = key
		book.ImageURL = url
	}
	if err := a.store.CreateBook(book); err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	return book, nil
}

// ListBooks returns all books with live image URLs: a freshly signed URL when
// an image key is set (the persisted URL may have expired long ago), the
// placeholder otherwise.
func (a *App) ListBooks(ctx context.Context) ([]domain.Book, error) {
	books, err := a.store.ListBooks()
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(presignParallelism)
	for i := range books {
		i := i
		g.Go(func() error {
			return a.refreshImageURL(ctx, &books[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return books, nil
}

// GetBook retrieves one book with a live image URL. The second result is
// false when no row matches, which is distinct from a found-but-imageless
// book (that one carries the placeholder URL).
func (a *App) GetBook(ctx context.Context, id string) (domain.Book, bool, error) {
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return domain.Book{}, false, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return domain.Book{}, false, nil
	}
	if err := a.refreshImageURL(ctx, &book); err != nil {
		return domain.Book{}, false, err
	}
	return book, true, nil
}

// EditBook applies a partial update. With a new file the image key and URL
// are replaced (the old object is orphaned, not deleted); without one the
// stored image fields are untouched. Returns the affected row count.
func (a *App) EditBook(ctx context.Context, id string, edit BookEdit) (int64, error) {
	upd := store.BookUpdate{
		Title: edit.Title,
		Desc:  edit.Desc,
		Price: edit.Price,
	}
	if edit.File != nil {
		key, url, err := a.storeImage(ctx, edit.File)
		if err != nil {
			return 0, err
		}
		upd.ImageName = &key
		upd.ImageURL = &url
	}
	count, err := a.store.UpdateBook(id, upd)
	if err != nil {
		return 0, fmt.Errorf("update book: %w", err)
	}
	return count, nil
}

// DeleteBook removes the row and reports the affected count. The underlying
// object is left behind; zero affected rows is not an error.
func (a *App) DeleteBook(ctx context.Context, id string) (int64, error) {
	count, err := a.store.DeleteBook(id)
	if err != nil {
		return 0, fmt.Errorf("delete book: %w", err)
	}
	return count, nil
}

// Register creates an account. The unique index on email is the real
// duplicate guard; the lookup only shapes the error for the common case.
func (a *App) Register(email, password, name string) error {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" || strings.TrimSpace(name) == "" {
		return ErrRegistrationFieldsRequired
	}
	if _, exists, err := a.store.GetUserByEmail(email); err != nil {
		return fmt.Errorf("check email: %w", err)
	} else if exists {
		return ErrUserExists
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Name:         strings.TrimSpace(name),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return ErrUserExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// Login verifies credentials and issues one access and one refresh token,
// registering the refresh token for later redemption.
func (a *App) Login(email, password string) (domain.User, string, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", "", fmt.Errorf("lookup user: %w", err)
	}
	if !ok {
		return domain.User{}, "", "", ErrUserNotFound
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", "", ErrWrongCredentials
	}
	id := domain.Identity{UserID: user.ID, IsAdmin: user.IsAdmin}
	access, err := a.tokens.IssueAccess(id)
	if err != nil {
		return domain.User{}, "", "", fmt.Errorf("issue access token: %w", err)
	}
	refresh, err := a.tokens.IssueRefresh(id)
	if err != nil {
		return domain.User{}, "", "", fmt.Errorf("issue refresh token: %w", err)
	}
	return user, access, refresh, nil
}

// Refresh redeems a registered refresh token for a new access token. The
// refresh token is not rotated: it stays redeemable until revoked.
func (a *App) Refresh(refreshToken string) (string, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return "", ErrRefreshTokenRequired
	}
	access, err := a.tokens.Redeem(refreshToken)
	if err != nil {
		if errors.Is(err, token.ErrTokenNotRegistered) || errors.Is(err, token.ErrInvalidToken) {
			return "", ErrInvalidRefreshToken
		}
		return "", err
	}
	return access, nil
}

// VerifyAccess resolves a bearer access token to the caller identity.
func (a *App) VerifyAccess(accessToken string) (domain.Identity, error) {
	return a.tokens.VerifyAccess(accessToken)
}

// Logout revokes a refresh token unconditionally and always succeeds.
func (a *App) Logout(refreshToken string) error {
	return a.tokens.Revoke(refreshToken)
}

// ListUsers returns all accounts. Credential fields never serialize.
func (a *App) ListUsers() ([]domain.User, error) {
	return a.store.ListUsers()
}

// DeleteUser removes an account after a self-or-admin check. The store is
// not touched when the caller is neither; a missing target still reports
// success, matching delete-is-idempotent semantics.
func (a *App) DeleteUser(caller domain.Identity, targetID string) error {
	if caller.UserID != targetID && !caller.IsAdmin {
		return ErrNotAllowed
	}
	if _, err := a.store.DeleteUser(targetID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (a *App) storeImage(ctx context.Context, file *Upload) (key, url string, err error) {
	key, err = newObjectKey()
	if err != nil {
		return "", "", err
	}
	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := a.objects.Put(ctx, key, file.Reader, file.Size, contentType); err != nil {
		return "", "", fmt.Errorf("store image: %w", err)
	}
	url, err = a.objects.PresignGet(ctx, key, a.signedURLTTL)
	if err != nil {
		return "", "", fmt.Errorf("sign image url: %w", err)
	}
	return key, url, nil
}

func (a *App) refreshImageURL(ctx context.Context, book *domain.Book) error {
	if book.ImageName == "" {
		book.ImageURL = a.placeholderURL
		return nil
	}
	url, err := a.objects.PresignGet(ctx, book.ImageName, a.signedURLTTL)
	if err != nil {
		return fmt.Errorf("sign image url: %w", err)
	}
	book.ImageURL = url
	return nil
}

// Object keys are opaque 256-bit random tokens, never derived from the
// uploaded filename or content.
func newObjectKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
