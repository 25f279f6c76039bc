package server

import (
	"errors"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"

	"bookshelf/internal/app"
	"bookshelf/internal/ratelimit"
	"bookshelf/internal/util"
	"bookshelf/pkg/domain"
)

const defaultMaxUploadBytes = 10 * 1024 * 1024

// Config wires required dependencies for the HTTP server.
type Config struct {
	App             *app.App
	RegisterLimiter *ratelimit.FixedWindowLimiter
	LoginLimiter    *ratelimit.FixedWindowLimiter
	MaxUploadBytes  int64
}

// Server exposes the HTTP endpoints of the backend.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	registerLimiter *ratelimit.FixedWindowLimiter
	loginLimiter    *ratelimit.FixedWindowLimiter
	maxUploadBytes  int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	maxBytes := cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	s := &Server{
		app:             cfg.App,
		mux:             http.NewServeMux(),
		registerLimiter: cfg.RegisterLimiter,
		loginLimiter:    cfg.LoginLimiter,
		maxUploadBytes:  maxBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestLog(util.WithCORS(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// books; list and create stay public, per-route gates below
	s.mux.HandleFunc("/books", s.handleBooks)
	s.mux.HandleFunc("/books/", s.handleBookByID)

	// accounts
	s.mux.HandleFunc("/register", s.handleRegister)
	s.mux.HandleFunc("/login", s.handleLogin)
	s.mux.HandleFunc("/refresh", s.handleRefresh)
	s.mux.HandleFunc("/logout", s.handleLogout)
	s.mux.HandleFunc("/users", s.handleUsers)
	s.mux.HandleFunc("/users/", s.handleUserByID)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, "Hi!, This is the Backend !")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorize gates a request on a valid bearer access token. A missing or
// malformed header and an invalid token are reported differently: the first
// is unauthenticated, the second forbidden.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	tok, ok := bearerToken(r)
	if !ok {
		s.audit(r, "authorize", "fail", "reason", "missing_token")
		writeError(w, http.StatusUnauthorized, "you are not authenticated")
		return domain.Identity{}, false
	}
	id, err := s.app.VerifyAccess(tok)
	if err != nil {
		s.audit(r, "authorize", "fail", "reason", "invalid_or_expired_token")
		writeError(w, http.StatusForbidden, "token is not valid")
		return domain.Identity{}, false
	}
	s.audit(r, "authorize", "success", "user_id", id.UserID)
	return id, true
}

// /books
func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		books, err := s.app.ListBooks(r.Context())
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, books)
	case http.MethodPost:
		s.handleAddBook(w, r)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleAddBook(w http.ResponseWriter, r *http.Request) {
	form, upload, ok := s.parseBookForm(w, r)
	if !ok {
		return
	}
	if form.Price == nil {
		writeError(w, http.StatusBadRequest, "price is required")
		return
	}
	title, desc := "", ""
	if form.Title != nil {
		title = *form.Title
	}
	if form.Desc != nil {
		desc = *form.Desc
	}
	book, err := s.app.AddBook(r.Context(), title, desc, *form.Price, upload)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

// /books/{id}
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/books/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet:
		if _, ok := s.authorize(w, r); !ok {
			return
		}
		book, found, err := s.app.GetBook(r.Context(), id)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		// An empty array signals "no such row"; a found-but-imageless book
		// is one element carrying the placeholder URL.
		if !found {
			writeJSON(w, http.StatusOK, []domain.Book{})
			return
		}
		writeJSON(w, http.StatusOK, []domain.Book{book})
	case http.MethodDelete:
		if _, ok := s.authorize(w, r); !ok {
			return
		}
		count, err := s.app.DeleteBook(r.Context(), id)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"deleted": count})
	case http.MethodPut:
		s.handleEditBook(w, r, id)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleEditBook(w http.ResponseWriter, r *http.Request, id string) {
	form, upload, ok := s.parseBookForm(w, r)
	if !ok {
		return
	}
	count, err := s.app.EditBook(r.Context(), id, app.BookEdit{
		Title: form.Title,
		Desc:  form.Desc,
		Price: form.Price,
		File:  upload,
	})
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": count})
}

type bookForm struct {
	Title *string
	Desc  *string
	Price *float64
}

// parseBookForm reads the multipart body shared by add and edit. Fields are
// pointers so edit can distinguish "absent" from "empty". On failure the
// response has already been written.
func (s *Server) parseBookForm(w http.ResponseWriter, r *http.Request) (bookForm, *app.Upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return bookForm{}, nil, false
	}
	var form bookForm
	if vals, ok := r.MultipartForm.Value["title"]; ok && len(vals) > 0 {
		form.Title = &vals[0]
	}
	if vals, ok := r.MultipartForm.Value["desc"]; ok && len(vals) > 0 {
		form.Desc = &vals[0]
	}
	if vals, ok := r.MultipartForm.Value["price"]; ok && len(vals) > 0 {
		price, err := strconv.ParseFloat(strings.TrimSpace(vals[0]), 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "price must be a number")
			return bookForm{}, nil, false
		}
		form.Price = &price
	}
	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return form, nil, true
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file upload")
		return bookForm{}, nil, false
	}
	// The handler outlives this function; the multipart reader is closed by
	// the request teardown.
	upload := &app.Upload{
		Reader:      file,
		Size:        header.Size,
		ContentType: fileContentType(header),
	}
	return form, upload, true
}

func fileContentType(header *multipart.FileHeader) string {
	if ct := header.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// account handlers
type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	User         domain.User `json:"user"`
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
}

type refreshRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.registerLimiter, "too many registration attempts") {
		s.audit(r, "register", "rate_limited")
		return
	}
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.Register(req.Email, req.Password, req.Name); err != nil {
		s.audit(r, "register", "fail", "reason", err.Error())
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "register", "success")
	writeJSON(w, http.StatusCreated, map[string]string{"message": "user created"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "login", "rate_limited")
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, access, refresh, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		s.audit(r, "login", "fail", "reason", err.Error())
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, loginResponse{
		User:         user,
		AccessToken:  access,
		RefreshToken: refresh,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	access, err := s.app.Refresh(req.Token)
	if err != nil {
		s.audit(r, "refresh", "fail", "reason", err.Error())
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "refresh", "success")
	writeJSON(w, http.StatusOK, map[string]string{"accessToken": access})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.Logout(req.Token); err != nil {
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "logout", "success")
	writeJSON(w, http.StatusOK, map[string]string{"message": "you logged out successfully"})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	users, err := s.app.ListUsers()
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// /users/{userId}
func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/users/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	caller, ok := s.authorize(w, r)
	if !ok {
		return
	}
	if err := s.app.DeleteUser(caller, id); err != nil {
		s.audit(r, "user.delete", "fail", "caller_id", caller.UserID, "target_id", id)
		s.writeAppError(w, err)
		return
	}
	s.audit(r, "user.delete", "success", "caller_id", caller.UserID, "target_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "user has been deleted"})
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrUserExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	// A refresh call with no token at all is an unauthenticated request, not
	// a malformed one.
	case errors.Is(err, app.ErrRefreshTokenRequired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrWrongCredentials),
		errors.Is(err, app.ErrInvalidRefreshToken),
		errors.Is(err, app.ErrNotAllowed):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrRegistrationFieldsRequired),
		errors.Is(err, app.ErrTitleRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "server error")
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + clientIP(r)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func clientIP(r *http.Request) string {
	if xfwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xfwd != "" {
		parts := strings.Split(xfwd, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
