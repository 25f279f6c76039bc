package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bookshelf/internal/app"
	"bookshelf/pkg/storage"
	"bookshelf/pkg/store"
	"bookshelf/pkg/token"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	tokens, err := token.NewService("access-secret", "refresh-secret", time.Minute, store.NewMemoryRefreshTokenRegistry())
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	core, err := app.New(app.Config{
		Store:               store.NewMemoryStore(),
		Objects:             storage.NewMemoryStore(),
		Tokens:              tokens,
		SignedURLTTL:        time.Hour,
		PlaceholderImageURL: "https://example.com/placeholder.png",
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	srv, err := New(Config{App: core})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func bookFormBody(t *testing.T, fields map[string]string, fileName string, fileContent []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	if fileName != "" {
		fw, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(fileContent); err != nil {
			t.Fatalf("write file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func createBook(t *testing.T, ts *httptest.Server, fields map[string]string, fileName string, fileContent []byte) map[string]any {
	t.Helper()
	body, contentType := bookFormBody(t, fields, fileName, fileContent)
	resp, err := http.Post(ts.URL+"/books", contentType, body)
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create book status = %d, want 201", resp.StatusCode)
	}
	var book map[string]any
	decodeBody(t, resp, &book)
	return book
}

func registerAndLogin(t *testing.T, ts *httptest.Server, email string) (access, refresh string) {
	t.Helper()
	resp := postJSON(t, ts.URL+"/register", map[string]string{
		"email":    email,
		"password": "hunter22",
		"name":     "Test User",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}
	resp = postJSON(t, ts.URL+"/login", map[string]string{
		"email":    email,
		"password": "hunter22",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	decodeBody(t, resp, &out)
	if out.AccessToken == "" || out.RefreshToken == "" {
		t.Fatal("login returned empty tokens")
	}
	return out.AccessToken, out.RefreshToken
}

func authedRequest(t *testing.T, method, url, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestGetBookRequiresAuth(t *testing.T) {
	ts := newTestServer(t)
	book := createBook(t, ts, map[string]string{"title": "Dune", "price": "9.99"}, "", nil)
	id := book["id"].(string)

	resp := authedRequest(t, http.MethodGet, ts.URL+"/books/"+id, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", resp.StatusCode)
	}

	resp = authedRequest(t, http.MethodGet, ts.URL+"/books/"+id, "not-a-jwt")
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("garbage token status = %d, want 403", resp.StatusCode)
	}

	access, _ := registerAndLogin(t, ts, "reader@example.com")
	resp = authedRequest(t, http.MethodGet, ts.URL+"/books/"+id, access)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid token status = %d, want 200", resp.StatusCode)
	}
	var books []map[string]any
	decodeBody(t, resp, &books)
	if len(books) != 1 {
		t.Fatalf("got %d books, want 1", len(books))
	}
}

func TestGetMissingBookReturnsEmptyArray(t *testing.T) {
	ts := newTestServer(t)
	access, _ := registerAndLogin(t, ts, "reader@example.com")
	resp := authedRequest(t, http.MethodGet, ts.URL+"/books/no-such-id", access)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var books []map[string]any
	decodeBody(t, resp, &books)
	if len(books) != 0 {
		t.Fatalf("got %d books, want 0", len(books))
	}
}

func TestListResignsImageURLs(t *testing.T) {
	ts := newTestServer(t)
	createBook(t, ts, map[string]string{"title": "Dune", "price": "9.99"}, "cover.png", []byte("png-bytes"))

	listOnce := func() string {
		resp, err := http.Get(ts.URL + "/books")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("list status = %d, want 200", resp.StatusCode)
		}
		var books []map[string]any
		decodeBody(t, resp, &books)
		if len(books) != 1 {
			t.Fatalf("got %d books, want 1", len(books))
		}
		url, _ := books[0]["imageUrl"].(string)
		if url == "" {
			t.Fatal("book with cover has empty imageUrl")
		}
		return url
	}

	first := listOnce()
	second := listOnce()
	if first == second {
		t.Fatalf("signed URL did not change between listings: %s", first)
	}
}

func TestListUsesPlaceholderWithoutCover(t *testing.T) {
	ts := newTestServer(t)
	createBook(t, ts, map[string]string{"title": "Dune", "price": "9.99"}, "", nil)
	resp, err := http.Get(ts.URL + "/books")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var books []map[string]any
	decodeBody(t, resp, &books)
	if got := books[0]["imageUrl"]; got != "https://example.com/placeholder.png" {
		t.Fatalf("imageUrl = %v, want placeholder", got)
	}
}

func TestCreateBookValidation(t *testing.T) {
	ts := newTestServer(t)

	body, contentType := bookFormBody(t, map[string]string{"title": "Dune", "price": "cheap"}, "", nil)
	resp, err := http.Post(ts.URL+"/books", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad price status = %d, want 400", resp.StatusCode)
	}

	body, contentType = bookFormBody(t, map[string]string{"price": "9.99"}, "", nil)
	resp, err = http.Post(ts.URL+"/books", contentType, body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing title status = %d, want 400", resp.StatusCode)
	}
}

func TestEditBookPreservesOmittedFields(t *testing.T) {
	ts := newTestServer(t)
	book := createBook(t, ts, map[string]string{"title": "Dune", "desc": "sand", "price": "9.99"}, "", nil)
	id := book["id"].(string)

	body, contentType := bookFormBody(t, map[string]string{"title": "Dune Messiah"}, "", nil)
	req, err := http.NewRequest(http.MethodPut, ts.URL+"/books/"+id, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	var ack map[string]int64
	decodeBody(t, resp, &ack)
	if ack["updated"] != 1 {
		t.Fatalf("updated = %d, want 1", ack["updated"])
	}

	access, _ := registerAndLogin(t, ts, "editor@example.com")
	getResp := authedRequest(t, http.MethodGet, ts.URL+"/books/"+id, access)
	var books []map[string]any
	decodeBody(t, getResp, &books)
	if books[0]["title"] != "Dune Messiah" {
		t.Fatalf("title = %v, want Dune Messiah", books[0]["title"])
	}
	if books[0]["desc"] != "sand" {
		t.Fatalf("desc = %v, want preserved", books[0]["desc"])
	}
	if books[0]["price"] != 9.99 {
		t.Fatalf("price = %v, want preserved", books[0]["price"])
	}
}

func TestDeleteBookReportsCount(t *testing.T) {
	ts := newTestServer(t)
	book := createBook(t, ts, map[string]string{"title": "Dune", "price": "9.99"}, "", nil)
	id := book["id"].(string)
	access, _ := registerAndLogin(t, ts, "owner@example.com")

	resp := authedRequest(t, http.MethodDelete, ts.URL+"/books/"+id, access)
	var ack map[string]int64
	decodeBody(t, resp, &ack)
	if ack["deleted"] != 1 {
		t.Fatalf("deleted = %d, want 1", ack["deleted"])
	}

	resp = authedRequest(t, http.MethodDelete, ts.URL+"/books/"+id, access)
	decodeBody(t, resp, &ack)
	if ack["deleted"] != 0 {
		t.Fatalf("second delete = %d, want 0", ack["deleted"])
	}
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	ts := newTestServer(t)
	registerAndLogin(t, ts, "dup@example.com")
	resp := postJSON(t, ts.URL+"/register", map[string]string{
		"email":    "dup@example.com",
		"password": "other-pass",
		"name":     "Other",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestLoginFailureModes(t *testing.T) {
	ts := newTestServer(t)
	registerAndLogin(t, ts, "alice@example.com")

	resp := postJSON(t, ts.URL+"/login", map[string]string{
		"email":    "nobody@example.com",
		"password": "whatever",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown user status = %d, want 404", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/login", map[string]string{
		"email":    "alice@example.com",
		"password": "wrong",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong password status = %d, want 403", resp.StatusCode)
	}
}

func TestRefreshAndLogoutFlow(t *testing.T) {
	ts := newTestServer(t)
	book := createBook(t, ts, map[string]string{"title": "Dune", "price": "9.99"}, "", nil)
	id := book["id"].(string)
	_, refresh := registerAndLogin(t, ts, "bob@example.com")

	resp := postJSON(t, ts.URL+"/refresh", map[string]string{"token": refresh})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200", resp.StatusCode)
	}
	var out map[string]string
	decodeBody(t, resp, &out)
	if out["accessToken"] == "" {
		t.Fatal("refresh returned empty access token")
	}

	getResp := authedRequest(t, http.MethodGet, ts.URL+"/books/"+id, out["accessToken"])
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("refreshed token status = %d, want 200", getResp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/logout", map[string]string{"token": refresh})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d, want 200", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/refresh", map[string]string{"token": refresh})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("refresh after logout status = %d, want 403", resp.StatusCode)
	}
}

func TestRefreshWithoutTokenIsUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	resp := postJSON(t, ts.URL+"/refresh", map[string]string{"token": ""})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("empty refresh token status = %d, want 401", resp.StatusCode)
	}
}

func TestUsersListingHidesCredentials(t *testing.T) {
	ts := newTestServer(t)
	registerAndLogin(t, ts, "carol@example.com")
	resp, err := http.Get(ts.URL + "/users")
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if strings.Contains(strings.ToLower(string(raw)), "password") {
		t.Fatalf("listing leaks credential material: %s", raw)
	}
	var users []map[string]any
	if err := json.Unmarshal(raw, &users); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("got %d users, want 1", len(users))
	}
	if users[0]["email"] != "carol@example.com" {
		t.Fatalf("email = %v", users[0]["email"])
	}
}

func TestDeleteUserRequiresSelfOrAdmin(t *testing.T) {
	ts := newTestServer(t)
	accessA, _ := registerAndLogin(t, ts, "a@example.com")
	accessB, _ := registerAndLogin(t, ts, "b@example.com")

	resp, err := http.Get(ts.URL + "/users")
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	var users []map[string]any
	decodeBody(t, resp, &users)
	var idA, idB string
	for _, u := range users {
		switch u["email"] {
		case "a@example.com":
			idA = u["id"].(string)
		case "b@example.com":
			idB = u["id"].(string)
		}
	}
	if idA == "" || idB == "" {
		t.Fatalf("missing user ids in %v", users)
	}

	del := authedRequest(t, http.MethodDelete, ts.URL+"/users/"+idA, accessB)
	del.Body.Close()
	if del.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-user delete status = %d, want 403", del.StatusCode)
	}

	del = authedRequest(t, http.MethodDelete, ts.URL+"/users/"+idB, accessB)
	del.Body.Close()
	if del.StatusCode != http.StatusOK {
		t.Fatalf("self delete status = %d, want 200", del.StatusCode)
	}

	del = authedRequest(t, http.MethodDelete, fmt.Sprintf("%s/users/%s", ts.URL, idA), accessA)
	del.Body.Close()
	if del.StatusCode != http.StatusOK {
		t.Fatalf("self delete status = %d, want 200", del.StatusCode)
	}
}
