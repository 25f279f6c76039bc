package auth

import "testing"

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "correct horse battery staple" {
		t.Fatalf("hash must not equal the plaintext")
	}
	if !CheckPassword("correct horse battery staple", hash) {
		t.Fatalf("expected correct password to verify")
	}
	if CheckPassword("wrong password", hash) {
		t.Fatalf("expected wrong password to fail")
	}
}

func TestCheckPasswordRejectsGarbageHash(t *testing.T) {
	if CheckPassword("anything", "not-a-bcrypt-hash") {
		t.Fatalf("garbage hash must not verify")
	}
}
