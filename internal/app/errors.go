package app

import "errors"

var (
	// ErrUserExists is user-facing and intentionally does not reveal anything
	// beyond the email being taken.
	ErrUserExists = errors.New("user exists, login instead")

	ErrUserNotFound = errors.New("user doesn't exist")

	// ErrWrongCredentials is returned on a password mismatch for an existing
	// account, distinct from ErrUserNotFound.
	ErrWrongCredentials = errors.New("wrong email or password")

	ErrRegistrationFieldsRequired = errors.New("email, password and name are required")
	ErrTitleRequired              = errors.New("title is required")

	ErrRefreshTokenRequired = errors.New("refresh token required")
	ErrInvalidRefreshToken  = errors.New("refresh token is not valid")

	ErrNotAllowed = errors.New("you are not allowed to delete this user")
)
