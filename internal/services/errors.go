package services

import "errors"

var (
	ErrInvalidInput       = errors.New("username and password are required")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrPasswordTooLong    = errors.New("password must be at most 72 bytes")
	ErrDuplicateUsername  = errors.New("username already exists")
	ErrWrongPassword      = errors.New("current password is incorrect")
	ErrNotFound           = errors.New("user not found")
	ErrInvalidRole        = errors.New("unknown role")
)
