package repository

import "errors"

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrDuplicateOrder    = errors.New("order already exists")
	ErrConflict          = errors.New("order conflict")
	ErrInvalidState      = errors.New("invalid order state")
	ErrInvalidCredential = errors.New("credential must not be blank")
)
