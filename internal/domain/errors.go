package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidImage  = errors.New("invalid image")
	ErrImageTooLarge = errors.New("image too large")
)
