package store

import "errors"

var (
	ErrNotFound                = errors.New("not found")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already claimed")
	ErrStatusMismatch          = errors.New("current status does not match expected")
	ErrAccountExists           = errors.New("account exists")
)
