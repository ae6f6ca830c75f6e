package server

import "errors"

var (
	ErrUsernameTaken     = errors.New("username already in use")
	ErrInvalidUsername   = errors.New("invalid username")
	ErrAlreadyRegistered = errors.New("connection already registered")
	ErrNotRegistered     = errors.New("connection not registered")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrTargetNotFound    = errors.New("target user not found")
	ErrSelfChat          = errors.New("cannot chat with yourself")
	ErrNoChat            = errors.New("no private chat with target")
)
