package binder

import "errors"

var (
	errClosed  = errors.New("binder: closed")
	errStarted = errors.New("binder: already started")
)
