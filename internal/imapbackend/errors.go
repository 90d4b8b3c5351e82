package imapbackend

import "errors"

// ErrUnavailable covers connection, select, search, and fetch failures.
// The engine maps this to ifap.ErrBackendUnavailable.
var ErrUnavailable = errors.New("imapbackend: unavailable")

// ErrAppendFailed covers append failures. The engine maps this to
// ifap.ErrAppendFailed.
var ErrAppendFailed = errors.New("imapbackend: append failed")

var (
	errBackendUnavailable = ErrUnavailable
	errAppendFailed       = ErrAppendFailed
)
