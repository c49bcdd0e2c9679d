package client

import "errors"

var (
	ErrRequestFailed     = errors.New("request failed")
	ErrNonHTTPResponse   = errors.New("non-HTTP response received")
	ErrInvalidIdentifier = errors.New("identifier must be alphanumeric")
	ErrLengthMismatch    = errors.New("response length differs from Content-Length")
)
