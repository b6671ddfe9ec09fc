package common

import (
	"errors"
	"fmt"
)

var (
	// ErrOrderNotFound is returned by cancel/fetch when the venue does not
	// know the order id. Cancel paths treat it as already done.
	ErrOrderNotFound = errors.New("order not found")

	// ErrNotSupported is returned for operations a venue cannot perform.
	ErrNotSupported = errors.New("operation not supported")
)

// APIError preserves a venue error response for classification upstream.
type APIError struct {
	Exchange   string
	HTTPStatus int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error %d (http %d): %s", e.Exchange, e.Code, e.HTTPStatus, e.Message)
}
