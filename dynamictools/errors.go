package dynamictools

import "errors"

// ErrInvalidSchema wraps a failure to unmarshal or compile a tool's
// declared input schema at registration time.
var ErrInvalidSchema = errors.New("dynamictools: invalid input schema")
