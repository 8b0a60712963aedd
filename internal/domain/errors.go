package domain

import "errors"

// ErrInvalidScopeKey is returned for malformed scope/period combinations.
var ErrInvalidScopeKey = errors.New("invalid scope key")
