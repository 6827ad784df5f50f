package errs

import "errors"

// Kind is the closed set of error categories surfaced at component boundaries.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidRequest
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindMissingIdentityKey
	KindConflict
	KindRateLimited
)

var kindNames = [...]string{
	KindInternal:           "internal",
	KindInvalidRequest:     "invalid_request",
	KindUnauthenticated:    "unauthenticated",
	KindForbidden:          "forbidden",
	KindNotFound:           "not_found",
	KindMissingIdentityKey: "missing_identity_key",
	KindConflict:           "conflict",
	KindRateLimited:        "rate_limited",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// KindOf classifies err. Unknown errors (including nil-wrapped driver errors) are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthenticated
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrMissingIdentityKey):
		return KindMissingIdentityKey
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrVersionConflict):
		return KindConflict
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindInternal
	}
}
