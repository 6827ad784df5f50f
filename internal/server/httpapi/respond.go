package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/and161185/goph-chat/internal/convert"
	"github.com/and161185/goph-chat/internal/errs"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

func errorBody(msg string) convert.Error { return convert.Error{Error: msg} }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(k errs.Kind) int {
	switch k {
	case errs.KindInvalidRequest:
		return http.StatusBadRequest
	case errs.KindUnauthenticated:
		return http.StatusUnauthorized
	case errs.KindForbidden:
		return http.StatusForbidden
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindMissingIdentityKey:
		return http.StatusConflict
	case errs.KindConflict:
		return http.StatusConflict
	case errs.KindRateLimited:
		return http.StatusTooManyRequests
	case errs.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteError hides internal causes; typed errors are echoed to the caller.
func WriteError(w http.ResponseWriter, log *zap.Logger, err error) {
	k := errs.KindOf(err)
	msg := err.Error()
	switch k {
	case errs.KindInternal:
		if log != nil {
			log.Error("request failed", zap.Error(err))
		}
		msg = "internal"
	case errs.KindUnauthenticated:
		msg = "unauthenticated"
	}
	writeJSON(w, StatusOf(k), errorBody(msg))
}

// decode reads one JSON object; unknown fields and trailing data are rejected.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Invalid("bad json: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errs.Invalid("bad json: trailing data")
	}
	return nil
}
