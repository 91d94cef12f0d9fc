package model

import (
	"errors"
	"fmt"
	"net/http"
)

// Status identifies the outcome of a store or router operation. HTTPStatus
// maps it onto a wire code at the response boundary; the internal values
// 490-493 become 400, 494 becomes 404, 598 becomes 500 and 599 becomes 502.
type Status int

const (
	StatusOK       Status = 200
	StatusCreated  Status = 201
	StatusAccepted Status = 202

	StatusNotModified Status = 304

	StatusBadRequest      Status = 400
	StatusBadJSON         Status = 490
	StatusBadParam        Status = 491
	StatusBadID           Status = 492
	StatusBadAttachment   Status = 493
	StatusUnauthorized    Status = 401
	StatusForbidden       Status = 403
	StatusNotFound        Status = 404
	StatusDeleted         Status = 494
	StatusConflict        Status = 409
	StatusDuplicate       Status = 412
	StatusUnsupportedType Status = 415

	StatusServerError Status = 500
	StatusCancelled   Status = 598
	StatusNetwork     Status = 599
)

// Error carries a Status plus an optional human-readable reason. It is the
// single error currency between storage, replicator and router; handlers map
// it to an HTTP code and a {error, reason} envelope.
type Error struct {
	Status Status
	Reason string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Status.Message(), e.Reason)
	}
	return e.Status.Message()
}

// NewError builds an *Error with a formatted reason.
func NewError(status Status, format string, args ...interface{}) *Error {
	return &Error{Status: status, Reason: fmt.Sprintf(format, args...)}
}

// StatusOf extracts the Status from err. Plain errors report StatusServerError;
// nil reports StatusOK.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Status
	}
	return StatusServerError
}

// HTTPStatus maps a Status to the wire code and CouchDB error string.
func (s Status) HTTPStatus() (int, string) {
	switch s {
	case StatusOK:
		return http.StatusOK, "ok"
	case StatusCreated:
		return http.StatusCreated, "created"
	case StatusAccepted:
		return http.StatusAccepted, "accepted"
	case StatusNotModified:
		return http.StatusNotModified, "not_modified"
	case StatusBadRequest:
		return http.StatusBadRequest, "bad_request"
	case StatusBadJSON:
		return http.StatusBadRequest, "bad_request"
	case StatusBadParam:
		return http.StatusBadRequest, "query_parse_error"
	case StatusBadID:
		return http.StatusBadRequest, "illegal_docid"
	case StatusBadAttachment:
		return http.StatusBadRequest, "bad_attachment"
	case StatusUnauthorized:
		return http.StatusUnauthorized, "unauthorized"
	case StatusForbidden:
		return http.StatusForbidden, "forbidden"
	case StatusNotFound:
		return http.StatusNotFound, "not_found"
	case StatusDeleted:
		return http.StatusNotFound, "deleted"
	case StatusConflict:
		return http.StatusConflict, "conflict"
	case StatusDuplicate:
		return http.StatusPreconditionFailed, "file_exists"
	case StatusUnsupportedType:
		return http.StatusUnsupportedMediaType, "bad_content_type"
	case StatusCancelled:
		return http.StatusInternalServerError, "cancelled"
	case StatusNetwork:
		return http.StatusBadGateway, "network_error"
	default:
		return http.StatusInternalServerError, "internal_server_error"
	}
}

// Message returns the CouchDB error string for the status.
func (s Status) Message() string {
	_, msg := s.HTTPStatus()
	return msg
}

// IsSuccess reports whether the status is in the 2xx range.
func (s Status) IsSuccess() bool { return s >= 200 && s < 300 }

// IsCancelled reports whether err represents a cancelled request. Cancellation
// is expected during replicator stop and is never surfaced as a failure.
func IsCancelled(err error) bool {
	return StatusOf(err) == StatusCancelled || errors.Is(err, ErrCancelled)
}

var (
	// ErrNotFound is returned when a document or database is not found.
	ErrNotFound = &Error{Status: StatusNotFound}
	// ErrDeleted is returned when the requested revision is a tombstone.
	ErrDeleted = &Error{Status: StatusDeleted}
	// ErrConflict is returned when an update loses an optimistic-concurrency race.
	ErrConflict = &Error{Status: StatusConflict}
	// ErrDuplicate is returned when creating something that already exists.
	ErrDuplicate = &Error{Status: StatusDuplicate}
	// ErrCancelled is returned for requests torn down by a stop.
	ErrCancelled = &Error{Status: StatusCancelled}
)
