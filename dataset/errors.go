package dataset

import (
	"errors"
	"fmt"
)

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrBlobExists   = errors.New("blob already exists")

	ErrRecordExists = errors.New("file record already exists")

	ErrInvalidUserID     = errors.New("invalid user id")
	ErrInvalidIdentifier = errors.New("invalid sql identifier")
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrExcelUnavailable  = errors.New("excel extension is not loaded")

	ErrUserLeaseConflict = errors.New("user lease conflict")
)

// ErrorKind classifies failures for the HTTP layer.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindStorage    ErrorKind = "storage"
	KindEngineLoad ErrorKind = "engine_load"
	KindQuery      ErrorKind = "query"
	KindConflict   ErrorKind = "conflict"
)

// User-visible messages per kind.
const (
	MsgFileNotFound      = "File not found or has been removed"
	MsgUnsupportedFormat = "Unsupported file format. Accepted: CSV, Excel (.xlsx, .xls)"
	MsgUploadFailed      = "Failed to upload file"
	MsgLoadFailed        = "Failed to load file into the analytics engine"
	MsgDeleteFailed      = "Failed to delete file"
	MsgSyncBusy          = "Another operation is in progress for this user, try again shortly"
)

// Error carries a kind and a user-facing message; Err keeps the cause for logs.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when the
// error is unclassified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// MessageOf returns the user-facing message of a classified error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ""
}
