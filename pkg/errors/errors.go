package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrDocumentNotFound     = errors.New("document not found")
	ErrDocumentExists       = errors.New("document already exists")
	ErrShardUnavailable     = errors.New("shard unavailable")
	ErrNoShardsAvailable    = errors.New("no shards available")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidDocument      = errors.New("invalid document")
	ErrInvalidQuery         = errors.New("invalid query")
	ErrDocumentTooLarge     = errors.New("document exceeds maximum size")
	ErrTransactionConflict  = errors.New("transaction conflict")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrTransactionTimeout   = errors.New("transaction timed out")
	ErrQueryTimeout         = errors.New("query timed out")
	ErrRateLimited          = errors.New("rate limit exceeded")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrInternal             = errors.New("internal error")
	ErrTimeout              = errors.New("operation timed out")
	ErrSystemOverloaded     = errors.New("system overloaded")
	ErrMaintenanceMode      = errors.New("system in maintenance mode")
	ErrEmptyRing            = errors.New("hash ring is empty")
	ErrNoCandidates         = errors.New("no eligible nodes for client")
	ErrShardNotFound        = errors.New("shard not found")
	ErrNodeNotFound         = errors.New("node not found")
)

// AppError wraps a sentinel error with an HTTP status code and a
// human-readable message, mirroring the error envelope in the external
// interfaces.
type AppError struct {
	Err        error
	Message    string
	StatusCode int
	Code       string
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
		Code:       codeFor(sentinel),
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
		Code:       codeFor(sentinel),
	}
}

// codeFor maps a sentinel error to the stable machine-readable code used in
// the error envelope's "code" field.
func codeFor(sentinel error) string {
	switch {
	case errors.Is(sentinel, ErrDocumentNotFound):
		return "DOCUMENT_NOT_FOUND"
	case errors.Is(sentinel, ErrDocumentExists):
		return "DOCUMENT_EXISTS"
	case errors.Is(sentinel, ErrShardUnavailable):
		return "SHARD_UNAVAILABLE"
	case errors.Is(sentinel, ErrNoShardsAvailable):
		return "NO_SHARDS_AVAILABLE"
	case errors.Is(sentinel, ErrInvalidDocument):
		return "INVALID_DOCUMENT"
	case errors.Is(sentinel, ErrInvalidQuery):
		return "INVALID_QUERY"
	case errors.Is(sentinel, ErrInvalidInput):
		return "INVALID_INPUT"
	case errors.Is(sentinel, ErrDocumentTooLarge):
		return "DOCUMENT_TOO_LARGE"
	case errors.Is(sentinel, ErrTransactionConflict):
		return "TRANSACTION_CONFLICT"
	case errors.Is(sentinel, ErrTransactionNotFound):
		return "TRANSACTION_NOT_FOUND"
	case errors.Is(sentinel, ErrTransactionTimeout):
		return "TRANSACTION_TIMEOUT"
	case errors.Is(sentinel, ErrQueryTimeout):
		return "QUERY_TIMEOUT"
	case errors.Is(sentinel, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(sentinel, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(sentinel, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(sentinel, ErrSystemOverloaded):
		return "SYSTEM_OVERLOADED"
	case errors.Is(sentinel, ErrMaintenanceMode):
		return "MAINTENANCE_MODE"
	case errors.Is(sentinel, ErrShardNotFound):
		return "SHARD_NOT_FOUND"
	case errors.Is(sentinel, ErrNodeNotFound):
		return "NODE_NOT_FOUND"
	case errors.Is(sentinel, ErrTimeout):
		return "TIMEOUT"
	default:
		return "INTERNAL_ERROR"
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrDocumentNotFound), errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrShardNotFound), errors.Is(err, ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDocumentExists), errors.Is(err, ErrTransactionConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidDocument), errors.Is(err, ErrInvalidQuery), errors.Is(err, ErrDocumentTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrQueryTimeout), errors.Is(err, ErrTransactionTimeout), errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrShardUnavailable), errors.Is(err, ErrNoShardsAvailable), errors.Is(err, ErrSystemOverloaded), errors.Is(err, ErrMaintenanceMode):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
