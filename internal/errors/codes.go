package errors

import (
	"context"
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for store operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors
	ErrCodeInvalidArgument ErrorCode = 1000
	ErrCodeKeyNotFound     ErrorCode = 1001
	ErrCodeKeyTooLong      ErrorCode = 1002
	ErrCodeValueTooLarge   ErrorCode = 1003
	ErrCodeInvalidKey      ErrorCode = 1004
	ErrCodeTypeMismatch    ErrorCode = 1005
	ErrCodeReadOnly        ErrorCode = 1006

	// Store errors
	ErrCodeInternal     ErrorCode = 2000
	ErrCodeNoSpace      ErrorCode = 2001
	ErrCodeCorruptStore ErrorCode = 2002
	ErrCodeWriteFailed  ErrorCode = 2003
	ErrCodeEraseFailed  ErrorCode = 2004
	ErrCodeReadFailed   ErrorCode = 2005
	ErrCodeClosed       ErrorCode = 2006
	ErrCodeRegionInUse  ErrorCode = 2007
	ErrCodeNotReady     ErrorCode = 2008
)

// Sentinels for errors.Is. Any StorageError with the same code matches.
var (
	ErrNotFound        = &StorageError{Code: ErrCodeKeyNotFound, Message: "not found"}
	ErrInvalidArgument = &StorageError{Code: ErrCodeInvalidArgument, Message: "invalid argument"}
	ErrTypeMismatch    = &StorageError{Code: ErrCodeTypeMismatch, Message: "type mismatch"}
	ErrReadOnly        = &StorageError{Code: ErrCodeReadOnly, Message: "namespace opened read-only"}
	ErrNoSpace         = &StorageError{Code: ErrCodeNoSpace, Message: "no space"}
	ErrCorruptStore    = &StorageError{Code: ErrCodeCorruptStore, Message: "corrupt store"}
	ErrWriteFailed     = &StorageError{Code: ErrCodeWriteFailed, Message: "write failed"}
	ErrEraseFailed     = &StorageError{Code: ErrCodeEraseFailed, Message: "erase failed"}
	ErrReadFailed      = &StorageError{Code: ErrCodeReadFailed, Message: "read failed"}
	ErrClosed          = &StorageError{Code: ErrCodeClosed, Message: "store closed"}
	ErrRegionInUse     = &StorageError{Code: ErrCodeRegionInUse, Message: "region in use"}
	ErrNotReady        = &StorageError{Code: ErrCodeNotReady, Message: "store not ready"}
)

// StorageError represents a structured error with code and context
type StorageError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches any StorageError with the same code. Key length and value size
// errors also match ErrInvalidArgument.
func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	if !ok {
		return false
	}
	if t.Code == e.Code {
		return true
	}
	return t.Code == ErrCodeInvalidArgument && e.isInvalidArgument()
}

func (e *StorageError) isInvalidArgument() bool {
	switch e.Code {
	case ErrCodeInvalidArgument, ErrCodeKeyTooLong, ErrCodeValueTooLarge, ErrCodeInvalidKey:
		return true
	}
	return false
}

// ToGRPCStatus converts StorageError to gRPC status
func (e *StorageError) ToGRPCStatus() *status.Status {
	grpcCode := e.toGRPCCode()
	return status.New(grpcCode, e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *StorageError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeKeyTooLong, ErrCodeValueTooLarge, ErrCodeInvalidKey:
		return codes.InvalidArgument
	case ErrCodeTypeMismatch:
		return codes.FailedPrecondition
	case ErrCodeReadOnly:
		return codes.PermissionDenied
	case ErrCodeKeyNotFound:
		return codes.NotFound
	case ErrCodeNoSpace:
		return codes.ResourceExhausted
	case ErrCodeCorruptStore:
		return codes.DataLoss
	case ErrCodeClosed, ErrCodeNotReady, ErrCodeRegionInUse:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewStorageError creates a new StorageError
func NewStorageError(code ErrorCode, message string, cause error) *StorageError {
	return &StorageError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *StorageError) WithDetail(key string, value interface{}) *StorageError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInvalidArgument, message, cause)
}

func KeyNotFound(namespace, key string) *StorageError {
	return NewStorageError(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %s:%s", namespace, key), nil).
		WithDetail("namespace", namespace).
		WithDetail("key", key)
}

func NamespaceNotFound(namespace string) *StorageError {
	return NewStorageError(ErrCodeKeyNotFound, fmt.Sprintf("namespace not found: %s", namespace), nil).
		WithDetail("namespace", namespace)
}

func KeyTooLong(key string, maxLen int) *StorageError {
	return NewStorageError(ErrCodeKeyTooLong, fmt.Sprintf("key %q exceeds %d bytes", key, maxLen), nil).
		WithDetail("size", len(key)).
		WithDetail("max_size", maxLen)
}

func ValueTooLarge(size, maxSize int) *StorageError {
	return NewStorageError(ErrCodeValueTooLarge, fmt.Sprintf("value size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func InvalidKey(key, reason string) *StorageError {
	return NewStorageError(ErrCodeInvalidKey, fmt.Sprintf("invalid key '%s': %s", key, reason), nil).
		WithDetail("key", key).
		WithDetail("reason", reason)
}

func TypeMismatch(key, want, got string) *StorageError {
	return NewStorageError(ErrCodeTypeMismatch, fmt.Sprintf("key %s holds %s, not %s", key, got, want), nil).
		WithDetail("key", key).
		WithDetail("want", want).
		WithDetail("got", got)
}

func ReadOnly(namespace string) *StorageError {
	return NewStorageError(ErrCodeReadOnly, fmt.Sprintf("namespace %s opened read-only", namespace), nil).
		WithDetail("namespace", namespace)
}

func InternalError(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeInternal, message, cause)
}

func NoSpace(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeNoSpace, message, cause)
}

func CorruptStore(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeCorruptStore, message, cause)
}

func WriteFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeWriteFailed, message, cause)
}

func EraseFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeEraseFailed, message, cause)
}

func ReadFailed(message string, cause error) *StorageError {
	return NewStorageError(ErrCodeReadFailed, message, cause)
}

func Closed() *StorageError {
	return NewStorageError(ErrCodeClosed, "store closed", nil)
}

func NotReady(state string) *StorageError {
	return NewStorageError(ErrCodeNotReady, fmt.Sprintf("store is %s", state), nil).
		WithDetail("state", state)
}

func RegionInUse(cause error) *StorageError {
	return NewStorageError(ErrCodeRegionInUse, "region already owned by another store", cause)
}

// IsStorageError checks if an error is a StorageError
func IsStorageError(err error) bool {
	var se *StorageError
	return stderrors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// ToGRPCError converts any error to a gRPC status error
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if stderrors.As(err, &se) {
		return se.ToGRPCStatus().Err()
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// FromGRPCError rebuilds a StorageError from a gRPC status error so clients
// can keep using errors.Is with the sentinels.
func FromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var code ErrorCode
	switch st.Code() {
	case codes.NotFound:
		code = ErrCodeKeyNotFound
	case codes.InvalidArgument:
		code = ErrCodeInvalidArgument
	case codes.FailedPrecondition:
		code = ErrCodeTypeMismatch
	case codes.PermissionDenied:
		code = ErrCodeReadOnly
	case codes.ResourceExhausted:
		code = ErrCodeNoSpace
	case codes.DataLoss:
		code = ErrCodeCorruptStore
	case codes.Unavailable:
		code = ErrCodeNotReady
	default:
		code = ErrCodeInternal
	}
	return NewStorageError(code, st.Message(), nil)
}
