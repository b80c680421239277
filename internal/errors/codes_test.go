package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestStorageError_Is(t *testing.T) {
	err := fmt.Errorf("get failed: %w", KeyNotFound("wifi", "ssid"))

	assert.True(t, stderrors.Is(err, ErrNotFound))
	assert.False(t, stderrors.Is(err, ErrNoSpace))
	assert.Equal(t, ErrCodeKeyNotFound, GetCode(err))

	assert.True(t, stderrors.Is(KeyTooLong("very-long-key-name", 15), ErrInvalidArgument))
	assert.True(t, stderrors.Is(ValueTooLarge(10, 5), ErrInvalidArgument))
	assert.False(t, stderrors.Is(TypeMismatch("k", "u8", "string"), ErrInvalidArgument))
}

func TestStorageError_Unwrap(t *testing.T) {
	cause := stderrors.New("flash write requires erase")
	err := WriteFailed("write item", cause)

	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, stderrors.Is(err, ErrWriteFailed))
	assert.Equal(t, "write item: flash write requires erase", err.Error())
}

func TestToGRPCStatus(t *testing.T) {
	tests := []struct {
		name string
		err  *StorageError
		code codes.Code
	}{
		{"not found", KeyNotFound("ns", "k"), codes.NotFound},
		{"no space", NoSpace("full", nil), codes.ResourceExhausted},
		{"corrupt", CorruptStore("bad table", nil), codes.DataLoss},
		{"key too long", KeyTooLong("0123456789abcdef", 15), codes.InvalidArgument},
		{"read only", ReadOnly("ns"), codes.PermissionDenied},
		{"closed", Closed(), codes.Unavailable},
		{"write failed", WriteFailed("w", nil), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.ToGRPCStatus().Code())
		})
	}
}

func TestGRPCRoundTrip(t *testing.T) {
	err := ToGRPCError(fmt.Errorf("wrapped: %w", KeyNotFound("ns", "k")))
	st, ok := status.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, codes.NotFound, st.Code())

	back := FromGRPCError(err)
	assert.True(t, stderrors.Is(back, ErrNotFound))

	assert.Equal(t, codes.Internal, status.Code(ToGRPCError(stderrors.New("boom"))))
	assert.Nil(t, ToGRPCError(nil))
	assert.True(t, IsStorageError(back))
}
