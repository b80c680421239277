package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/nvstore/internal/errors"
	"github.com/devrev/nvstore/internal/model"
)

const (
	// Size limits
	MaxKeySize       = 15        // fits the 16-byte NUL padded key field
	MaxNamespaceSize = 15        // namespace names are stored as keys
	MaxValueSize     = 64 * 1024 // 64 KB
)

// Validator validates store operations
type Validator struct {
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
	}
}

// NewValidatorWithLimits creates a validator with a custom value limit. The
// key limit is fixed by the on-flash format.
func NewValidatorWithLimits(maxValueSize int) *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: maxValueSize,
	}
}

// MaxValueSize returns the configured value limit
func (v *Validator) MaxValueSize() int {
	return v.maxValueSize
}

// ValidateWrite validates a set operation
func (v *Validator) ValidateWrite(namespace, key string, value model.Value) error {
	if err := v.ValidateNamespace(namespace); err != nil {
		return err
	}
	if err := v.ValidateKey(key); err != nil {
		return err
	}
	return v.ValidateValue(value)
}

// ValidateNamespace validates a namespace name
func (v *Validator) ValidateNamespace(namespace string) error {
	if namespace == "" {
		return errors.InvalidArgument("namespace cannot be empty", nil)
	}
	if len(namespace) > MaxNamespaceSize {
		return errors.KeyTooLong(namespace, MaxNamespaceSize).WithDetail("namespace", namespace)
	}
	return checkName(namespace, "namespace")
}

// ValidateKey validates a key
func (v *Validator) ValidateKey(key string) error {
	// Check if empty
	if key == "" {
		return errors.InvalidKey(key, "key cannot be empty")
	}

	// Check size
	if len(key) > v.maxKeySize {
		return errors.KeyTooLong(key, v.maxKeySize)
	}

	return checkName(key, "key")
}

func checkName(name, what string) error {
	// Null bytes would terminate the key field early
	if strings.Contains(name, "\x00") {
		return errors.InvalidKey(name, what+" cannot contain null bytes")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return errors.InvalidKey(name, what+" cannot contain control characters")
		}
	}
	return nil
}

// ValidateValue validates a value
func (v *Validator) ValidateValue(value model.Value) error {
	switch {
	case value.Type.IsInteger():
		if len(value.Data) != value.Type.Width() {
			return errors.InvalidArgument(
				fmt.Sprintf("%s value must be %d bytes, got %d", value.Type, value.Type.Width(), len(value.Data)),
				nil,
			)
		}
	case value.Type.IsVariable():
		if len(value.Data) > v.maxValueSize {
			return errors.ValueTooLarge(len(value.Data), v.maxValueSize)
		}
	default:
		return errors.InvalidArgument(fmt.Sprintf("unsupported value type %s", value.Type), nil)
	}
	return nil
}
