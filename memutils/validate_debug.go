//go:build debug_mem_utils

package memutils

import "encoding/binary"

const (
	// DebugMargin is the number of bytes of debug data that should be placed after allocations in heaps managed
	// by memutils
	DebugMargin int = 16
	// corruptionDetectionMagicValue is a 4-byte pattern that should be copied into debug data placed after
	// allocations in heaps managed by memutils
	corruptionDetectionMagicValue uint32 = 0x7F84E666
)

// WriteMagicValue writes an easy-to-identify marker across the first DebugMargin bytes of data.
// This method no-ops unless the debug_mem_utils build tag is present.
func WriteMagicValue(data []byte) {
	for i := 0; i+4 <= DebugMargin; i += 4 {
		binary.LittleEndian.PutUint32(data[i:], corruptionDetectionMagicValue)
	}
}

// ValidateMagicValue verifies that the easy-to-identify marker written by WriteMagicValue is still present.
// It returns true if the value is still present and false otherwise.
// This method no-ops unless the debug_mem_utils build tag is present.
func ValidateMagicValue(data []byte) bool {
	if len(data) < DebugMargin {
		return false
	}

	for i := 0; i+4 <= DebugMargin; i += 4 {
		if binary.LittleEndian.Uint32(data[i:]) != corruptionDetectionMagicValue {
			return false
		}
	}

	return true
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
