package device

import "strings"

// ValidateSerial returns ErrInvalidSerial when serial is empty after
// trimming Unicode whitespace. Any other string is accepted as-is.
func ValidateSerial(serial string) error {
	if strings.TrimSpace(serial) == "" {
		return ErrInvalidSerial
	}
	return nil
}
