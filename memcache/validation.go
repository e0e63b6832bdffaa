package memcache

import (
	"github.com/futureweb/gomemcache/errors"
)

func isValidKeyChar(char byte) bool {
	return (0x21 <= char && char <= 0x7e) || (0x80 <= char && char <= 0xff)
}

func isValidKeyString(key string) bool {
	if len(key) == 0 || len(key) > maxKeyLength {
		return false
	}

	for _, char := range []byte(key) {
		if !isValidKeyChar(char) {
			return false
		}
	}

	return true
}

// ValidateKey returns an ErrInvalidKey error when memcached would reject
// key: empty, longer than 250 bytes, or containing whitespace or control
// characters.
func ValidateKey(key string) error {
	if !isValidKeyString(key) {
		return errors.Wrapf(ErrInvalidKey, "Invalid key %q", key)
	}
	return nil
}

// A nil value is stored as an empty one.
func validateValue(value []byte) error {
	if len(value) > maxValueLength {
		return errors.Wrapf(
			ErrValueTooLarge,
			"Invalid value: length %d longer than max length %d",
			len(value),
			maxValueLength)
	}

	return nil
}

func validateItem(item *Item) error {
	if item == nil {
		return errors.New("item is nil")
	}
	if err := ValidateKey(item.Key); err != nil {
		return err
	}
	return validateValue(item.Value)
}
