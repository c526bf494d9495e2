package ext2

import (
	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/unicode/norm"
)

// maxNameLen is the largest value the on-disk name_len byte (directory.go's
// dirEntry header, spec §4.8) can represent.
const maxNameLen = 255

// utf8Validator decodes UTF-8 to UTF-8, which is how golang.org/x/text's
// encoding package expresses "reject anything that isn't valid UTF-8"
// rather than exposing a bare bool-returning check.
var utf8Validator = unicode.UTF8.NewDecoder()

// validateName rejects directory-entry names this driver refuses to store
// on disk: empty, too long for name_len, containing NUL or '/' (the VFS
// path separator), or not valid UTF-8. The name is returned normalized to
// NFC, so two callers spelling the same name with differently-composed
// combining marks land on identical on-disk bytes and compare equal in
// Lookup/removeEntry's plain string comparison.
func validateName(name string) (string, error) {
	if len(name) == 0 || len(name) > maxNameLen {
		return "", abi.ErrInvalidArgument
	}
	for i := 0; i < len(name); i++ {
		if name[i] == 0 || name[i] == '/' {
			return "", abi.ErrInvalidArgument
		}
	}
	if _, err := utf8Validator.String(name); err != nil {
		return "", abi.ErrInvalidArgument
	}
	normalized := norm.NFC.String(name)
	if len(normalized) > maxNameLen {
		return "", abi.ErrInvalidArgument
	}
	return normalized, nil
}
