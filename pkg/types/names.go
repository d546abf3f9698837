package types

import "fmt"

// maxNameLength bounds table and branch names so they stay usable as store
// keys.
const maxNameLength = 255

// ValidateName checks a table or branch name: non-empty, bounded length, and
// limited to letters, digits, '_', '-', '.' so names never collide with the
// ':' key delimiters of the underlying stores. kind is used in the error
// message ("table" or "branch").
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty %s name", ErrInvalidArgument, kind)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: %s name longer than %d characters", ErrInvalidArgument, kind, maxNameLength)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-' || c == '.':
		default:
			return fmt.Errorf("%w: %s name %q contains invalid character %q", ErrInvalidArgument, kind, name, c)
		}
	}
	return nil
}
