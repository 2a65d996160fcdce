package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
)

// UserSafeMessage returns an error string suitable for API consumers.
// Unknown errors collapse to a generic message so internals never leak.
func UserSafeMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNotFound) {
		return "not found"
	}
	return "something went wrong, please try again"
}
