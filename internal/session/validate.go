package session

import (
	"regexp"

	"github.com/matheus3301/chatcore/internal/apperr"
)


var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateName reports an apperr.ErrInvalid error unless name can be used
// as a session directory: lowercase letters, digits, '-' and '_', starting
// with a letter or digit, at most 64 characters.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return apperr.Invalid("session name %q must match %s", name, namePattern)
	}
	return nil
}
