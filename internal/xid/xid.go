package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed, time-ordered identifier such as "sale-0192f7c4...".
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "-" + strings.ReplaceAll(id.String(), "-", "")
}

// Valid reports whether value looks like an identifier produced by New with the given prefix.
func Valid(prefix string, value string) bool {
	rest, ok := strings.CutPrefix(value, prefix+"-")
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
