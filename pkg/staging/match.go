package staging

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// HasMeta reports whether p contains glob syntax.
func HasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

// ValidatePattern checks glob syntax ("**" matches across directories).
func ValidatePattern(pattern string) error {
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("invalid output pattern %q", pattern)
	}
	return nil
}

// Filter returns the slash-separated relative paths that match pattern, in
// input order.
func Filter(pattern string, paths []string) ([]string, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	var out []string
	for _, p := range paths {
		ok, err := doublestar.Match(pattern, p)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}
