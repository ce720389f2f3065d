// Package naming provides the 128-bit identifiers used to name ports and
// nodes.
package naming

import (
	"fmt"
	"strconv"
	"strings"
)

// A Name is a 128-bit identifier made of two 64-bit words. Names compare
// bitwise and can be used directly as map keys. The zero Name is invalid.
type Name struct {
	V1, V2 uint64
}

// InvalidName is the zero Name. It never names a live entity.
var InvalidName = Name{}

// IsValid reports whether the name is not the zero name.
func (n Name) IsValid() bool {
	return n != InvalidName
}

// Less orders names lexicographically on (V1, V2).
func (n Name) Less(other Name) bool {
	if n.V1 != other.V1 {
		return n.V1 < other.V1
	}

	return n.V2 < other.V2
}

// Compare returns -1, 0 or 1 following the same order as Less.
func (n Name) Compare(other Name) int {
	switch {
	case n.Less(other):
		return -1
	case other.Less(n):
		return 1
	default:
		return 0
	}
}

// String renders the name as two dot-separated 16-digit hex words.
func (n Name) String() string {
	return fmt.Sprintf("%016x.%016x", n.V1, n.V2)
}

// Parse parses a name printed by String.
func Parse(s string) (Name, error) {
	words := strings.Split(s, ".")
	if len(words) != 2 {
		return InvalidName, fmt.Errorf("name %q must have two words", s)
	}

	v1, err := strconv.ParseUint(words[0], 16, 64)
	if err != nil {
		return InvalidName, fmt.Errorf("name %q: %w", s, err)
	}

	v2, err := strconv.ParseUint(words[1], 16, 64)
	if err != nil {
		return InvalidName, fmt.Errorf("name %q: %w", s, err)
	}

	return Name{V1: v1, V2: v2}, nil
}

// MustParse is like Parse but panics on malformed input.
func MustParse(s string) Name {
	n, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return n
}

// MarshalText renders the name the way String does.
func (n Name) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText parses a name rendered by MarshalText.
func (n *Name) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}

	*n = parsed

	return nil
}
