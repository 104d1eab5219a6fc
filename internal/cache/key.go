package cache

import "encoding/json"

// Key is a hierarchical query identifier. Keys are matched by prefix, so
// invalidating K("goals") also invalidates K("goals", "123").
type Key []string

// K builds a key from its segments.
func K(segments ...string) Key {
	return Key(segments)
}

// ID returns the canonical map form of the key. JSON encoding keeps segments
// containing separators unambiguous.
func (k Key) ID() string {
	b, err := json.Marshal([]string(k))
	if err != nil {
		// []string cannot fail to marshal
		return ""
	}
	return string(b)
}

// HasPrefix reports whether k starts with all segments of prefix. An empty
// prefix matches every key.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i, seg := range prefix {
		if k[i] != seg {
			return false
		}
	}
	return true
}

// Equal reports segment-wise equality.
func (k Key) Equal(other Key) bool {
	return len(k) == len(other) && k.HasPrefix(other)
}

func (k Key) String() string { return k.ID() }
