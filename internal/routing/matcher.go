package routing

import (
	"strings"

	"github.com/channelmesh/topicbus/contracts"
)

// Topic pattern matching with standard topic-exchange semantics:
//
//	*  consumes exactly one segment
//	#  consumes zero or more segments
//
// A `#` followed by further segments is matched greedily and then backtracked,
// so "a.#.b" matches "a.b", "a.x.b" and "a.x.y.b" but not "a.x.y".

// Matches reports whether pattern matches routingKey. Both are split on ".".
// It is a pure function with no side effects.
func Matches(pattern, routingKey string) bool {
	if pattern == routingKey {
		return true
	}
	return matchSegments(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchSegments(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		// Greedy first: try consuming the whole remainder, backtrack one
		// segment at a time until the rest of the pattern fits.
		for i := len(key); i >= 0; i-- {
			if matchSegments(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchSegments(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchSegments(pattern[1:], key[1:])
	}
}

// ValidateKey checks that a routing key is publishable: non-empty and free of
// wildcard segments. Patterns are only meaningful on bindings.
func ValidateKey(routingKey string) error {
	if routingKey == "" {
		return contracts.ErrInvalidRoutingKey
	}
	for _, segment := range strings.Split(routingKey, ".") {
		if segment == "*" || segment == "#" {
			return contracts.ErrInvalidRoutingKey
		}
	}
	return nil
}
