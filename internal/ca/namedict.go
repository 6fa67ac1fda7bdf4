package ca

import "fmt"

// NameDictionary composes an avatar display name from a 4-part pattern of
// indices into an external name word list. Spec section 9 prescribes this
// composing variant over directly storing client-submitted text for
// CLIENT_SET_NAME_PATTERN; the word list itself is external data outside
// this cluster's scope (spec section 1), so it is injected rather than
// owned here. A zero index means "no word in this slot."
type NameDictionary func(pattern [4]uint16) (string, error)

// DefaultNameDictionary builds a NameDictionary over a flat word list
// indexed from 1. It is a minimal stand-in sufficient for tests and small
// deployments; a real deployment supplies its own list to
// Server.SetNameDictionary.
func DefaultNameDictionary(words []string) NameDictionary {
	return func(pattern [4]uint16) (string, error) {
		var name string
		for _, idx := range pattern {
			if idx == 0 {
				continue
			}
			if int(idx) > len(words) {
				return "", fmt.Errorf("namedict: index %d out of range (%d words)", idx, len(words))
			}
			if name != "" {
				name += " "
			}
			name += words[idx-1]
		}
		return name, nil
	}
}
