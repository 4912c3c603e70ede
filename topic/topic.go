// Package topic parses hierarchical topic strings and derives the Bloom
// tokens that let publication and subscription filters be compared
// without holding the original topic strings: a filter already carries
// everything needed to test whether some topic pattern would have
// matched the publication that built it.
package topic

import (
	"errors"
	"fmt"
	"strings"

	"github.com/meshfabric/dps/bitvec"
)

// DefaultSeparators is the default set of component-separator bytes,
// used unless a node overrides it via a configuration option.
const DefaultSeparators = "/."

// Role distinguishes the two kinds of topic string: a publication topic,
// which must be a literal path with no wildcards, and a subscription
// topic, which may contain single- and multi-level wildcards.
type Role int

const (
	// PubRole identifies a publication topic: no wildcards permitted.
	PubRole Role = iota
	// SubRole identifies a subscription topic: "+" and a trailing "#"
	// are permitted.
	SubRole
)

const (
	wildcardOne   = "+"
	wildcardMulti = "#"
)

// Errors returned while parsing or validating a topic string.
var (
	ErrEmptyTopic     = errors.New("topic: topic string has no components")
	ErrWildcardInPub  = errors.New("topic: publication topic may not contain a wildcard")
	ErrMidPatternHash = errors.New("topic: '#' is only permitted as the last component")
)

// Split breaks s into components at any byte present in separators.
func Split(s string, separators string) []string {
	var comps []string
	for {
		idx := strings.IndexAny(s, separators)
		if idx < 0 {
			comps = append(comps, s)
			return comps
		}
		comps = append(comps, s[:idx])
		s = s[idx+1:]
	}
}

func validate(comps []string, role Role) error {
	if len(comps) == 0 || (len(comps) == 1 && comps[0] == "") {
		return ErrEmptyTopic
	}
	for i, c := range comps {
		switch c {
		case wildcardOne:
			if role == PubRole {
				return ErrWildcardInPub
			}
		case wildcardMulti:
			if role == PubRole {
				return ErrWildcardInPub
			}
			if i != len(comps)-1 {
				return ErrMidPatternHash
			}
		}
	}
	return nil
}

// componentToken identifies a literal component value at a fixed
// position: two topics with the same word in different positions do not
// share this token, so "+" wildcards must skip it instead of trying to
// match on value alone.
func componentToken(pos int, comp string) []byte {
	return []byte(fmt.Sprintf("c:%d:%s", pos, comp))
}

// prefixToken identifies the literal path formed by components[0:upTo+1].
// It lets a match test assert "the first N components are exactly this"
// without needing the individual component tokens for every position.
func prefixToken(comps []string, upTo int) []byte {
	return []byte("p:" + strings.Join(comps[:upTo+1], "/"))
}

// lengthToken identifies the total component count of a topic that has
// no trailing "#": wildcards aside, a match requires the same arity.
func lengthToken(n int) []byte {
	return []byte(fmt.Sprintf("n:%d", n))
}

// AddTopic parses topicStr (splitting on any byte in separators per
// role's rules) and inserts the derived Bloom tokens into filter.
//
// A publication topic inserts, for every component, a position-tagged
// component token and a prefix token; these together pin down both the
// component's value and its place in the literal path. A subscription
// topic inserts the same tokens except at wildcard positions: "+" omits
// both tokens for that position (and every prefix token from that point
// on, since the literal prefix is no longer known), and "#" stops token
// generation entirely, including the final length token, since a
// multi-level wildcard accepts any remaining suffix of any length.
func AddTopic(filter *bitvec.BitVector, topicStr, separators string, role Role, numHashes int) error {
	comps := Split(topicStr, separators)
	if err := validate(comps, role); err != nil {
		return err
	}
	wildcardSeen := false
	for i, c := range comps {
		if role == SubRole && c == wildcardMulti {
			return nil
		}
		if role == SubRole && c == wildcardOne {
			wildcardSeen = true
			continue
		}
		filter.BloomInsert(componentToken(i, c), numHashes)
		if !wildcardSeen {
			filter.BloomInsert(prefixToken(comps, i), numHashes)
		}
	}
	filter.BloomInsert(lengthToken(len(comps)), numHashes)
	return nil
}

// MatchTopic computes the set of tokens a publication's filter must
// carry for subTopicStr to match it, and reports whether filter tests
// positive for all of them. Because filter is a Bloom filter this can
// report a false match but never a false non-match.
func MatchTopic(filter *bitvec.BitVector, subTopicStr, separators string, numHashes int) (bool, error) {
	comps := Split(subTopicStr, separators)
	if err := validate(comps, SubRole); err != nil {
		return false, err
	}
	wildcardSeen := false
	for i, c := range comps {
		if c == wildcardMulti {
			return true, nil
		}
		if c == wildcardOne {
			wildcardSeen = true
			continue
		}
		if !filter.BloomTest(componentToken(i, c), numHashes) {
			return false, nil
		}
		if !wildcardSeen && !filter.BloomTest(prefixToken(comps, i), numHashes) {
			return false, nil
		}
	}
	if !filter.BloomTest(lengthToken(len(comps)), numHashes) {
		return false, nil
	}
	return true, nil
}

// MatchPattern reports whether a publication's topic list, matched
// exactly (no Bloom approximation), satisfies a subscription pattern.
// This is the "exact matching, not Bloom" path used for local delivery,
// where the full topic strings of both sides are available.
func MatchPattern(pubTopic, subPattern, separators string) (bool, error) {
	pubComps := Split(pubTopic, separators)
	if err := validate(pubComps, PubRole); err != nil {
		return false, err
	}
	subComps := Split(subPattern, separators)
	if err := validate(subComps, SubRole); err != nil {
		return false, err
	}
	i := 0
	for ; i < len(subComps); i++ {
		sc := subComps[i]
		if sc == wildcardMulti {
			return true, nil
		}
		if i >= len(pubComps) {
			return false, nil
		}
		if sc == wildcardOne {
			continue
		}
		if sc != pubComps[i] {
			return false, nil
		}
	}
	return i == len(pubComps), nil
}
