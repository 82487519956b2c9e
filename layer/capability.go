package layer

import (
	"strconv"
	"strings"
)

// VersionAtom is one dot-separated component of a capability version,
// e.g. the "3", "9", and "2rc1" in "3.9.2rc1". Numeric holds the
// leading digit run (0 if there was none) and Suffix holds whatever
// follows it; Suffix is empty when the atom was purely numeric.
type VersionAtom struct {
	Numeric int
	Suffix  string
}

// Capability is a parsed "name-V1.V2...Vk" capability string.
type Capability struct {
	ID      string
	Name    string
	Version []VersionAtom
}

// ParseCapability splits id into a bare name and a capability whose
// version is the dash-delimited, then dot-delimited, numeric+suffix
// atom sequence following the last dash that precedes a digit. A
// string with no such dash (a bare name, no version) parses with a nil
// Version.
func ParseCapability(id string) Capability {
	cap := Capability{ID: id, Name: id}

	dash := lastDashBeforeDigit(id)
	if dash < 0 {
		return cap
	}

	cap.Name = id[:dash]
	versionPart := id[dash+1:]
	if versionPart == "" {
		return Capability{ID: id, Name: id}
	}

	for _, word := range strings.Split(versionPart, ".") {
		if word == "" {
			return Capability{ID: id, Name: id}
		}
		cap.Version = append(cap.Version, parseVersionAtom(word))
	}
	return cap
}

func lastDashBeforeDigit(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '-' && i+1 < len(s) && isDigit(s[i+1]) {
			return i
		}
	}
	return -1
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func parseVersionAtom(word string) VersionAtom {
	if !isDigit(word[0]) {
		return VersionAtom{Suffix: word}
	}
	i := 0
	for i < len(word) && isDigit(word[i]) {
		i++
	}
	n, _ := strconv.Atoi(word[:i])
	return VersionAtom{Numeric: n, Suffix: word[i:]}
}

// VersionComparison is the result of comparing two capabilities'
// versions.
type VersionComparison int

const (
	VersionMismatch    VersionComparison = 0
	VersionEqual       VersionComparison = 1 << 0
	VersionLessThan    VersionComparison = 1 << 1
	VersionGreaterThan VersionComparison = 1 << 2
)

// Compare compares a and b. It returns VersionMismatch whenever their
// names differ (even if one is a prefix of the other); otherwise it
// walks version atoms left to right, comparing numeric parts first,
// then suffixes under the rule "no suffix beats any suffix" (so "15" >
// "15rc"), and finally falls back to whichever capability has more
// version atoms.
func Compare(a, b Capability) VersionComparison {
	if a.Name != b.Name {
		return VersionMismatch
	}

	n := len(a.Version)
	if len(b.Version) < n {
		n = len(b.Version)
	}
	for i := 0; i < n; i++ {
		av, bv := a.Version[i], b.Version[i]
		if av.Numeric < bv.Numeric {
			return VersionLessThan
		}
		if av.Numeric > bv.Numeric {
			return VersionGreaterThan
		}

		switch {
		case bv.Suffix == "":
			if av.Suffix != "" {
				return VersionLessThan
			}
		case av.Suffix == "":
			return VersionGreaterThan
		default:
			switch strings.Compare(av.Suffix, bv.Suffix) {
			case -1:
				return VersionLessThan
			case 1:
				return VersionGreaterThan
			}
		}
	}

	switch {
	case len(a.Version) < len(b.Version):
		return VersionLessThan
	case len(a.Version) > len(b.Version):
		return VersionGreaterThan
	default:
		return VersionEqual
	}
}

// IsGreaterOrEqual reports whether a satisfies a requirement of b: same
// name, and a's version is greater than or equal to b's.
func IsGreaterOrEqual(a, b Capability) bool {
	c := Compare(a, b)
	return c&(VersionEqual|VersionGreaterThan) != 0
}
