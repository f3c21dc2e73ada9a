package types

import (
	"strconv"
	"strings"
)

// Pseudo-properties available to filters and sorting in addition to the
// project's declared properties.
const (
	FieldID    = "id"
	FieldCtime = "ctime"
	FieldMtime = "mtime"
)

// SortKey is one level of a multi-key sort.
type SortKey struct {
	Property   string
	Descending bool
}

// DefaultSort orders issues by ascending id.
func DefaultSort() []SortKey {
	return []SortKey{{Property: FieldID}}
}

// ParseSort converts a sort expression into keys. Property names are
// prefixed with '+' (ascending) or '-' (descending), concatenated or
// comma separated: "-mtime+id" or "status,-ctime". A name without a
// prefix is ascending. Repeated properties keep their first occurrence.
func ParseSort(raw string) []SortKey {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var keys []SortKey
	seen := make(map[string]bool)
	add := func(token string, desc bool) {
		token = strings.TrimSpace(token)
		if token == "" || seen[token] {
			return
		}
		seen[token] = true
		keys = append(keys, SortKey{Property: token, Descending: desc})
	}

	desc := false
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i < len(raw) && raw[i] != '+' && raw[i] != '-' && raw[i] != ',' {
			continue
		}
		add(raw[start:i], desc)
		if i < len(raw) {
			desc = raw[i] == '-'
		}
		start = i + 1
	}
	return keys
}

// EncodeSort converts keys back into their canonical string form.
func EncodeSort(keys []SortKey) string {
	var b strings.Builder
	for _, k := range keys {
		if k.Descending {
			b.WriteByte('-')
		} else {
			b.WriteByte('+')
		}
		b.WriteString(k.Property)
	}
	return b.String()
}

// CompareIDs orders issue ids numerically, "N.M" ids after "N" and before
// "N+1". Non-numeric ids sort after numeric ones, lexically.
func CompareIDs(a, b string) int {
	an, aok := splitNumericID(a)
	bn, bok := splitNumericID(b)
	switch {
	case aok && bok:
		for i := 0; i < len(an) && i < len(bn); i++ {
			if an[i] != bn[i] {
				if an[i] < bn[i] {
					return -1
				}
				return 1
			}
		}
		return len(an) - len(bn)
	case aok:
		return -1
	case bok:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func splitNumericID(id string) ([]int, bool) {
	parts := strings.Split(id, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}
