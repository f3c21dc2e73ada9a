// Package idgen allocates and manipulates issue identifiers.
//
// Canonical ids are decimal integers ("1", "42") allocated by the server
// or by a standalone repository. A replica that must move a local issue
// out of the way of a remote one renames it with a numeric suffix
// ("42.0", "42.1"); such ids are local-only until the server assigns the
// final number.
package idgen

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var idPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)

// maxSuffixProbes bounds FreeSuffix so a corrupted ref namespace cannot
// loop forever.
const maxSuffixProbes = 10000

// Valid reports whether id is a well-formed issue id.
func Valid(id string) bool {
	return idPattern.MatchString(id)
}

// IsCanonical reports whether id is a plain integer id.
func IsCanonical(id string) bool {
	return Valid(id) && !strings.Contains(id, ".")
}

// Base returns the leading integer of id ("42" for "42.1").
func Base(id string) (int, bool) {
	if !Valid(id) {
		return 0, false
	}
	head, _, _ := strings.Cut(id, ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Format renders a numeric id.
func Format(n int) string {
	return strconv.Itoa(n)
}

// FreeSuffix returns the first of id.0, id.1, … for which exists reports
// false. It never returns a name that exists.
func FreeSuffix(ctx context.Context, id string, exists func(context.Context, string) (bool, error)) (string, error) {
	for i := 0; i < maxSuffixProbes; i++ {
		candidate := id + "." + strconv.Itoa(i)
		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("probing %s: %w", candidate, err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no free suffix for issue %s after %d probes", id, maxSuffixProbes)
}

// Counter hands out strictly increasing numeric ids. It is safe for
// concurrent use.
type Counter struct {
	mu   sync.Mutex
	last int
}

// Observe records an existing id so it is never handed out again.
func (c *Counter) Observe(id string) {
	n, ok := Base(id)
	if !ok {
		return
	}
	c.mu.Lock()
	if n > c.last {
		c.last = n
	}
	c.mu.Unlock()
}

// Last returns the highest id observed or allocated.
func (c *Counter) Last() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Next allocates the next id.
func (c *Counter) Next() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last++
	return Format(c.last)
}
