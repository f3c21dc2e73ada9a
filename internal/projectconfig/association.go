package projectconfig

import (
	"slices"
	"strings"

	"github.com/goeb/smit/internal/idgen"
	"github.com/goeb/smit/internal/storage"
	"github.com/goeb/smit/internal/types"
)

// ParseAssociation normalizes association values into a sorted set of
// issue ids. Each value may hold several ids separated by whitespace or
// commas; a leading '#' on an id is accepted.
func ParseAssociation(values []string) ([]string, error) {
	var ids []string
	for _, v := range values {
		fields := strings.FieldsFunc(v, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ';'
		})
		for _, f := range fields {
			id := strings.TrimPrefix(f, "#")
			if !idgen.Valid(id) {
				return nil, storage.Validationf("malformed issue id %q in association", f)
			}
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, types.CompareIDs)
	return slices.Compact(ids), nil
}
