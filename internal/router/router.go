// Package router maps room numbers to property partitions.
//
// Routing happens once, at enqueue time; the result is frozen onto the job.
// Agents never re-derive it, so changing the rules here never moves jobs that
// already exist.
package router

import (
	"regexp"
	"strings"

	"github.com/worldchamps/kioskq/internal/errs"
	"github.com/worldchamps/kioskq/pkg/types"
)

// Default is the partition for room numbers no rule recognises.
const Default = types.Property3

type rule struct {
	pattern  *regexp.Regexp
	property types.PropertyID
}

// Evaluated in order against the upper-cased, trimmed room number.
var rules = []rule{
	{regexp.MustCompile(`^[CD]\d{3}$`), types.Property1},
	{regexp.MustCompile(`^KARIV\s*\d+$`), types.Property2},
	{regexp.MustCompile(`^[AB]\d{3}$`), types.Property3},
	{regexp.MustCompile(`^CAMP\s*\d+$`), types.Property4},
}

var displayNames = map[types.PropertyID]string{
	types.Property1: "The Beach Stay C/D",
	types.Property2: "Kariv Hotel",
	types.Property3: "The Beach Stay A/B",
	types.Property4: "The Camp Stay",
}

// Route returns the partition owning roomNumber. It is total: anything that
// matches no rule goes to Default.
func Route(roomNumber string) types.PropertyID {
	room := strings.ToUpper(strings.TrimSpace(roomNumber))
	for _, r := range rules {
		if r.pattern.MatchString(room) {
			return r.property
		}
	}
	return Default
}

// All returns every partition in a stable order.
func All() []types.PropertyID {
	return []types.PropertyID{types.Property1, types.Property2, types.Property3, types.Property4}
}

// Known reports whether p is one of the fixed partitions.
func Known(p types.PropertyID) bool {
	_, ok := displayNames[p]
	return ok
}

// Parse converts a user supplied partition name.
func Parse(s string) (types.PropertyID, error) {
	p := types.PropertyID(strings.ToLower(strings.TrimSpace(s)))
	if !Known(p) {
		return "", errs.NotFound("router.Parse", "unknown property %q", s)
	}
	return p, nil
}

// DisplayName returns the human readable property name.
func DisplayName(p types.PropertyID) string {
	if name, ok := displayNames[p]; ok {
		return name
	}
	return string(p)
}
