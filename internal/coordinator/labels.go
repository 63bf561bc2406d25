package coordinator

import (
	"strings"

	"buildswarm/internal/config"

	"github.com/samber/lo"
)

// matches reports whether a template serves label. An empty label needs a template that
// allows labelless work or has no labels at all.
func matches(tpl config.Template, label string) bool {
	atoms := strings.Fields(label)
	labels := tpl.LabelSet()
	if len(atoms) == 0 {
		return tpl.AllowLabelless || len(labels) == 0
	}
	return len(lo.Intersect(labels, atoms)) > 0
}

// matching returns the templates serving label in declared order
func matching(templates []config.Template, label string) []config.Template {
	return lo.Filter(templates, func(tpl config.Template, _ int) bool {
		return matches(tpl, label)
	})
}

// effectiveCap is the smaller of the pool cap and the sum of template caps. Zero is unbounded.
func effectiveCap(pool config.Pool) int {
	templateSum := 0
	for _, tpl := range pool.Templates {
		if tpl.InstanceCap == 0 {
			templateSum = 0
			break
		}
		templateSum += tpl.InstanceCap
	}

	switch {
	case pool.InstanceCap == 0:
		return templateSum
	case templateSum == 0:
		return pool.InstanceCap
	}
	return min(pool.InstanceCap, templateSum)
}

// below reports whether count leaves room under limit. Zero is unbounded.
func below(count, limit int) bool {
	return limit == 0 || count < limit
}
