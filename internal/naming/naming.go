// Package naming encodes pool and template ownership into node names.
//
// A managed node is named jenkins-<poolId>-<templateId>-<uuid>. The name is the
// only link between a cloud server and the pool that created it, so local and
// remote accounting both go through Parse.
package naming

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Prefix starts every managed node name.
const Prefix = "jenkins"

const idPattern = `[a-zA-Z0-9.]+`

var (
	idRe   = regexp.MustCompile(`^` + idPattern + `$`)
	nameRe = regexp.MustCompile(`^` + Prefix + `-(` + idPattern + `)-(` + idPattern + `)-([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})$`)
)

// Name is a decoded node name.
type Name struct {
	PoolID     string
	TemplateID string
	UniqueID   string
}

// String renders the name in its canonical form.
func (n Name) String() string {
	return fmt.Sprintf("%s-%s-%s-%s", Prefix, n.PoolID, n.TemplateID, n.UniqueID)
}

// Generate returns a fresh node name for the given pool and template.
func Generate(poolID, templateID string) string {
	return Name{PoolID: poolID, TemplateID: templateID, UniqueID: uuid.NewString()}.String()
}

// Parse decodes name. Names that do not follow the grammar are reported as not ok.
func Parse(name string) (Name, bool) {
	m := nameRe.FindStringSubmatch(name)
	if m == nil {
		return Name{}, false
	}
	return Name{PoolID: m[1], TemplateID: m[2], UniqueID: m[3]}, true
}

// BelongsToPool reports whether name was generated for poolID.
func BelongsToPool(name, poolID string) bool {
	n, ok := Parse(name)
	return ok && n.PoolID == poolID
}

// BelongsToTemplate reports whether name was generated for templateID of poolID.
func BelongsToTemplate(name, poolID, templateID string) bool {
	n, ok := Parse(name)
	return ok && n.PoolID == poolID && n.TemplateID == templateID
}

// IsValidPoolID reports whether s may be used as a pool id.
func IsValidPoolID(s string) bool {
	return idRe.MatchString(s)
}

// IsValidTemplateID reports whether s may be used as a template id.
func IsValidTemplateID(s string) bool {
	return idRe.MatchString(s)
}
