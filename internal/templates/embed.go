// Package templates bundles the built-in role prompt templates. A role's
// template renders with the triggering event's fields plus any drained
// memos; projects override per role via config.
package templates

import (
	"embed"
	"io/fs"

	"github.com/monoco-io/monoco/internal/fault"
)

//go:embed roles
var roleTemplates embed.FS

// RolesFS returns the embedded role template tree.
func RolesFS() fs.FS {
	return roleTemplates
}

// RolePrompt returns the built-in prompt template source for a role.
func RolePrompt(role string) (string, error) {
	data, err := roleTemplates.ReadFile("roles/" + role + ".md.tmpl")
	if err != nil {
		return "", fault.Newf(fault.NotFound, "no built-in prompt template for role %q", role)
	}
	return string(data), nil
}
