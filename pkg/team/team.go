// Package team defines the closed set of development roles an agent can
// impersonate, the per-role profile (display name, specialties, charter,
// completion markers), and the catalog that merges built-in profiles with
// operator overrides from roles.yaml.
package team

import "fmt"

// Role identifies one development role. The set is closed; anything not
// listed here is rejected at the boundary.
type Role string

// Role constants.
const (
	RoleBackend  Role = "backend"
	RoleFrontend Role = "frontend"
	RoleDatabase Role = "database"
	RoleQA       Role = "qa"
	RoleAnalyst  Role = "analyst"
	RoleLead     Role = "lead"
)

// All returns every role in canonical display order.
func All() []Role {
	return []Role{RoleBackend, RoleFrontend, RoleDatabase, RoleQA, RoleAnalyst, RoleLead}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBackend, RoleFrontend, RoleDatabase, RoleQA, RoleAnalyst, RoleLead:
		return true
	default:
		return false
	}
}

func (r Role) String() string { return string(r) }

// Parse converts s into a Role, accepting the built-in aliases
// (ba, teamlead, db, tester, ...). Returns an error for anything outside the
// closed set.
func Parse(s string) (Role, error) {
	if role, ok := Builtin().Resolve(s); ok {
		return role, nil
	}
	return "", fmt.Errorf("unknown role %q (valid: %s)", s, roleList())
}

func roleList() string {
	out := ""
	for i, r := range All() {
		if i > 0 {
			out += ", "
		}
		out += string(r)
	}
	return out
}

// Profile describes one role: how the agent introduces itself, what it is
// good at, the charter text injected into its system context, and the reply
// markers that signal task completion.
type Profile struct {
	Role        Role
	DisplayName string
	Specialties []string
	Charter     string
	DoneMarkers []string
	Model       string   // optional completion backend model override
	Aliases     []string // extra mention tokens resolving to this role
}

// DefaultDoneMarkers is used when a profile declares no markers of its own.
var DefaultDoneMarkers = []string{"TASK COMPLETE"}

// Markers returns the profile's completion markers, falling back to
// DefaultDoneMarkers.
func (p Profile) Markers() []string {
	if len(p.DoneMarkers) > 0 {
		return p.DoneMarkers
	}
	return DefaultDoneMarkers
}

// Validate checks that required fields are set. Returns an error describing
// the first missing field.
func (p Profile) Validate() error {
	if !p.Role.Valid() {
		return fmt.Errorf("team: unknown role %q", p.Role)
	}
	if p.DisplayName == "" {
		return fmt.Errorf("team: DisplayName is required for role %s", p.Role)
	}
	if p.Charter == "" {
		return fmt.Errorf("team: Charter is required for role %s", p.Role)
	}
	return nil
}
