package team

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog resolves roles and mention tokens to profiles. It starts from the
// built-in profiles and applies operator overrides loaded from roles.yaml.
type Catalog struct {
	profiles map[Role]Profile
	aliases  map[string]Role
}

// Builtin returns a catalog containing only the built-in profiles.
func Builtin() *Catalog {
	c := &Catalog{
		profiles: make(map[Role]Profile),
		aliases:  make(map[string]Role),
	}
	for _, p := range builtinProfiles() {
		c.put(p)
	}
	return c
}

// Load returns the built-in catalog with overrides from the YAML file at
// path applied on top. A missing file yields the built-in catalog without
// error; a malformed file is an error.
func Load(path string) (*Catalog, error) {
	c := Builtin()

	data, err := os.ReadFile(path) //nolint:gosec // path comes from resolved state dir
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read role catalog: %w", err)
	}

	var file overrideFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse role catalog %s: %w", path, err)
	}

	for roleName, ov := range file.Roles {
		role, ok := c.Resolve(roleName)
		if !ok {
			return nil, fmt.Errorf("role catalog %s: unknown role %q", path, roleName)
		}
		p := c.profiles[role]
		applyOverride(&p, ov)
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("role catalog %s: %w", path, err)
		}
		c.put(p)
	}
	return c, nil
}

// overrideFile is the roles.yaml structure. Every field is optional; absent
// fields keep the built-in value.
type overrideFile struct {
	Roles map[string]roleOverride `yaml:"roles"`
}

type roleOverride struct {
	DisplayName string   `yaml:"display_name,omitempty"`
	Specialties []string `yaml:"specialties,omitempty"`
	Charter     string   `yaml:"charter,omitempty"`
	DoneMarkers []string `yaml:"done_markers,omitempty"`
	Model       string   `yaml:"model,omitempty"`
	Aliases     []string `yaml:"aliases,omitempty"`
}

func applyOverride(p *Profile, ov roleOverride) {
	if ov.DisplayName != "" {
		p.DisplayName = ov.DisplayName
	}
	if len(ov.Specialties) > 0 {
		p.Specialties = ov.Specialties
	}
	if ov.Charter != "" {
		p.Charter = ov.Charter
	}
	if len(ov.DoneMarkers) > 0 {
		p.DoneMarkers = ov.DoneMarkers
	}
	if ov.Model != "" {
		p.Model = ov.Model
	}
	if len(ov.Aliases) > 0 {
		p.Aliases = append(p.Aliases, ov.Aliases...)
	}
}

func (c *Catalog) put(p Profile) {
	c.profiles[p.Role] = p
	c.aliases[string(p.Role)] = p.Role
	for _, a := range p.Aliases {
		c.aliases[strings.ToLower(a)] = p.Role
	}
}

// Get returns the profile for role.
func (c *Catalog) Get(role Role) (Profile, bool) {
	p, ok := c.profiles[role]
	return p, ok
}

// Resolve maps a role name or alias token (case-insensitive) to its role.
func (c *Catalog) Resolve(token string) (Role, bool) {
	role, ok := c.aliases[strings.ToLower(strings.TrimSpace(token))]
	return role, ok
}

// Roster returns all profiles in canonical role order.
func (c *Catalog) Roster() []Profile {
	out := make([]Profile, 0, len(c.profiles))
	for _, role := range All() {
		if p, ok := c.profiles[role]; ok {
			out = append(out, p)
		}
	}
	return out
}

// DefaultYAML renders a commented roles.yaml skeleton with every built-in
// role present but no overrides active. Written by the init command.
func DefaultYAML() string {
	var b strings.Builder
	b.WriteString("# Role catalog overrides. Uncomment a field to replace the built-in value.\n")
	b.WriteString("# Fields: display_name, specialties, charter, done_markers, model, aliases.\n")
	b.WriteString("roles:\n")
	for _, p := range builtinProfiles() {
		fmt.Fprintf(&b, "  %s:\n", p.Role)
		fmt.Fprintf(&b, "    # display_name: %s\n", p.DisplayName)
		fmt.Fprintf(&b, "    # model: llama3.1\n")
		fmt.Fprintf(&b, "    # done_markers: [%q]\n", DefaultDoneMarkers[0])
	}
	return b.String()
}
