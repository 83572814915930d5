package team_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"crew/pkg/team"
)

func writeCatalogFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roles.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write roles.yaml: %v", err)
	}
	return path
}

func TestLoadMissingFileYieldsBuiltins(t *testing.T) {
	catalog, err := team.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if len(catalog.Roster()) != len(team.All()) {
		t.Errorf("roster size = %d, want %d", len(catalog.Roster()), len(team.All()))
	}
}

func TestLoadAppliesOverrides(t *testing.T) {
	path := writeCatalogFile(t, `
roles:
  backend:
    display_name: API Engineer
    model: codellama
    done_markers: ["SHIPPED"]
    aliases: [api]
  qa:
    charter: You break things on purpose and write it all down.
`)

	catalog, err := team.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	backend, ok := catalog.Get(team.RoleBackend)
	if !ok {
		t.Fatal("backend profile missing")
	}
	if backend.DisplayName != "API Engineer" {
		t.Errorf("DisplayName = %q, want %q", backend.DisplayName, "API Engineer")
	}
	if backend.Model != "codellama" {
		t.Errorf("Model = %q, want %q", backend.Model, "codellama")
	}
	if len(backend.Markers()) != 1 || backend.Markers()[0] != "SHIPPED" {
		t.Errorf("Markers() = %v, want [SHIPPED]", backend.Markers())
	}
	if role, ok := catalog.Resolve("api"); !ok || role != team.RoleBackend {
		t.Errorf("Resolve(api) = (%s, %v), want (backend, true)", role, ok)
	}

	qa, _ := catalog.Get(team.RoleQA)
	if !strings.Contains(qa.Charter, "on purpose") {
		t.Errorf("qa charter override not applied: %q", qa.Charter)
	}
	// Untouched fields keep built-in values.
	if qa.DisplayName != "QA Engineer" {
		t.Errorf("qa DisplayName = %q, want built-in", qa.DisplayName)
	}
}

func TestLoadAcceptsAliasAsRoleKey(t *testing.T) {
	path := writeCatalogFile(t, `
roles:
  teamlead:
    display_name: Principal
`)
	catalog, err := team.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	lead, _ := catalog.Get(team.RoleLead)
	if lead.DisplayName != "Principal" {
		t.Errorf("DisplayName = %q, want Principal", lead.DisplayName)
	}
}

func TestLoadRejectsUnknownRole(t *testing.T) {
	path := writeCatalogFile(t, `
roles:
  devops:
    display_name: Ops
`)
	if _, err := team.Load(path); err == nil {
		t.Fatal("Load accepted unknown role")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeCatalogFile(t, "roles: [not a map")
	if _, err := team.Load(path); err == nil {
		t.Fatal("Load accepted malformed YAML")
	}
}

func TestResolveTrimsAndLowercases(t *testing.T) {
	catalog := team.Builtin()
	role, ok := catalog.Resolve("  Backend ")
	if !ok || role != team.RoleBackend {
		t.Errorf("Resolve(  Backend ) = (%s, %v), want (backend, true)", role, ok)
	}
}

func TestDefaultYAMLParses(t *testing.T) {
	var file struct {
		Roles map[string]map[string]any `yaml:"roles"`
	}
	if err := yaml.Unmarshal([]byte(team.DefaultYAML()), &file); err != nil {
		t.Fatalf("DefaultYAML does not parse: %v", err)
	}
	if len(file.Roles) != len(team.All()) {
		t.Errorf("DefaultYAML roles = %d, want %d", len(file.Roles), len(team.All()))
	}
	// Every override is commented out in the skeleton.
	for name, fields := range file.Roles {
		if len(fields) != 0 {
			t.Errorf("role %s has active overrides in the skeleton: %v", name, fields)
		}
	}
}
