package team_test

import (
	"strings"
	"testing"

	"crew/pkg/team"
)

func TestSystemPromptContainsCoreSections(t *testing.T) {
	catalog := team.Builtin()
	backend, _ := catalog.Get(team.RoleBackend)

	prompt := team.SystemPrompt(team.PromptOpts{
		Profile:        backend,
		AgentName:      "Alex",
		Roster:         catalog.Roster(),
		Workspace:      "/repos/shop/.crew-worktrees/backend",
		Branch:         "crew/backend",
		TaskTitle:      "Add health endpoint",
		HistorySummary: "Earlier the team agreed to version the API under /v1.",
	})

	for _, want := range []string{
		"Your name is Alex.",
		"backend developer",
		"Current task: Add health endpoint",
		"## Specialties",
		"## Team",
		"@frontend",
		"@lead",
		"## Workspace",
		"crew/backend",
		"## Earlier conversation",
		"version the API under /v1",
		"## Completion",
		`"TASK COMPLETE"`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("SystemPrompt missing %q\nprompt:\n%s", want, prompt)
		}
	}

	// An agent never appears in its own team roster.
	if strings.Contains(prompt, "- @backend") {
		t.Error("SystemPrompt lists the agent's own role in the team section")
	}
}

func TestSystemPromptOmitsEmptySections(t *testing.T) {
	backend, _ := team.Builtin().Get(team.RoleBackend)

	prompt := team.SystemPrompt(team.PromptOpts{Profile: backend})

	for _, absent := range []string{"## Team", "## Workspace", "## Earlier conversation", "Your name is"} {
		if strings.Contains(prompt, absent) {
			t.Errorf("SystemPrompt contains %q for empty opts", absent)
		}
	}
	if !strings.Contains(prompt, "## Completion") {
		t.Error("SystemPrompt must always carry the completion protocol")
	}
}

func TestSystemPromptUsesProfileMarkers(t *testing.T) {
	p := team.Profile{
		Role:        team.RoleQA,
		DisplayName: "QA",
		Charter:     "You test.",
		DoneMarkers: []string{"ALL GREEN"},
	}
	prompt := team.SystemPrompt(team.PromptOpts{Profile: p})
	if !strings.Contains(prompt, `"ALL GREEN"`) {
		t.Errorf("SystemPrompt does not use profile marker: %s", prompt)
	}
}

func TestCharterDocument(t *testing.T) {
	lead, _ := team.Builtin().Get(team.RoleLead)
	doc := team.CharterDocument(lead, "Nora", "/repos/shop", "crew/lead")

	for _, want := range []string{
		"# Team Lead (Nora)",
		"## Specialties",
		"## Workspace",
		"`crew/lead`",
		"/repos/shop",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("CharterDocument missing %q\ndoc:\n%s", want, doc)
		}
	}
}
