package team

import (
	"fmt"
	"strings"
)

// PromptOpts carries the context assembled into an agent's system prompt at
// assignment time.
type PromptOpts struct {
	Profile        Profile
	AgentName      string
	Roster         []Profile // other roles currently online
	Workspace      string
	Branch         string
	TaskTitle      string
	HistorySummary string // summarized prior conversation, may be empty
}

// SystemPrompt assembles the system context for one agent: identity and
// charter, specialties, the online team for delegation hints, workspace
// coordinates, prior history, and the completion protocol.
func SystemPrompt(opts PromptOpts) string {
	var b strings.Builder
	writeIdentity(&b, opts)
	writeSpecialties(&b, opts.Profile)
	writeRoster(&b, opts)
	writeWorkspace(&b, opts)
	writeHistory(&b, opts.HistorySummary)
	writeCompletionProtocol(&b, opts.Profile)
	return b.String()
}

func writeIdentity(b *strings.Builder, opts PromptOpts) {
	if opts.AgentName != "" {
		fmt.Fprintf(b, "Your name is %s.\n", opts.AgentName)
	}
	b.WriteString(opts.Profile.Charter)
	b.WriteString("\n\n")
	if opts.TaskTitle != "" {
		fmt.Fprintf(b, "Current task: %s\n\n", opts.TaskTitle)
	}
}

func writeSpecialties(b *strings.Builder, p Profile) {
	if len(p.Specialties) == 0 {
		return
	}
	b.WriteString("## Specialties\n")
	for _, s := range p.Specialties {
		fmt.Fprintf(b, "- %s\n", s)
	}
	b.WriteString("\n")
}

func writeRoster(b *strings.Builder, opts PromptOpts) {
	others := make([]Profile, 0, len(opts.Roster))
	for _, p := range opts.Roster {
		if p.Role != opts.Profile.Role {
			others = append(others, p)
		}
	}
	if len(others) == 0 {
		return
	}
	b.WriteString("## Team\n")
	b.WriteString("Work that belongs to another role should be handed off, not absorbed:\n")
	for _, p := range others {
		fmt.Fprintf(b, "- @%s (%s)\n", p.Role, p.DisplayName)
	}
	b.WriteString("\n")
}

func writeWorkspace(b *strings.Builder, opts PromptOpts) {
	if opts.Workspace == "" {
		return
	}
	b.WriteString("## Workspace\n")
	fmt.Fprintf(b, "Your isolated checkout is at %s on branch %s.\n", opts.Workspace, opts.Branch)
	b.WriteString("All file changes happen there; never touch other branches.\n\n")
}

func writeHistory(b *strings.Builder, summary string) {
	if summary == "" {
		return
	}
	b.WriteString("## Earlier conversation\n")
	b.WriteString(summary)
	b.WriteString("\n\n")
}

func writeCompletionProtocol(b *strings.Builder, p Profile) {
	markers := p.Markers()
	b.WriteString("## Completion\n")
	fmt.Fprintf(b, "When the task is fully done, say so and include the exact phrase %q on its own line.\n", markers[0])
	b.WriteString("Do not include that phrase for partial progress or questions.\n")
}

// CharterDocument renders the AGENT.md file seeded into a new agent
// workspace so a human opening the checkout can see who works there.
func CharterDocument(p Profile, agentName, repo, branch string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s", p.DisplayName)
	if agentName != "" {
		fmt.Fprintf(&b, " (%s)", agentName)
	}
	b.WriteString("\n\n")
	b.WriteString(p.Charter)
	b.WriteString("\n\n")
	if len(p.Specialties) > 0 {
		b.WriteString("## Specialties\n\n")
		for _, s := range p.Specialties {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}
	b.WriteString("## Workspace\n\n")
	fmt.Fprintf(&b, "Checkout of %s on branch `%s`. Managed by crew; do not edit this file.\n", repo, branch)
	return b.String()
}
