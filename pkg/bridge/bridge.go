// Package bridge connects one Telegram group conversation to the agent
// group. A long-poll loop pulls updates from the Bot API; a leading @role
// mention routes the message body to that agent's step endpoint, and the
// /status, /agents, /help, and /start commands answer read-only from the
// orchestrator control API. Messages for the same role forward strictly in
// arrival order through a per-role serial queue; different roles forward
// concurrently.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"crew/pkg/agent"
	"crew/pkg/eventlog"
	"crew/pkg/protocol"
	"crew/pkg/team"
)

// --- Interfaces for testability ---

// ChatAPI is the slice of the Telegram client the bridge needs.
type ChatAPI interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) error
}

// ControlAPI answers read-only agent group queries from the daemon.
type ControlAPI interface {
	Status(ctx context.Context) (protocol.ControlStatus, error)
	Agents(ctx context.Context) ([]protocol.AgentSummary, error)
}

// AgentAPI is the slice of the agent client the bridge needs.
type AgentAPI interface {
	Step(ctx context.Context, input, source string) (protocol.StepResponse, error)
}

// --- Config ---

// Config holds bridge configuration.
type Config struct {
	ChatID        int64         // Telegram group the bridge serves; 0 accepts any chat
	PollTimeout   time.Duration // getUpdates long-poll window (default 30s)
	StepTimeout   time.Duration // per-message agent step deadline (default 2m)
	RetryPause    time.Duration // pause before the single delivery retry (default 2s)
	QueueSize     int           // per-role inbox capacity (default 16)
	IgnoreUnknown bool          // drop unknown-role mentions without a chat reply
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.PollTimeout == 0 {
		out.PollTimeout = 30 * time.Second
	}
	if out.StepTimeout == 0 {
		out.StepTimeout = 2 * time.Minute
	}
	if out.RetryPause == 0 {
		out.RetryPause = 2 * time.Second
	}
	if out.QueueSize == 0 {
		out.QueueSize = 16
	}
	return out
}

// --- Bridge ---

// Bridge relays between the chat and the agents. One worker goroutine per
// role consumes that role's inbox, so a slow agent delays only its own
// conversation.
type Bridge struct {
	cfg     Config
	chat    ChatAPI
	control ControlAPI
	catalog *team.Catalog
	events  *eventlog.Logger
	log     *slog.Logger

	// clientFor builds the API client for an agent port. Tests point it at
	// fakes.
	clientFor func(role string, port int) AgentAPI

	// pollBackoff spaces out retries after a failed getUpdates call.
	pollBackoff time.Duration

	mu     sync.Mutex
	queues map[string]chan inbound
	wg     sync.WaitGroup
}

// inbound is one mention-routed message waiting in a role's inbox.
type inbound struct {
	role   string
	port   int
	body   string
	chatID int64
	msgID  int64
}

// New creates a Bridge. events and log may be nil; a nil log falls back to
// text output on stderr.
func New(cfg Config, chat ChatAPI, control ControlAPI, catalog *team.Catalog, events *eventlog.Logger, log *slog.Logger) *Bridge {
	if catalog == nil {
		catalog = team.Builtin()
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Bridge{
		cfg:     cfg.withDefaults(),
		chat:    chat,
		control: control,
		catalog: catalog,
		events:  events,
		log:     log,
		clientFor: func(role string, port int) AgentAPI {
			return agent.NewClient(role, port)
		},
		pollBackoff: 2 * time.Second,
		queues:      make(map[string]chan inbound),
	}
}

// Run announces the bridge and polls for updates until ctx is cancelled.
// Poll errors log and back off rather than kill the loop; ErrConflict is
// fatal because a second consumer would steal updates indefinitely.
func (b *Bridge) Run(ctx context.Context) error {
	b.announce(ctx)
	b.logEvent(ctx, "bridge_started", "", "", "")
	b.log.Info("bridge started", "chat_id", b.cfg.ChatID)

	var offset int64
	for {
		if ctx.Err() != nil {
			b.shutdown()
			return nil
		}

		pollCtx, cancel := context.WithTimeout(ctx, b.cfg.PollTimeout+10*time.Second)
		updates, err := b.chat.GetUpdates(pollCtx, offset, b.cfg.PollTimeout)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				b.shutdown()
				return nil
			}
			if errors.Is(err, ErrConflict) {
				b.shutdown()
				return fmt.Errorf("bridge poll: %w", err)
			}
			b.log.Warn("getUpdates failed", "err", err)
			select {
			case <-ctx.Done():
				b.shutdown()
				return nil
			case <-time.After(b.pollBackoff):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			b.handleUpdate(ctx, u)
		}
	}
}

// shutdown closes every role inbox and waits for the workers to drain.
func (b *Bridge) shutdown() {
	b.mu.Lock()
	for _, q := range b.queues {
		close(q)
	}
	b.queues = make(map[string]chan inbound)
	b.mu.Unlock()
	b.wg.Wait()
	b.log.Info("bridge stopped")
}

// handleUpdate classifies one update: slash command, @role mention, or
// ambient chatter. Chatter with no mention is not addressed to the team and
// is ignored; a mention that cannot be delivered always leaves an audit
// event.
func (b *Bridge) handleUpdate(ctx context.Context, u Update) {
	msg := u.Message
	if msg == nil || msg.Text == "" {
		return
	}
	if b.cfg.ChatID != 0 && msg.Chat.ID != b.cfg.ChatID {
		return
	}

	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		b.handleCommand(ctx, msg.Chat.ID, msg.MessageID, text)
		return
	}

	token, body, found := team.SplitMention(text)
	if !found {
		return
	}
	role, ok := b.catalog.Resolve(token)
	if !ok {
		b.logEvent(ctx, "message_dropped", "", "", fmt.Sprintf("unknown role %q", token))
		if !b.cfg.IgnoreUnknown {
			b.send(ctx, msg.Chat.ID, msg.MessageID, fmt.Sprintf("No agent answers to @%s. Try /agents for the roster.", token))
		}
		return
	}
	if body == "" {
		b.logEvent(ctx, "message_dropped", role.String(), "", "empty message body")
		b.send(ctx, msg.Chat.ID, msg.MessageID, fmt.Sprintf("@%s needs a message after the mention.", token))
		return
	}

	port, err := b.agentPort(ctx, role.String())
	if err != nil {
		b.logEvent(ctx, "message_dropped", role.String(), "", fmt.Sprintf("control api: %v", err))
		b.send(ctx, msg.Chat.ID, msg.MessageID, "The crew daemon is not reachable; the message was not delivered.")
		return
	}
	if port == 0 {
		b.logEvent(ctx, "message_dropped", role.String(), "", "agent not running")
		b.send(ctx, msg.Chat.ID, msg.MessageID, fmt.Sprintf("No running agent for %s. Start one with: crew start %s", role, role))
		return
	}

	b.enqueue(ctx, inbound{role: role.String(), port: port, body: body, chatID: msg.Chat.ID, msgID: msg.MessageID})
}

// agentPort returns the port of the running agent for role, or 0 when no
// such agent is up.
func (b *Bridge) agentPort(ctx context.Context, role string) (int, error) {
	agents, err := b.control.Agents(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range agents {
		if a.Role == role && a.Status == protocol.AgentRunning {
			return a.Port, nil
		}
	}
	return 0, nil
}

// enqueue hands the message to the role's serial queue, spawning the worker
// on first use. A full inbox answers immediately instead of blocking the
// poll loop behind one slow agent.
func (b *Bridge) enqueue(ctx context.Context, msg inbound) {
	b.mu.Lock()
	q, ok := b.queues[msg.role]
	if !ok {
		q = make(chan inbound, b.cfg.QueueSize)
		b.queues[msg.role] = q
		b.wg.Add(1)
		go b.worker(ctx, q)
	}
	b.mu.Unlock()

	select {
	case q <- msg:
	default:
		b.logEvent(ctx, "message_dropped", msg.role, "", "bridge inbox full")
		b.send(ctx, msg.chatID, msg.msgID, fmt.Sprintf("%s has a full inbox; try again shortly.", strings.ToUpper(msg.role)))
	}
}

// worker consumes one role's inbox in order. After shutdown begins it keeps
// draining so close() never strands senders, but forwards nothing.
func (b *Bridge) worker(ctx context.Context, q chan inbound) {
	defer b.wg.Done()
	for msg := range q {
		if ctx.Err() != nil {
			continue
		}
		b.forward(ctx, msg)
	}
}

// forward delivers one message to its agent and relays the reply. One retry
// after a short pause; a second failure produces an unavailability notice
// naming the role, so the conversation never wonders where a message went.
func (b *Bridge) forward(ctx context.Context, msg inbound) {
	api := b.clientFor(msg.role, msg.port)
	resp, err := b.step(ctx, api, msg)
	if err != nil {
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.cfg.RetryPause):
		}
		resp, err = b.step(ctx, api, msg)
	}
	if err != nil {
		b.log.Warn("agent step failed", "role", msg.role, "err", err)
		b.logEvent(ctx, "message_dropped", msg.role, "", fmt.Sprintf("agent unreachable: %v", err))
		b.send(ctx, msg.chatID, msg.msgID, fmt.Sprintf("%s is not reachable right now; the message was not delivered.", strings.ToUpper(msg.role)))
		return
	}

	b.logEvent(ctx, "message_routed", msg.role, resp.TaskID, "")
	reply := resp.Reply
	if reply == "" {
		reply = "(no reply)"
	}
	b.send(ctx, msg.chatID, msg.msgID, fmt.Sprintf("%s responds:\n\n%s", strings.ToUpper(msg.role), reply))
}

func (b *Bridge) step(ctx context.Context, api AgentAPI, msg inbound) (protocol.StepResponse, error) {
	stepCtx, cancel := context.WithTimeout(ctx, b.cfg.StepTimeout)
	defer cancel()
	return api.Step(stepCtx, msg.body, protocol.OriginChat)
}

// send relays text to the chat, splitting past the Telegram message limit.
// Only the first chunk replies to the originating message.
func (b *Bridge) send(ctx context.Context, chatID, replyTo int64, text string) {
	for i, part := range splitMessage(text, MessageLimit) {
		var rt int64
		if i == 0 {
			rt = replyTo
		}
		if err := b.chat.SendMessage(ctx, chatID, part, rt); err != nil {
			b.log.Warn("sendMessage failed", "err", err)
			return
		}
	}
}

// announce posts the startup greeting naming the agents currently on duty.
func (b *Bridge) announce(ctx context.Context) {
	if b.cfg.ChatID == 0 {
		return
	}
	line := "🤖 crew bridge online."
	if agents, err := b.control.Agents(ctx); err == nil {
		var online []string
		for _, a := range agents {
			if a.Status == protocol.AgentRunning {
				online = append(online, "@"+a.Role)
			}
		}
		if len(online) > 0 {
			line += " On duty: " + strings.Join(online, " ")
		} else {
			line += " No agents running yet; /agents shows the roster."
		}
	}
	b.send(ctx, b.cfg.ChatID, 0, line)
}

// handleCommand answers the slash commands. All of them are read-only;
// nothing a chat command does mutates agent or task state. Unknown commands
// stay silent since they may belong to another bot in the group.
func (b *Bridge) handleCommand(ctx context.Context, chatID, msgID int64, text string) {
	cmd := strings.Fields(text)[0]
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	switch cmd {
	case "/start":
		b.send(ctx, chatID, msgID, "👋 crew bridge ready.\n\n"+commandHelp)
	case "/help":
		b.send(ctx, chatID, msgID, b.helpText())
	case "/status":
		b.send(ctx, chatID, msgID, b.statusText(ctx))
	case "/agents":
		b.send(ctx, chatID, msgID, b.rosterText(ctx))
	}
}

const commandHelp = `Commands:
/agents - list the team
/status - agent status and task counts
/help - this message

Talk to an agent with a leading mention:
@backend implement user authentication`

// helpText extends the command help with the full role catalog, aliases
// included, so the chat can discover who answers to what.
func (b *Bridge) helpText() string {
	var sb strings.Builder
	sb.WriteString(commandHelp)
	sb.WriteString("\n\nRoles:\n")
	for _, p := range b.catalog.Roster() {
		fmt.Fprintf(&sb, "• @%s  %s", p.Role, p.DisplayName)
		if len(p.Aliases) > 0 {
			fmt.Fprintf(&sb, " (also @%s)", strings.Join(p.Aliases, ", @"))
		}
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// statusText renders the aggregate daemon status for the chat.
func (b *Bridge) statusText(ctx context.Context) string {
	st, err := b.control.Status(ctx)
	if err != nil {
		return "The crew daemon is not reachable."
	}
	if len(st.Agents) == 0 {
		return "No agents registered yet. Create one with: crew create <role>"
	}

	var sb strings.Builder
	for _, a := range st.Agents {
		dot := "🔴"
		if a.Status == protocol.AgentRunning {
			dot = "🟢"
		}
		fmt.Fprintf(&sb, "%s %s (%s)", dot, strings.ToUpper(a.Role), a.Status)
		if a.Phase != "" {
			fmt.Fprintf(&sb, " %s", a.Phase)
		}
		sb.WriteString("\n")
		if a.TaskTitle != "" {
			fmt.Fprintf(&sb, "   task: %s\n", a.TaskTitle)
		}
		if a.QueueDepth > 0 {
			fmt.Fprintf(&sb, "   queued: %d\n", a.QueueDepth)
		}
	}
	fmt.Fprintf(&sb, "\ntasks: %d queued, %d in progress, %d blocked, %d completed, %d failed",
		st.Tasks.Queued, st.Tasks.InProgress, st.Tasks.Blocked, st.Tasks.Completed, st.Tasks.Failed)
	return sb.String()
}

// rosterText lists the registered agents with their ports.
func (b *Bridge) rosterText(ctx context.Context) string {
	agents, err := b.control.Agents(ctx)
	if err != nil {
		return "The crew daemon is not reachable."
	}
	if len(agents) == 0 {
		return "No agents registered yet. Create one with: crew create <role>"
	}

	var sb strings.Builder
	sb.WriteString("Registered agents:\n")
	for _, a := range agents {
		fmt.Fprintf(&sb, "• @%s  %s, port %d (%s)\n", a.Role, a.Name, a.Port, a.Status)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// logEvent records an audit event, best-effort.
func (b *Bridge) logEvent(ctx context.Context, kind, role, taskID, detail string) {
	if b.events == nil {
		return
	}
	_ = b.events.Log(ctx, kind, role, taskID, detail)
}
