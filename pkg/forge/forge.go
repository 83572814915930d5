// Package forge synchronizes the crew task board with a GitHub repository.
// Issues labeled role:<role> become tasks routed through the orchestrator;
// task transitions flow back as comments and status labels; completed work
// opens a pull request from the agent's branch, and merged pulls close
// their issue. One cycle runs at a time and the cursor only advances after
// a cycle with no skipped issues.
package forge

import (
	"context"
	"database/sql"
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
)

const (
	roleLabelPrefix   = "role:"
	statusLabelPrefix = "status:"
)

// Config carries synchronizer tuning. Zero values select defaults.
type Config struct {
	BaseBranch string        // merge target for agent pull requests
	Interval   time.Duration // pause between scheduled cycles
}

func (c Config) withDefaults() Config {
	if c.BaseBranch == "" {
		c.BaseBranch = "main"
	}
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	return c
}

// --- Interfaces for testability ---

// Host is the code-host surface the synchronizer drives. *Client implements
// it against GitHub.
type Host interface {
	ListIssuesSince(ctx context.Context, since time.Time, etag string) ([]Issue, string, error)
	Issue(ctx context.Context, number int) (Issue, error)
	CreateComment(ctx context.Context, number int, body string) error
	SetLabels(ctx context.Context, number int, labels []string) error
	CloseIssue(ctx context.Context, number int) error
	CreatePull(ctx context.Context, title, body, head, base string) (Pull, error)
	Pull(ctx context.Context, number int) (Pull, error)
	MergePull(ctx context.Context, number int, message string) error
}

// Router creates and routes tasks. *orchestrator.Orchestrator implements it.
type Router interface {
	CreateTask(ctx context.Context, req protocol.CreateTaskRequest) (protocol.CreateTaskResponse, error)
	AgentBranch(ctx context.Context, role string) (string, error)
}

// Synchronizer maps tracker issues onto tasks and reflects task progress
// back. Safe for concurrent use; cycles are single-flight.
type Synchronizer struct {
	cfg    Config
	host   Host
	router Router
	store  *syncStore
	tasks  *agent.Store
	events *eventlog.Logger
	log    *slog.Logger

	nowFunc func() time.Time

	mu sync.Mutex // held for the duration of a cycle

	// Cycle-serialized fields, guarded by mu.
	rateLimitedUntil time.Time
	authAlerted      bool
}

// New creates a Synchronizer over the shared crew database.
func New(cfg Config, db *sql.DB, host Host, router Router, events *eventlog.Logger, log *slog.Logger) *Synchronizer {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Synchronizer{
		cfg:     cfg.withDefaults(),
		host:    host,
		router:  router,
		store:   &syncStore{db: db},
		tasks:   agent.NewStore(db),
		events:  events,
		log:     log,
		nowFunc: time.Now,
	}
}

// Run executes a cycle immediately and then on every interval tick until ctx
// is cancelled. Cycle failures are logged inside SyncNow and never stop the
// loop.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.log.Info("synchronizer started", "interval", s.cfg.Interval, "base", s.cfg.BaseBranch)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		_, _ = s.SyncNow(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SyncNow runs one synchronization cycle. A cycle already in flight, or a
// rate-limit window still open, answers Started: false without touching the
// tracker.
func (s *Synchronizer) SyncNow(ctx context.Context) (protocol.SyncResponse, error) {
	if !s.mu.TryLock() {
		return protocol.SyncResponse{Started: false, Detail: "sync already running"}, nil
	}
	defer s.mu.Unlock()

	if until := s.rateLimitedUntil; s.nowFunc().Before(until) {
		detail := fmt.Sprintf("rate limited until %s", until.UTC().Format(time.RFC3339))
		return protocol.SyncResponse{Started: false, Detail: detail}, nil
	}

	summary, err := s.cycle(ctx)
	if err != nil {
		s.noteCycleError(ctx, err)
		return protocol.SyncResponse{}, err
	}

	s.authAlerted = false
	return protocol.SyncResponse{Started: true, Detail: summary}, nil
}

// noteCycleError logs a failed cycle. Throttling opens the back-off window;
// a credential rejection alerts once and stays quiet until a cycle succeeds
// or the process restarts.
func (s *Synchronizer) noteCycleError(ctx context.Context, err error) {
	switch {
	case IsRateLimited(err):
		until := s.nowFunc().Add(s.cfg.Interval)
		var ghe *GitHubError
		if errors.As(err, &ghe) && ghe.ResetAt.After(until) {
			until = ghe.ResetAt
		}
		s.rateLimitedUntil = until
		s.log.Warn("rate limited", "until", until.UTC().Format(time.RFC3339))
		s.logEvent(ctx, "sync_rate_limited", "", "", err.Error())
	case IsAuthError(err):
		if s.authAlerted {
			s.log.Debug("authentication still rejected", "error", err)
			return
		}
		s.authAlerted = true
		s.log.Error("authentication rejected by code host", "error", err)
		s.logEvent(ctx, "sync_auth_failed", "", "", err.Error())
	default:
		if ctx.Err() == nil {
			s.log.Warn("sync cycle failed", "error", err)
		}
	}
}

type cycleStats struct {
	imported  int
	refreshed int
	reported  int
	pulls     int
	closed    int
	skipped   int
}

func (c cycleStats) String() string {
	return fmt.Sprintf("%d imported, %d refreshed, %d reported, %d pulls opened, %d closed, %d skipped",
		c.imported, c.refreshed, c.reported, c.pulls, c.closed, c.skipped)
}

func (c cycleStats) idle() bool {
	return c == cycleStats{}
}

// cycle imports new and updated issues, then reconciles every open mapping
// against its task. The cursor and list etag advance only when no issue was
// skipped.
func (s *Synchronizer) cycle(ctx context.Context) (string, error) {
	lastSeen, etag, err := s.store.cursor(ctx)
	if err != nil {
		return "", err
	}
	var since time.Time
	if lastSeen != "" {
		since, err = time.Parse(time.RFC3339, lastSeen)
		if err != nil {
			return "", fmt.Errorf("parse cursor %q: %w", lastSeen, err)
		}
	}

	issues, newETag, err := s.host.ListIssuesSince(ctx, since, etag)
	if errors.Is(err, ErrNotModified) {
		issues, newETag, err = nil, etag, nil
	}
	if err != nil {
		return "", err
	}

	var stats cycleStats
	maxSeen := lastSeen
	for _, issue := range issues {
		if stamp := issueStamp(issue); stamp > maxSeen {
			maxSeen = stamp
		}
		if issue.PullRequest != nil {
			continue
		}
		if err := s.importIssue(ctx, issue, &stats); err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			stats.skipped++
			s.log.Warn("issue import failed", "issue", issue.Number, "error", err)
		}
	}

	open, err := s.store.open(ctx)
	if err != nil {
		return "", err
	}
	for _, m := range open {
		err := s.reconcile(ctx, m, &stats)
		if err == nil {
			continue
		}
		if IsRateLimited(err) || IsAuthError(err) || ctx.Err() != nil {
			return "", err
		}
		stats.skipped++
		var conflict *protocol.SyncConflictError
		if errors.As(err, &conflict) {
			s.log.Warn("remote moved mid-sync, skipping issue", "issue", m.Issue, "op", conflict.Op)
			s.logEvent(ctx, "sync_conflict", "", m.TaskID, err.Error())
			continue
		}
		s.log.Warn("reconcile failed", "issue", m.Issue, "error", err)
	}

	if stats.skipped == 0 && (maxSeen != lastSeen || newETag != etag) {
		if err := s.store.saveCursor(ctx, maxSeen, newETag); err != nil {
			return "", err
		}
	}

	summary := stats.String()
	if stats.idle() {
		s.log.Debug("sync cycle idle")
	} else {
		s.log.Info("sync cycle finished", "summary", summary)
		s.logEvent(ctx, "sync_cycle", "", "", summary)
	}
	return summary, nil
}

// importIssue creates a task for a new role-labeled issue or refreshes the
// task metadata of a known one. Issues without a role label, and closed
// issues never imported, are left alone; a mapped issue closed on the
// tracker retires its mapping.
func (s *Synchronizer) importIssue(ctx context.Context, issue Issue, stats *cycleStats) error {
	m, err := s.store.lookup(ctx, issue.Number)
	if err != nil {
		return err
	}
	stamp := issueStamp(issue)

	if m == nil {
		role, ok := roleFromLabels(issue.LabelNames())
		if !ok || issue.State != "open" {
			return nil
		}
		resp, err := s.router.CreateTask(ctx, protocol.CreateTaskRequest{
			Title:       issue.Title,
			Description: issue.Body,
			Role:        role,
			Origin:      protocol.OriginIssue(issue.Number),
		})
		if err != nil {
			return fmt.Errorf("route issue #%d: %w", issue.Number, err)
		}
		if err := s.store.insert(ctx, mapping{
			Issue:          issue.Number,
			TaskID:         resp.TaskID,
			IssueUpdatedAt: stamp,
		}); err != nil {
			return err
		}
		stats.imported++
		s.log.Info("issue imported", "issue", issue.Number, "role", role, "task", resp.TaskID)
		s.logEvent(ctx, "task_imported", role, resp.TaskID, fmt.Sprintf("issue #%d: %s", issue.Number, issue.Title))
		return nil
	}

	if m.IssueUpdatedAt == stamp {
		return nil
	}
	if issue.State == "closed" {
		// Someone closed the issue on the tracker; stop reporting to it.
		if err := s.store.markClosed(ctx, issue.Number); err != nil {
			return err
		}
		if err := s.store.setIssueStamp(ctx, issue.Number, stamp); err != nil {
			return err
		}
		s.log.Info("issue closed remotely, tracking stopped", "issue", issue.Number, "task", m.TaskID)
		return nil
	}
	if err := s.tasks.RefreshMeta(ctx, m.TaskID, issue.Title, issue.Body); err != nil {
		return err
	}
	if err := s.store.setIssueStamp(ctx, issue.Number, stamp); err != nil {
		return err
	}
	stats.refreshed++
	s.log.Info("task refreshed from issue", "issue", issue.Number, "task", m.TaskID)
	return nil
}

// reconcile reflects one task's progress onto its issue: a merged pull
// closes the issue; otherwise a state change since the last report posts a
// progress comment, swaps the status label, and on completion opens the
// pull request once.
func (s *Synchronizer) reconcile(ctx context.Context, m mapping, stats *cycleStats) error {
	task, err := s.tasks.Task(ctx, m.TaskID)
	if err != nil {
		return err
	}

	if m.PRNumber != 0 {
		pull, err := s.host.Pull(ctx, m.PRNumber)
		if err != nil {
			return s.wrapWrite(m.Issue, "get pull", err)
		}
		if pull.Merged {
			return s.closeIssue(ctx, m, stats)
		}
	}

	state := string(task.State)
	if state == m.ReportedState {
		return nil
	}

	prNumber := m.PRNumber
	if task.State == protocol.TaskCompleted && prNumber == 0 {
		pull, err := s.openPull(ctx, m, task)
		if err != nil {
			return err
		}
		prNumber = pull.Number
		stats.pulls++
	}

	issue, err := s.host.Issue(ctx, m.Issue)
	if err != nil {
		return s.wrapWrite(m.Issue, "get issue", err)
	}
	if err := s.host.CreateComment(ctx, m.Issue, progressComment(task, prNumber)); err != nil {
		return s.wrapWrite(m.Issue, "create comment", err)
	}
	labels := swapStatusLabel(issue.LabelNames(), state)
	if err := s.host.SetLabels(ctx, m.Issue, labels); err != nil {
		return s.wrapWrite(m.Issue, "set labels", err)
	}
	if err := s.store.setReportedState(ctx, m.Issue, state); err != nil {
		return err
	}
	stats.reported++
	s.log.Info("progress reported", "issue", m.Issue, "task", m.TaskID, "state", state)
	s.logEvent(ctx, "progress_reported", task.Role, m.TaskID, fmt.Sprintf("issue #%d: %s", m.Issue, state))
	return nil
}

// openPull opens the pull request for a completed task's branch and records
// its number so it is never opened twice.
func (s *Synchronizer) openPull(ctx context.Context, m mapping, task protocol.Task) (Pull, error) {
	branch, err := s.router.AgentBranch(ctx, task.Role)
	if err != nil {
		return Pull{}, fmt.Errorf("branch for %s: %w", task.Role, err)
	}
	body := fmt.Sprintf("Work for #%d by the %s agent.", m.Issue, task.Role)
	pull, err := s.host.CreatePull(ctx, task.Title, body, branch, s.cfg.BaseBranch)
	if err != nil {
		return Pull{}, s.wrapWrite(m.Issue, "create pull", err)
	}
	if err := s.store.setPRNumber(ctx, m.Issue, pull.Number); err != nil {
		return Pull{}, err
	}
	s.log.Info("pull opened", "issue", m.Issue, "pr", pull.Number, "branch", branch)
	s.logEvent(ctx, "pr_opened", task.Role, m.TaskID, fmt.Sprintf("issue #%d: pull #%d", m.Issue, pull.Number))
	return pull, nil
}

// closeIssue posts the closing comment, closes the issue, and retires the
// mapping.
func (s *Synchronizer) closeIssue(ctx context.Context, m mapping, stats *cycleStats) error {
	comment := fmt.Sprintf("Merged in #%d. Closing.", m.PRNumber)
	if err := s.host.CreateComment(ctx, m.Issue, comment); err != nil {
		return s.wrapWrite(m.Issue, "create comment", err)
	}
	if err := s.host.CloseIssue(ctx, m.Issue); err != nil {
		return s.wrapWrite(m.Issue, "close issue", err)
	}
	if err := s.store.markClosed(ctx, m.Issue); err != nil {
		return err
	}
	stats.closed++
	s.log.Info("issue closed", "issue", m.Issue, "pr", m.PRNumber)
	s.logEvent(ctx, "issue_closed", "", m.TaskID, fmt.Sprintf("issue #%d via pull #%d", m.Issue, m.PRNumber))
	return nil
}

// Merge merges a pull request on the code host. Human-triggered only; the
// sync cycle never calls it.
func (s *Synchronizer) Merge(ctx context.Context, prNumber int) error {
	pull, err := s.host.Pull(ctx, prNumber)
	if err != nil {
		return err
	}
	if pull.Merged {
		return nil
	}
	if pull.Mergeable == nil || !*pull.Mergeable {
		return fmt.Errorf("pull #%d is not mergeable", prNumber)
	}
	if err := s.host.MergePull(ctx, prNumber, ""); err != nil {
		return err
	}
	s.log.Info("pull merged", "pr", prNumber)
	s.logEvent(ctx, "pr_merged", "", "", fmt.Sprintf("pull #%d", prNumber))
	return nil
}

// wrapWrite converts remote edit conflicts into SyncConflictError so the
// cycle skips the issue and retries next time.
func (s *Synchronizer) wrapWrite(issue int, op string, err error) error {
	var ghe *GitHubError
	if errors.As(err, &ghe) && isWriteConflict(ghe.Status) {
		return &protocol.SyncConflictError{Issue: issue, Op: op, Status: ghe.Status}
	}
	return err
}

func (s *Synchronizer) logEvent(ctx context.Context, kind, role, taskID, detail string) {
	if s.events == nil {
		return
	}
	if err := s.events.Log(ctx, kind, role, taskID, detail); err != nil {
		s.log.Warn("event write failed", "kind", kind, "error", err)
	}
}

func issueStamp(issue Issue) string {
	return issue.UpdatedAt.UTC().Format(time.RFC3339)
}

// roleFromLabels extracts the target role from the first role: label.
func roleFromLabels(labels []string) (string, bool) {
	for _, l := range labels {
		if rest, ok := strings.CutPrefix(l, roleLabelPrefix); ok && rest != "" {
			return strings.ToLower(strings.TrimSpace(rest)), true
		}
	}
	return "", false
}

// swapStatusLabel replaces any status: label with the one for state,
// preserving every other label.
func swapStatusLabel(labels []string, state string) []string {
	out := make([]string, 0, len(labels)+1)
	for _, l := range labels {
		if !strings.HasPrefix(l, statusLabelPrefix) {
			out = append(out, l)
		}
	}
	return append(out, statusLabelPrefix+state)
}

// progressComment renders the tracker comment for a task's current state.
func progressComment(task protocol.Task, prNumber int) string {
	switch task.State {
	case protocol.TaskQueued:
		return fmt.Sprintf("Task queued for the %s agent.", task.Role)
	case protocol.TaskInProgress:
		return fmt.Sprintf("The %s agent started work.", task.Role)
	case protocol.TaskBlocked:
		return fmt.Sprintf("Work is blocked: %s.", task.BlockedReason)
	case protocol.TaskCompleted:
		if prNumber != 0 {
			return fmt.Sprintf("Work is complete; see #%d.", prNumber)
		}
		return "Work is complete."
	case protocol.TaskFailed:
		return fmt.Sprintf("Work failed: %s.", task.FailReason)
	}
	return fmt.Sprintf("Task is %s.", task.State)
}
