package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/dorkalev/forge-control/internal/adapters/github"
	"github.com/dorkalev/forge-control/internal/adapters/linear"
	"github.com/dorkalev/forge-control/internal/git"
	"github.com/dorkalev/forge-control/internal/journal"
	"github.com/dorkalev/forge-control/internal/logging"
	"github.com/dorkalev/forge-control/internal/tmux"
	"github.com/dorkalev/forge-control/internal/worktree"
)

// PullRequestSource lists open pull requests against a base branch.
type PullRequestSource interface {
	ListOpenPullRequests(ctx context.Context, base string) ([]*github.PullRequest, error)
}

// IssueSource fetches tracker issues. A nil issue with a nil error means
// the issue does not exist.
type IssueSource interface {
	GetIssue(ctx context.Context, identifier string) (*linear.Issue, error)
}

// WorktreeLister reports live worktrees.
type WorktreeLister interface {
	ListWorktrees(ctx context.Context) ([]git.Worktree, error)
}

// Provisioner creates the worktree for a branch.
type Provisioner interface {
	Create(ctx context.Context, branch string) (*worktree.ProvisionResult, error)
}

// SessionManager observes and creates terminal sessions.
type SessionManager interface {
	ListSessions(ctx context.Context) ([]tmux.Session, error)
	SessionExists(ctx context.Context, name string) (bool, error)
	CreateSession(ctx context.Context, name, workDir string) error
	SendKeys(ctx context.Context, name, keys string) error
}

// SpawnRecorder persists spawn attempts.
type SpawnRecorder interface {
	RecordSpawn(ctx context.Context, e journal.SpawnEntry) error
}

// TickObserver is told about every finished tick. It must not block or
// modify the report.
type TickObserver interface {
	TickFinished(report *TickReport)
}

// Deps are the collaborators a Controller drives. Journal and Observer are
// optional.
type Deps struct {
	PullRequests PullRequestSource
	Issues       IssueSource
	Worktrees    WorktreeLister
	Provisioner  Provisioner
	Sessions     SessionManager
	Journal      SpawnRecorder
	Observer     TickObserver
}

// Controller runs the reconciliation loop: on every tick it finds open pull
// requests whose issue still needs work and that have no worktree, and
// starts agents for them up to the configured parallelism.
//
// At most one tick runs at a time, whether triggered by the schedule, by
// Start, or by an operator.
type Controller struct {
	store   *Store
	deps    Deps
	cfg     Config
	base    string
	matcher *SessionMatcher
	log     *slog.Logger

	// ctx is cancelled by Close and bounds background ticks.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cron     *cron.Cron
	entryID  cron.EntryID
	running  bool
	current  chan struct{} // closed when the in-flight tick finishes
	lastTick *TickReport

	polling atomic.Bool
}

// NewController creates a stopped controller. Call Resume to honour a
// persisted enabled flag, or Start to enable the loop.
func NewController(store *Store, deps Deps, cfg *Config, baseBranch string) *Controller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Controller{
		store: store,
		deps:  deps,
		cfg:   *cfg,
		base:  baseBranch,
		log:   logging.WithComponent("autopilot"),
	}
	if c.cfg.SessionPrefix == "" {
		c.cfg.SessionPrefix = DefaultConfig().SessionPrefix
	}
	if c.cfg.TickTimeout <= 0 {
		c.cfg.TickTimeout = DefaultConfig().TickTimeout
	}
	if c.cfg.LookupConcurrency <= 0 {
		c.cfg.LookupConcurrency = 1
	}
	c.matcher = NewSessionMatcher(c.cfg.SessionPrefix)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Start enables the loop, persists that, and triggers an immediate tick.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}
	state, err := c.store.Update(func(s *DesiredState) { s.Enabled = true })
	if err != nil {
		return fmt.Errorf("persist autopilot state: %w", err)
	}
	return c.startLocked(state)
}

// Resume starts the loop without touching the persisted state if that state
// says the loop is enabled. It is a no-op otherwise.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := c.store.Get()
	if !state.Enabled || c.running {
		return nil
	}
	return c.startLocked(state)
}

func (c *Controller) startLocked(state DesiredState) error {
	sched, id, err := c.newSchedule(state.PollInterval())
	if err != nil {
		return err
	}
	c.cron, c.entryID = sched, id
	c.cron.Start()
	c.running = true

	c.log.Info("autopilot started",
		"max_parallel", state.MaxParallelAgents,
		"poll_interval", state.PollInterval(),
		"base", c.base,
	)
	c.triggerLocked("start")
	return nil
}

// Stop disables the loop, persists that, and waits for an in-flight tick to
// finish or ctx to expire.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	if _, err := c.store.Update(func(s *DesiredState) { s.Enabled = false }); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("persist autopilot state: %w", err)
	}
	c.running = false
	sched := c.cron
	c.cron = nil
	inflight := c.current
	c.mu.Unlock()

	sched.Stop()
	c.log.Info("autopilot stopped")
	return waitTick(ctx, inflight)
}

// Close stops the schedule without changing the persisted state, cancels any
// running tick, and waits for it to return. Used on process shutdown.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	sched := c.cron
	c.cron = nil
	c.running = false
	inflight := c.current
	c.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	c.cancel()
	return waitTick(ctx, inflight)
}

func waitTick(ctx context.Context, inflight chan struct{}) error {
	if inflight == nil {
		return nil
	}
	select {
	case <-inflight:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight tick: %w", ctx.Err())
	}
}

// SetMaxParallel validates and persists the agent limit. It takes effect on
// the next tick.
func (c *Controller) SetMaxParallel(n int) error {
	if n < MinParallelAgents || n > MaxParallelAgents {
		return ErrInvalidMaxParallel
	}
	if _, err := c.store.Update(func(s *DesiredState) { s.MaxParallelAgents = n }); err != nil {
		return fmt.Errorf("persist autopilot state: %w", err)
	}
	c.log.Info("max parallel agents updated", "max_parallel", n)
	return nil
}

// SetPollInterval validates and persists the poll interval, re-arming the
// schedule when the loop is running.
func (c *Controller) SetPollInterval(seconds int) error {
	if seconds < MinPollInterval || seconds > MaxPollInterval {
		return ErrInvalidPollInterval
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	state, err := c.store.Update(func(s *DesiredState) { s.PollIntervalSeconds = seconds })
	if err != nil {
		return fmt.Errorf("persist autopilot state: %w", err)
	}
	if c.running {
		sched, id, err := c.newSchedule(state.PollInterval())
		if err != nil {
			return err
		}
		old := c.cron
		c.cron, c.entryID = sched, id
		c.cron.Start()
		old.Stop()
	}
	c.log.Info("poll interval updated", "poll_interval", state.PollInterval())
	return nil
}

// Status returns the desired state plus freshly observed agent sessions.
func (c *Controller) Status(ctx context.Context) Status {
	state := c.store.Get()
	st := Status{
		Enabled:             state.Enabled,
		MaxParallelAgents:   state.MaxParallelAgents,
		PollIntervalSeconds: state.PollIntervalSeconds,
		RunningSessions:     []string{},
		IsPolling:           c.polling.Load(),
	}

	c.mu.Lock()
	if c.cron != nil {
		if next := c.cron.Entry(c.entryID).Next; !next.IsZero() {
			st.NextPollAt = &next
		}
	}
	st.LastTick = c.lastTick
	c.mu.Unlock()

	sessions, err := c.deps.Sessions.ListSessions(ctx)
	if err != nil {
		st.SessionsError = err.Error()
		return st
	}
	st.RunningSessions = c.matcher.RunningAgents(sessions)
	st.RunningAgentsCount = len(st.RunningSessions)
	return st
}

// Running reports whether the schedule is armed.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// PollOnce runs a tick synchronously. It returns ErrTickInProgress without
// waiting if another tick is in flight.
func (c *Controller) PollOnce(ctx context.Context) (*TickReport, error) {
	c.mu.Lock()
	done, ok := c.beginLocked()
	c.mu.Unlock()
	if !ok {
		return nil, ErrTickInProgress
	}
	return c.runTick(ctx, done, "manual"), nil
}

// TriggerPoll starts a tick in the background.
func (c *Controller) TriggerPoll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.triggerLocked("manual") {
		return ErrTickInProgress
	}
	return nil
}

func (c *Controller) triggerLocked(trigger string) bool {
	done, ok := c.beginLocked()
	if !ok {
		c.log.Debug("tick skipped, previous tick still running", "trigger", trigger)
		return false
	}
	go c.runTick(c.ctx, done, trigger)
	return true
}

// beginLocked acquires the single-flight guard.
func (c *Controller) beginLocked() (chan struct{}, bool) {
	if !c.polling.CompareAndSwap(false, true) {
		return nil, false
	}
	c.current = make(chan struct{})
	return c.current, true
}

func (c *Controller) finishTick(report *TickReport, done chan struct{}) {
	c.mu.Lock()
	c.lastTick = report
	c.current = nil
	c.polling.Store(false)
	c.mu.Unlock()
	if c.deps.Observer != nil {
		c.deps.Observer.TickFinished(report)
	}
	close(done)
}

// scheduledTick is the cron job. Firings after Stop are ignored.
func (c *Controller) scheduledTick() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	done, ok := c.beginLocked()
	c.mu.Unlock()
	if !ok {
		c.log.Debug("tick skipped, previous tick still running", "trigger", "schedule")
		return
	}
	c.runTick(c.ctx, done, "schedule")
}

func (c *Controller) newSchedule(interval time.Duration) (*cron.Cron, cron.EntryID, error) {
	cl := cronLogger{log: c.log}
	sched := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.SkipIfStillRunning(cl)),
	)
	id, err := sched.AddFunc("@every "+interval.String(), c.scheduledTick)
	if err != nil {
		return nil, 0, fmt.Errorf("schedule poll every %s: %w", interval, err)
	}
	return sched, id, nil
}

// runTick executes one reconciliation pass. Panics and errors stop at this
// boundary; the guard is always released.
func (c *Controller) runTick(parent context.Context, done chan struct{}, trigger string) (report *TickReport) {
	id := uuid.NewString()
	ctx, cancel := context.WithTimeout(parent, c.cfg.TickTimeout)
	ctx = logging.ContextWithCorrelationID(ctx, id)
	log := c.log.With("correlation_id", id, "trigger", trigger)

	report = &TickReport{ID: id, StartedAt: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			report.Error = fmt.Sprintf("panic: %v", r)
			log.Error("tick panicked", "panic", r, "stack", string(debug.Stack()))
		}
		cancel()
		report.FinishedAt = time.Now()
		c.finishTick(report, done)
		log.Debug("tick finished",
			"duration", report.FinishedAt.Sub(report.StartedAt),
			"open_prs", report.OpenPRs,
			"spawned", len(report.Spawned),
		)
	}()

	if err := c.reconcile(ctx, report, log); err != nil {
		report.Error = err.Error()
		log.Error("tick failed", "error", err)
	}
	return report
}

func (c *Controller) reconcile(ctx context.Context, report *TickReport, log *slog.Logger) error {
	state := c.store.Get()

	prs, err := c.deps.PullRequests.ListOpenPullRequests(ctx, c.base)
	if err != nil {
		return fmt.Errorf("list open pull requests: %w", err)
	}
	report.OpenPRs = len(prs)
	if len(prs) == 0 {
		log.Debug("no open pull requests", "base", c.base)
		return nil
	}

	items := make([]WorkItem, 0, len(prs))
	for _, pr := range prs {
		item, ok := WorkItemFromPR(pr)
		if !ok {
			report.skip(pr.Number, pr.Head.Ref, "no issue identifier in branch name")
			log.Debug("skipping pull request without issue identifier", "pr", pr.Number, "branch", pr.Head.Ref)
			continue
		}
		items = append(items, item)
	}

	eligible := c.filterEligible(ctx, items, report, log)
	report.Eligible = len(eligible)
	if len(eligible) == 0 {
		return nil
	}

	worktrees, err := c.deps.Worktrees.ListWorktrees(ctx)
	if err != nil {
		return fmt.Errorf("list worktrees: %w", err)
	}
	needs := WithoutWorktree(eligible, worktrees)
	report.NeedsAgent = len(needs)
	if len(needs) == 0 {
		return nil
	}

	sessions, err := c.deps.Sessions.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	running := c.matcher.RunningAgents(sessions)
	report.Running = len(running)
	report.Available = AvailableSlots(state.MaxParallelAgents, len(running))
	if report.Available == 0 {
		log.Info("no free agent slots", "running", len(running), "max_parallel", state.MaxParallelAgents, "waiting", len(needs))
		return nil
	}

	batch := needs
	if len(batch) > report.Available {
		for _, item := range batch[report.Available:] {
			report.skip(item.PRNumber, item.Branch, "no free agent slot")
		}
		batch = batch[:report.Available]
	}

	// Sequential: every spawn mutates the repository's worktree registry.
	for _, item := range batch {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("tick aborted: %w", err)
		}
		report.Spawned = append(report.Spawned, c.spawn(ctx, report.ID, item, log))
	}
	return nil
}

type issueLookup struct {
	issue *linear.Issue
	err   error
}

// filterEligible fetches every item's issue with bounded parallelism and
// keeps, in input order, those whose issue may receive an agent.
func (c *Controller) filterEligible(ctx context.Context, items []WorkItem, report *TickReport, log *slog.Logger) []WorkItem {
	results := make([]issueLookup, len(items))
	sem := make(chan struct{}, c.cfg.LookupConcurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		wg.Add(1)
		go func(i int, identifier string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i].err = fmt.Errorf("panic: %v", r)
				}
			}()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i].err = ctx.Err()
				return
			}
			defer func() { <-sem }()

			issue, err := c.deps.Issues.GetIssue(ctx, identifier)
			results[i] = issueLookup{issue: issue, err: err}
		}(i, item.Identifier)
	}
	wg.Wait()

	eligible := make([]WorkItem, 0, len(items))
	for i, item := range items {
		r := results[i]
		switch {
		case r.err != nil:
			report.skip(item.PRNumber, item.Branch, "issue lookup failed: "+r.err.Error())
			log.Warn("issue lookup failed", "issue", item.Identifier, "pr", item.PRNumber, "error", r.err)
		case r.issue == nil:
			report.skip(item.PRNumber, item.Branch, "issue "+item.Identifier+" not found")
			log.Warn("issue not found", "issue", item.Identifier, "pr", item.PRNumber)
		case !IsEligible(r.issue.State):
			report.skip(item.PRNumber, item.Branch, fmt.Sprintf("issue is %s (%s)", r.issue.State.Name, r.issue.State.Type))
		default:
			eligible = append(eligible, item)
		}
	}
	return eligible
}

// spawn provisions the worktree and starts the agent session for one item.
func (c *Controller) spawn(ctx context.Context, tickID string, item WorkItem, log *slog.Logger) (res SpawnResult) {
	res = SpawnResult{WorkItem: item, Session: SessionName(c.cfg.SessionPrefix, item.Identifier)}
	log = log.With("branch", item.Branch, "session", res.Session, "pr", item.PRNumber)

	defer func() {
		if res.Error != "" {
			log.Error("agent spawn failed", "error", res.Error)
		}
		c.recordSpawn(ctx, tickID, res, log)
	}()

	prov, err := c.deps.Provisioner.Create(ctx, item.Branch)
	if err != nil {
		res.Error = "provision worktree: " + err.Error()
		return res
	}
	res.Path = prov.Path
	res.WorktreeReused = prov.Existed

	exists, err := c.deps.Sessions.SessionExists(ctx, res.Session)
	if err != nil {
		res.Error = "check session: " + err.Error()
		return res
	}
	if exists {
		res.SessionReused = true
		log.Info("agent session already running")
		return res
	}

	if err := c.deps.Sessions.CreateSession(ctx, res.Session, prov.Path); err != nil {
		if errors.Is(err, tmux.ErrSessionExists) {
			res.SessionReused = true
			return res
		}
		res.Error = "create session: " + err.Error()
		return res
	}

	if c.cfg.AgentCommand != "" {
		if err := c.deps.Sessions.SendKeys(ctx, res.Session, c.cfg.AgentCommand); err != nil {
			res.Error = "start agent: " + err.Error()
			return res
		}
	}

	log.Info("agent spawned", "path", prov.Path, "worktree_reused", prov.Existed)
	return res
}

func (c *Controller) recordSpawn(ctx context.Context, tickID string, res SpawnResult, log *slog.Logger) {
	if c.deps.Journal == nil {
		return
	}
	err := c.deps.Journal.RecordSpawn(ctx, journal.SpawnEntry{
		TickID:     tickID,
		PRNumber:   res.PRNumber,
		Branch:     res.Branch,
		Identifier: res.Identifier,
		Session:    res.Session,
		Path:       res.Path,
		Existed:    res.WorktreeReused || res.SessionReused,
		Error:      res.Error,
	})
	if err != nil {
		log.Warn("failed to journal spawn", "error", err)
	}
}

func (r *TickReport) skip(pr int, branch, reason string) {
	r.Skipped = append(r.Skipped, SkippedItem{PRNumber: pr, Branch: branch, Reason: reason})
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
