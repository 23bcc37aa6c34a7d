package autopilot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dorkalev/forge-control/internal/adapters/github"
	"github.com/dorkalev/forge-control/internal/adapters/linear"
	"github.com/dorkalev/forge-control/internal/git"
	"github.com/dorkalev/forge-control/internal/journal"
	"github.com/dorkalev/forge-control/internal/tmux"
	"github.com/dorkalev/forge-control/internal/worktree"
)

type fakePRs struct {
	mu    sync.Mutex
	prs   []*github.PullRequest
	err   error
	panic bool
	bases []string
}

func (f *fakePRs) ListOpenPullRequests(ctx context.Context, base string) ([]*github.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("github exploded")
	}
	f.bases = append(f.bases, base)
	return f.prs, f.err
}

type fakeIssues struct {
	mu     sync.Mutex
	states map[string]linear.State
	errs   map[string]error
}

func (f *fakeIssues) GetIssue(ctx context.Context, identifier string) (*linear.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[identifier]; err != nil {
		return nil, err
	}
	state, ok := f.states[identifier]
	if !ok {
		return nil, nil
	}
	return &linear.Issue{Identifier: identifier, State: state}, nil
}

// fakeRepo is both the worktree lister and the provisioner so that a spawn
// is visible to the next tick.
type fakeRepo struct {
	mu        sync.Mutex
	worktrees []git.Worktree
	created   []string
	failFor   map[string]bool

	// entered receives once per Create call when non-nil; release blocks
	// Create until closed.
	entered chan string
	release chan struct{}
}

func (f *fakeRepo) ListWorktrees(ctx context.Context) ([]git.Worktree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]git.Worktree(nil), f.worktrees...), nil
}

func (f *fakeRepo) Create(ctx context.Context, branch string) (*worktree.ProvisionResult, error) {
	if f.entered != nil {
		f.entered <- branch
	}
	if f.release != nil {
		<-f.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[branch] {
		return nil, errors.New("worktree add failed")
	}
	path := "/work/" + branch
	f.created = append(f.created, branch)
	f.worktrees = append(f.worktrees, git.Worktree{Path: path, Branch: branch})
	return &worktree.ProvisionResult{OK: true, Branch: branch, Path: path}, nil
}

func (f *fakeRepo) createdBranches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

type fakeSessions struct {
	mu       sync.Mutex
	sessions []tmux.Session
	keys     map[string]string
	listErr  error
}

func (f *fakeSessions) ListSessions(ctx context.Context) ([]tmux.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]tmux.Session(nil), f.sessions...), nil
}

func (f *fakeSessions) SessionExists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeSessions) CreateSession(ctx context.Context, name, workDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, tmux.Session{Name: name, Path: workDir})
	return nil
}

func (f *fakeSessions) SendKeys(ctx context.Context, name, keys string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = make(map[string]string)
	}
	f.keys[name] = keys
	return nil
}

func (f *fakeSessions) agentCount(prefix string) int {
	sessions, _ := f.ListSessions(context.Background())
	return len(NewSessionMatcher(prefix).RunningAgents(sessions))
}

type harness struct {
	ctrl     *Controller
	store    *Store
	prs      *fakePRs
	issues   *fakeIssues
	repo     *fakeRepo
	sessions *fakeSessions
}

func pr(number int, branch string) *github.PullRequest {
	return &github.PullRequest{Number: number, Title: "PR " + branch, State: github.StateOpen, Head: github.PRRef{Ref: branch}}
}

func backlog() linear.State {
	return linear.State{Name: "Backlog", Type: string(linear.StateTypeBacklog)}
}

func newHarness(t *testing.T, state DesiredState) *harness {
	t.Helper()

	store := NewStore(filepath.Join(t.TempDir(), "autopilot.json"))
	if _, err := store.Update(func(s *DesiredState) { *s = state }); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	h := &harness{
		store:    store,
		prs:      &fakePRs{},
		issues:   &fakeIssues{states: map[string]linear.State{}, errs: map[string]error{}},
		repo:     &fakeRepo{worktrees: []git.Worktree{{Path: "/repo", Branch: "main"}}},
		sessions: &fakeSessions{},
	}
	h.ctrl = NewController(store, Deps{
		PullRequests: h.prs,
		Issues:       h.issues,
		Worktrees:    h.repo,
		Provisioner:  h.repo,
		Sessions:     h.sessions,
	}, DefaultConfig(), "main")

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.ctrl.Close(ctx)
	})
	return h
}

func defaultsWith(max int) DesiredState {
	s := DefaultDesiredState()
	s.MaxParallelAgents = max
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPollOnce_SpawnsForEligiblePR(t *testing.T) {
	h := newHarness(t, defaultsWith(3))
	h.prs.prs = []*github.PullRequest{pr(12, "feature/eng-12-login")}
	h.issues.states["ENG-12"] = backlog()

	report, err := h.ctrl.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	if report.Error != "" {
		t.Errorf("report.Error = %q", report.Error)
	}
	if report.OpenPRs != 1 || report.Eligible != 1 || report.NeedsAgent != 1 || report.Available != 3 {
		t.Errorf("report counts = %+v", report)
	}
	if len(report.Spawned) != 1 {
		t.Fatalf("Spawned = %+v, want 1", report.Spawned)
	}
	got := report.Spawned[0]
	if got.Session != "forge-eng-12" || got.Path != "/work/feature/eng-12-login" || got.Error != "" {
		t.Errorf("spawn = %+v", got)
	}
	if h.sessions.keys["forge-eng-12"] != "claude" {
		t.Errorf("agent command = %q, want claude", h.sessions.keys["forge-eng-12"])
	}
	if len(h.prs.bases) != 1 || h.prs.bases[0] != "main" {
		t.Errorf("listed against bases %v, want [main]", h.prs.bases)
	}
}

func TestPollOnce_ExcludesActiveIssues(t *testing.T) {
	h := newHarness(t, defaultsWith(3))
	h.prs.prs = []*github.PullRequest{
		pr(1, "eng-1"),
		pr(2, "eng-2"),
		pr(3, "eng-3"),
		pr(4, "eng-4"),
	}
	h.issues.states["ENG-1"] = linear.State{Name: "In Progress", Type: string(linear.StateTypeStarted)}
	h.issues.states["ENG-2"] = linear.State{Name: "Done", Type: string(linear.StateTypeCompleted)}
	h.issues.states["ENG-3"] = linear.State{Name: "In Review", Type: string(linear.StateTypeUnstarted)}
	h.issues.states["ENG-4"] = linear.State{Name: "Todo", Type: string(linear.StateTypeUnstarted)}

	report, err := h.ctrl.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	if report.Eligible != 1 {
		t.Errorf("Eligible = %d, want 1", report.Eligible)
	}
	if got := h.repo.createdBranches(); len(got) != 1 || got[0] != "eng-4" {
		t.Errorf("provisioned %v, want [eng-4]", got)
	}
	if len(report.Skipped) != 3 {
		t.Errorf("Skipped = %+v, want 3", report.Skipped)
	}
}

func TestPollOnce_SkipsUnusableItems(t *testing.T) {
	h := newHarness(t, defaultsWith(3))
	h.prs.prs = []*github.PullRequest{
		pr(1, "dependabot/npm_and_yarn/lodash"),
		pr(2, "eng-2"),
		pr(3, "eng-3"),
		pr(4, "eng-4"),
	}
	h.issues.errs["ENG-2"] = errors.New("linear API error: 500")
	h.issues.states["ENG-4"] = backlog()
	// ENG-3 is unknown to the tracker.

	report, err := h.ctrl.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	reasons := make(map[int]string)
	for _, s := range report.Skipped {
		reasons[s.PRNumber] = s.Reason
	}
	if !strings.Contains(reasons[1], "no issue identifier") {
		t.Errorf("PR 1 reason = %q", reasons[1])
	}
	if !strings.Contains(reasons[2], "lookup failed") {
		t.Errorf("PR 2 reason = %q", reasons[2])
	}
	if !strings.Contains(reasons[3], "not found") {
		t.Errorf("PR 3 reason = %q", reasons[3])
	}
	if got := h.repo.createdBranches(); len(got) != 1 || got[0] != "eng-4" {
		t.Errorf("provisioned %v, want [eng-4]", got)
	}
}

func TestPollOnce_SkipsBranchesWithWorktree(t *testing.T) {
	h := newHarness(t, defaultsWith(3))
	h.prs.prs = []*github.PullRequest{pr(5, "eng-5")}
	h.issues.states["ENG-5"] = backlog()
	h.repo.worktrees = append(h.repo.worktrees, git.Worktree{Path: "/work/eng-5", Branch: "eng-5"})

	report, err := h.ctrl.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	if report.NeedsAgent != 0 || len(report.Spawned) != 0 {
		t.Errorf("report = %+v, want nothing to spawn", report)
	}
}

func TestPollOnce_RespectsAvailableSlots(t *testing.T) {
	h := newHarness(t, defaultsWith(2))
	h.sessions.sessions = []tmux.Session{
		{Name: "forge-eng-99"},
		{Name: "main"},
		{Name: "forge-notes"},
	}
	for i := 1; i <= 3; i++ {
		h.prs.prs = append(h.prs.prs, pr(i, fmt.Sprintf("eng-%d", i)))
		h.issues.states[fmt.Sprintf("ENG-%d", i)] = backlog()
	}

	report, err := h.ctrl.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	if report.Running != 1 || report.Available != 1 {
		t.Errorf("Running = %d, Available = %d, want 1, 1", report.Running, report.Available)
	}
	if got := h.repo.createdBranches(); len(got) != 1 || got[0] != "eng-1" {
		t.Errorf("provisioned %v, want [eng-1]", got)
	}
	slotSkips := 0
	for _, s := range report.Skipped {
		if s.Reason == "no free agent slot" {
			slotSkips++
		}
	}
	if slotSkips != 2 {
		t.Errorf("slot skips = %d, want 2", slotSkips)
	}
}

func TestPollOnce_NeverExceedsMaxAcrossTicks(t *testing.T) {
	h := newHarness(t, defaultsWith(3))
	for i := 1; i <= 8; i++ {
		h.prs.prs = append(h.prs.prs, pr(i, fmt.Sprintf("eng-%d", i)))
		h.issues.states[fmt.Sprintf("ENG-%d", i)] = backlog()
	}

	for tick := 0; tick < 4; tick++ {
		if _, err := h.ctrl.PollOnce(context.Background()); err != nil {
			t.Fatalf("tick %d: PollOnce() error = %v", tick, err)
		}
		if n := h.sessions.agentCount("forge-"); n > 3 {
			t.Fatalf("tick %d: %d agent sessions, want at most 3", tick, n)
		}
	}
	if n := len(h.repo.createdBranches()); n != 3 {
		t.Errorf("provisioned %d worktrees, want 3", n)
	}
}

func TestPollOnce_ProvisionFailureRecorded(t *testing.T) {
	h := newHarness(t, defaultsWith(3))
	h.prs.prs = []*github.PullRequest{pr(1, "eng-1"), pr(2, "eng-2")}
	h.issues.states["ENG-1"] = backlog()
	h.issues.states["ENG-2"] = backlog()
	h.repo.failFor = map[string]bool{"eng-1": true}

	report, err := h.ctrl.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	if len(report.Spawned) != 2 {
		t.Fatalf("Spawned = %+v, want 2 attempts", report.Spawned)
	}
	if !strings.Contains(report.Spawned[0].Error, "provision worktree") {
		t.Errorf("first spawn error = %q", report.Spawned[0].Error)
	}
	if report.Spawned[1].Error != "" {
		t.Errorf("second spawn error = %q, want none", report.Spawned[1].Error)
	}
}

func TestPollOnce_ReusesExistingSession(t *testing.T) {
	h := newHarness(t, defaultsWith(3))
	h.prs.prs = []*github.PullRequest{pr(1, "eng-1")}
	h.issues.states["ENG-1"] = backlog()
	h.sessions.sessions = []tmux.Session{{Name: "forge-eng-1"}}

	report, err := h.ctrl.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	if len(report.Spawned) != 1 || !report.Spawned[0].SessionReused {
		t.Fatalf("Spawned = %+v, want reused session", report.Spawned)
	}
	if _, typed := h.sessions.keys["forge-eng-1"]; typed {
		t.Error("agent command sent to an existing session")
	}
}

func TestPollOnce_ListFailureReported(t *testing.T) {
	h := newHarness(t, defaultsWith(3))
	h.prs.err = errors.New("github API error: 503")

	report, err := h.ctrl.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	if !strings.Contains(report.Error, "list open pull requests") {
		t.Errorf("report.Error = %q", report.Error)
	}
}

func TestPollOnce_RecoversFromPanic(t *testing.T) {
	h := newHarness(t, defaultsWith(3))
	h.prs.panic = true

	report, err := h.ctrl.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}
	if !strings.HasPrefix(report.Error, "panic:") {
		t.Errorf("report.Error = %q, want panic", report.Error)
	}

	h.prs.mu.Lock()
	h.prs.panic = false
	h.prs.mu.Unlock()
	if _, err := h.ctrl.PollOnce(context.Background()); err != nil {
		t.Errorf("PollOnce() after panic error = %v, want guard released", err)
	}
}

func TestPollOnce_SingleFlight(t *testing.T) {
	h := newHarness(t, defaultsWith(3))
	h.prs.prs = []*github.PullRequest{pr(1, "eng-1")}
	h.issues.states["ENG-1"] = backlog()
	h.repo.entered = make(chan string, 1)
	h.repo.release = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.ctrl.PollOnce(context.Background())
	}()
	<-h.repo.entered

	if _, err := h.ctrl.PollOnce(context.Background()); !errors.Is(err, ErrTickInProgress) {
		t.Errorf("PollOnce() during tick error = %v, want ErrTickInProgress", err)
	}
	if err := h.ctrl.TriggerPoll(); !errors.Is(err, ErrTickInProgress) {
		t.Errorf("TriggerPoll() during tick error = %v, want ErrTickInProgress", err)
	}
	if !h.ctrl.Status(context.Background()).IsPolling {
		t.Error("Status().IsPolling = false during tick")
	}

	close(h.repo.release)
	<-done

	if h.ctrl.Status(context.Background()).IsPolling {
		t.Error("Status().IsPolling = true after tick")
	}
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, DefaultDesiredState())

	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.ctrl.Start(); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	if !h.ctrl.Running() {
		t.Error("Running() = false after Start")
	}
	if !NewStore(h.store.Path()).Get().Enabled {
		t.Error("enabled flag not persisted by Start")
	}

	// Start triggers an immediate tick.
	waitFor(t, "first tick", func() bool { return h.ctrl.Status(context.Background()).LastTick != nil })

	st := h.ctrl.Status(context.Background())
	if !st.Enabled || st.NextPollAt == nil {
		t.Errorf("Status() = %+v, want enabled with next poll", st)
	}

	if err := h.ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := h.ctrl.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Stop() error = %v, want ErrNotRunning", err)
	}
	if NewStore(h.store.Path()).Get().Enabled {
		t.Error("enabled flag still persisted after Stop")
	}
	if st := h.ctrl.Status(context.Background()); st.Enabled || st.NextPollAt != nil {
		t.Errorf("Status() = %+v after Stop", st)
	}
}

func TestStop_WaitsForInFlightTick(t *testing.T) {
	h := newHarness(t, DefaultDesiredState())
	h.prs.prs = []*github.PullRequest{pr(1, "eng-1")}
	h.issues.states["ENG-1"] = backlog()
	h.repo.entered = make(chan string, 1)
	h.repo.release = make(chan struct{})

	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-h.repo.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.ctrl.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop() error = %v, want deadline exceeded while tick runs", err)
	}

	close(h.repo.release)
	waitFor(t, "tick to finish", func() bool { return !h.ctrl.Status(context.Background()).IsPolling })
	if got := h.repo.createdBranches(); len(got) != 1 {
		t.Errorf("provisioned %v, want the in-flight spawn to complete", got)
	}
}

func TestResume(t *testing.T) {
	t.Run("enabled", func(t *testing.T) {
		h := newHarness(t, DesiredState{Enabled: true, MaxParallelAgents: 3, PollIntervalSeconds: 10})
		if err := h.ctrl.Resume(); err != nil {
			t.Fatalf("Resume() error = %v", err)
		}
		if !h.ctrl.Running() {
			t.Error("Running() = false after Resume with enabled state")
		}
	})

	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, DefaultDesiredState())
		if err := h.ctrl.Resume(); err != nil {
			t.Fatalf("Resume() error = %v", err)
		}
		if h.ctrl.Running() {
			t.Error("Running() = true after Resume with disabled state")
		}
	})
}

func TestSetMaxParallel(t *testing.T) {
	h := newHarness(t, defaultsWith(3))

	for _, n := range []int{0, -1, 11} {
		if err := h.ctrl.SetMaxParallel(n); !errors.Is(err, ErrInvalidMaxParallel) {
			t.Errorf("SetMaxParallel(%d) error = %v, want ErrInvalidMaxParallel", n, err)
		}
	}
	if got := NewStore(h.store.Path()).Get().MaxParallelAgents; got != 3 {
		t.Errorf("persisted max = %d after rejected updates, want 3", got)
	}

	if err := h.ctrl.SetMaxParallel(5); err != nil {
		t.Fatalf("SetMaxParallel(5) error = %v", err)
	}
	if got := NewStore(h.store.Path()).Get().MaxParallelAgents; got != 5 {
		t.Errorf("persisted max = %d, want 5", got)
	}
}

func TestSetPollInterval(t *testing.T) {
	h := newHarness(t, DefaultDesiredState())

	for _, s := range []int{4, 61} {
		if err := h.ctrl.SetPollInterval(s); !errors.Is(err, ErrInvalidPollInterval) {
			t.Errorf("SetPollInterval(%d) error = %v, want ErrInvalidPollInterval", s, err)
		}
	}
	if got := h.store.Get().PollIntervalSeconds; got != 10 {
		t.Errorf("interval = %d after rejected updates, want 10", got)
	}

	if err := h.ctrl.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.ctrl.SetPollInterval(60); err != nil {
		t.Fatalf("SetPollInterval(60) error = %v", err)
	}
	st := h.ctrl.Status(context.Background())
	if st.PollIntervalSeconds != 60 {
		t.Errorf("PollIntervalSeconds = %d, want 60", st.PollIntervalSeconds)
	}
	if st.NextPollAt == nil || time.Until(*st.NextPollAt) < 30*time.Second {
		t.Errorf("NextPollAt = %v, want re-armed at 60s", st.NextPollAt)
	}
}

func TestStatus_SessionListFailure(t *testing.T) {
	h := newHarness(t, DefaultDesiredState())
	h.sessions.listErr = tmux.ErrNoServer

	st := h.ctrl.Status(context.Background())
	if st.SessionsError == "" {
		t.Error("SessionsError empty, want tmux failure")
	}
	if st.RunningAgentsCount != 0 || st.RunningSessions == nil {
		t.Errorf("Status() = %+v, want zero count with empty list", st)
	}
}

func TestPollOnce_JournalsSpawns(t *testing.T) {
	h := newHarness(t, defaultsWith(3))
	h.prs.prs = []*github.PullRequest{pr(7, "eng-7")}
	h.issues.states["ENG-7"] = backlog()

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("journal.Open() error = %v", err)
	}
	defer j.Close()
	h.ctrl.deps.Journal = j

	report, err := h.ctrl.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	entries, err := j.ListSpawns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListSpawns() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %+v, want 1", entries)
	}
	e := entries[0]
	if e.TickID != report.ID || e.PRNumber != 7 || e.Session != "forge-eng-7" || e.Identifier != "ENG-7" {
		t.Errorf("entry = %+v", e)
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	reports []*TickReport
}

func (o *recordingObserver) TickFinished(r *TickReport) {
	o.mu.Lock()
	o.reports = append(o.reports, r)
	o.mu.Unlock()
}

func TestPollOnce_NotifiesObserver(t *testing.T) {
	h := newHarness(t, defaultsWith(3))
	h.prs.prs = []*github.PullRequest{pr(7, "eng-7")}
	h.issues.states["ENG-7"] = backlog()

	obs := &recordingObserver{}
	h.ctrl.deps.Observer = obs

	report, err := h.ctrl.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce() error = %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.reports) != 1 || obs.reports[0].ID != report.ID {
		t.Fatalf("observer saw %d reports, want the one tick", len(obs.reports))
	}
	if len(obs.reports[0].Spawned) != 1 {
		t.Errorf("observed report spawned = %+v", obs.reports[0].Spawned)
	}
}
