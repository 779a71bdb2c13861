package netplay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"skirmish/netplay/internal/action"
	"skirmish/netplay/internal/config"
	"skirmish/netplay/internal/gamestate"
	"skirmish/netplay/internal/replay"
	"skirmish/netplay/internal/rng"
	"skirmish/netplay/internal/save"
	"skirmish/netplay/logging"
	sessionlog "skirmish/netplay/logging/session"
)

// testDomain is a tiny ruleset exercising every pipeline layer: "note"
// writes a scratch value, "roll" derives one from the action seed,
// "end_turn" advances the turn and "win" settles the match.
type testDomain struct{}

type notePayload struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
}

func (testDomain) ValidateSchema(act action.Action) error {
	switch act.Kind {
	case "note":
		var payload notePayload
		if err := act.DecodePayload(&payload); err != nil {
			return err
		}
		if payload.Key == "" {
			return errors.New("note requires a key")
		}
		return nil
	case "roll", "end_turn", "win":
		return nil
	default:
		return fmt.Errorf("unknown kind %q", act.Kind)
	}
}

func (testDomain) PhaseAllows(phase string, kind action.Kind) bool {
	return phase == "main"
}

func (testDomain) ValidateRules(doc gamestate.Doc, act action.Action) error {
	if act.Kind != "note" {
		return nil
	}
	var payload notePayload
	if err := act.DecodePayload(&payload); err != nil {
		return err
	}
	if payload.Key == "blocked" {
		return errors.New("key is blocked")
	}
	return nil
}

func (testDomain) References(act action.Action) []action.Reference {
	return nil
}

func (testDomain) Execute(doc gamestate.Doc, act action.Action, seed int64) ([]gamestate.Diff, error) {
	switch act.Kind {
	case "note":
		var payload notePayload
		if err := act.DecodePayload(&payload); err != nil {
			return nil, err
		}
		return []gamestate.Diff{gamestate.Set(payload.Value, "scratch", payload.Key)}, nil
	case "roll":
		value := seed % 100003
		if value < 0 {
			value = -value
		}
		return []gamestate.Diff{gamestate.Set(float64(value), "scratch", "roll")}, nil
	case "end_turn":
		next := doc.TurnNumber() + 1
		active := (doc.ActivePlayer() + 1) % action.PlayerCount
		return []gamestate.Diff{
			gamestate.Set(float64(next), "turn", "number"),
			gamestate.Set(float64(active), "turn", "active"),
		}, nil
	case "win":
		return []gamestate.Diff{
			gamestate.Set(float64(act.Player), "result", "winner"),
			gamestate.Set("victory", "result", "reason"),
		}, nil
	}
	return nil, fmt.Errorf("unknown kind %q", act.Kind)
}

// rollValue mirrors the "roll" executor for assertions.
func rollValue(sessionSeed uint64, counter uint64) float64 {
	value := rng.ActionSeed(sessionSeed, counter) % 100003
	if value < 0 {
		value = -value
	}
	return float64(value)
}

func testConfig() config.Config {
	conf := config.Default()
	// Tests submit bursts a human never would.
	conf.RateBudget = 100
	return conf
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type hookRecorder struct {
	mu       sync.Mutex
	resolved []action.Result
	ended    []GameResult
}

func (h *hookRecorder) hooks() Hooks {
	return Hooks{
		ActionResolved: func(res action.Result) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.resolved = append(h.resolved, res)
		},
		GameOver: func(result GameResult) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.ended = append(h.ended, result)
		},
	}
}

func (h *hookRecorder) resolvedResults() []action.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]action.Result, len(h.resolved))
	copy(out, h.resolved)
	return out
}

func (h *hookRecorder) endedResults() []GameResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]GameResult, len(h.ended))
	copy(out, h.ended)
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []logging.Event
}

func (r *eventRecorder) Publish(ctx context.Context, event logging.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) count(eventType logging.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, event := range r.events {
		if event.Type == eventType {
			total++
		}
	}
	return total
}

func waitFor(t *testing.T, describe string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", describe)
}

func noteAction(t *testing.T, player int, turn uint32, key string, value float64) action.Action {
	t.Helper()
	act, err := action.New("note", player, turn, notePayload{Key: key, Value: value})
	if err != nil {
		t.Fatalf("new note action: %v", err)
	}
	return act
}

func bareAction(t *testing.T, kind action.Kind, player int, turn uint32) action.Action {
	t.Helper()
	act, err := action.New(kind, player, turn, nil)
	if err != nil {
		t.Fatalf("new %s action: %v", kind, err)
	}
	return act
}

func newOfflineSession(t *testing.T, seed uint64) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{
		Mode:        ModeOffline,
		Domain:      testDomain{},
		SessionSeed: seed,
		Config:      testConfig(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func mustSubmit(t *testing.T, s *Session, act action.Action) action.Result {
	t.Helper()
	sub, err := s.Submit(act)
	if err != nil {
		t.Fatalf("submit %s: %v", act.Kind, err)
	}
	if !sub.Result.Accepted {
		t.Fatalf("submit %s rejected: %+v", act.Kind, sub.Result.Rejection)
	}
	return sub.Result
}

func TestNewSessionDefaults(t *testing.T) {
	s, err := NewSession(SessionConfig{Domain: testDomain{}})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if s.Mode() != ModeOffline {
		t.Fatalf("default mode = %q, want offline", s.Mode())
	}
	if s.Seed() == 0 {
		t.Fatalf("expected a generated session seed")
	}
	if s.ID() == "" {
		t.Fatalf("expected a session id")
	}
	if got := s.Turn(); got != 1 {
		t.Fatalf("turn = %d, want 1", got)
	}
	if got := s.ActivePlayer(); got != 0 {
		t.Fatalf("active player = %d, want 0", got)
	}
	if got := s.Counter(); got != 0 {
		t.Fatalf("counter = %d, want 0", got)
	}
	if s.Checksum() == "" {
		t.Fatalf("expected a starting checksum")
	}
}

func TestNewSessionValidation(t *testing.T) {
	cases := []struct {
		name string
		cfg  SessionConfig
	}{
		{name: "missing domain", cfg: SessionConfig{Mode: ModeOffline}},
		{name: "client mode", cfg: SessionConfig{Mode: ModeClient, Domain: testDomain{}}},
		{name: "unknown mode", cfg: SessionConfig{Mode: Mode("spectator"), Domain: testDomain{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewSession(tc.cfg); err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestNewSessionClonesStartingDoc(t *testing.T) {
	doc := gamestate.New()
	if err := doc.Set(float64(5), "scratch", "supply"); err != nil {
		t.Fatalf("seed doc: %v", err)
	}
	s, err := NewSession(SessionConfig{Domain: testDomain{}, Doc: doc, Config: testConfig()})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := doc.Set(float64(9), "scratch", "supply"); err != nil {
		t.Fatalf("mutate caller doc: %v", err)
	}
	if got, _ := s.Doc().GetNumber("scratch", "supply"); got != 5 {
		t.Fatalf("session doc supply = %v, want 5", got)
	}
}

func TestOfflineHotSeatFlow(t *testing.T) {
	s := newOfflineSession(t, 42)

	res := mustSubmit(t, s, noteAction(t, 0, 1, "supply", 3))
	if res.Counter != 0 {
		t.Fatalf("first action consumed counter %d, want 0", res.Counter)
	}
	if got := s.Counter(); got != 1 {
		t.Fatalf("counter after first action = %d, want 1", got)
	}

	res = mustSubmit(t, s, bareAction(t, "roll", 0, 1))
	if want := rng.ActionSeed(42, 1); res.Seed != want {
		t.Fatalf("roll seed = %d, want %d", res.Seed, want)
	}
	if got, ok := s.Doc().GetNumber("scratch", "roll"); !ok || got != rollValue(42, 1) {
		t.Fatalf("roll result = %v (%v), want %v", got, ok, rollValue(42, 1))
	}

	mustSubmit(t, s, bareAction(t, "end_turn", 0, 1))
	if got := s.Turn(); got != 2 {
		t.Fatalf("turn = %d, want 2", got)
	}
	if got := s.ActivePlayer(); got != 1 {
		t.Fatalf("active player = %d, want 1", got)
	}

	mustSubmit(t, s, noteAction(t, 1, 2, "counterplay", 7))
	mustSubmit(t, s, bareAction(t, "win", 1, 2))

	result, over := s.Result()
	if !over {
		t.Fatalf("expected the session to be over")
	}
	if result.Winner != 1 || result.Reason != ReasonVictory {
		t.Fatalf("result = %+v, want winner 1 by victory", result)
	}
	select {
	case <-s.Finished():
	default:
		t.Fatalf("finished channel still open")
	}
	if _, err := s.Submit(noteAction(t, 1, 2, "late", 1)); !errors.Is(err, ErrSessionOver) {
		t.Fatalf("submit after game over: %v, want ErrSessionOver", err)
	}

	rec, ok := s.Recording()
	if !ok {
		t.Fatalf("expected a recording")
	}
	if len(rec.Actions) != 5 {
		t.Fatalf("recorded %d actions, want 5", len(rec.Actions))
	}
	if rec.Winner != 1 || rec.Reason != ReasonVictory {
		t.Fatalf("recording outcome = %d/%s, want 1/victory", rec.Winner, rec.Reason)
	}
	run, err := replay.Run(rec, testDomain{})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if run.Checksum != s.Checksum() {
		t.Fatalf("replay checksum %s, live %s", run.Checksum, s.Checksum())
	}
}

func TestOfflineRejectionLeavesStateUntouched(t *testing.T) {
	cases := []struct {
		name string
		act  func(t *testing.T) action.Action
		code string
	}{
		{
			name: "schema refuses unknown kind",
			act: func(t *testing.T) action.Action {
				return bareAction(t, "teleport", 0, 1)
			},
			code: "schema",
		},
		{
			name: "turn context refuses idle player",
			act: func(t *testing.T) action.Action {
				return noteAction(t, 1, 1, "sneak", 1)
			},
			code: "turn_context",
		},
		{
			name: "turn context refuses stale turn",
			act: func(t *testing.T) action.Action {
				return noteAction(t, 0, 5, "stale", 1)
			},
			code: "turn_context",
		},
		{
			name: "domain rule refuses blocked key",
			act: func(t *testing.T) action.Action {
				return noteAction(t, 0, 1, "blocked", 1)
			},
			code: "domain_rule",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newOfflineSession(t, 11)
			before := s.Checksum()
			sub, err := s.Submit(tc.act(t))
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			if sub.Result.Accepted {
				t.Fatalf("expected a rejection")
			}
			if got := string(sub.Result.Rejection.Code); got != tc.code {
				t.Fatalf("reject code = %s, want %s", got, tc.code)
			}
			if got := s.Counter(); got != 0 {
				t.Fatalf("counter advanced to %d on a rejection", got)
			}
			if got := s.Checksum(); got != before {
				t.Fatalf("checksum changed by a rejection: %s -> %s", before, got)
			}
		})
	}
}

func TestOfflineTurnTimerAwardsIdleOpponent(t *testing.T) {
	clock := newFakeClock()
	conf := testConfig()
	conf.TurnTimeout = time.Minute
	s, err := NewSession(SessionConfig{
		Mode:        ModeOffline,
		Domain:      testDomain{},
		SessionSeed: 7,
		Config:      conf,
		Clock:       clock.Now,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	clock.Advance(59 * time.Second)
	s.tick(clock.Now())
	if _, over := s.Result(); over {
		t.Fatalf("turn timer fired before the deadline")
	}

	clock.Advance(2 * time.Second)
	s.tick(clock.Now())
	result, over := s.Result()
	if !over {
		t.Fatalf("turn timer never fired")
	}
	if result.Winner != 1 || result.Reason != ReasonTimeout {
		t.Fatalf("result = %+v, want winner 1 by timeout", result)
	}
}

func TestOfflineSubmitResetsTurnTimer(t *testing.T) {
	clock := newFakeClock()
	conf := testConfig()
	conf.TurnTimeout = time.Minute
	s, err := NewSession(SessionConfig{
		Mode:        ModeOffline,
		Domain:      testDomain{},
		SessionSeed: 7,
		Config:      conf,
		Clock:       clock.Now,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	clock.Advance(50 * time.Second)
	mustSubmit(t, s, noteAction(t, 0, 1, "stall", 1))
	clock.Advance(50 * time.Second)
	s.tick(clock.Now())
	if _, over := s.Result(); over {
		t.Fatalf("timer fired despite the reset")
	}
	clock.Advance(11 * time.Second)
	s.tick(clock.Now())
	if _, over := s.Result(); !over {
		t.Fatalf("timer never fired after the reset window passed")
	}
}

func TestForfeitAwardsOpponentExactlyOnce(t *testing.T) {
	s := newOfflineSession(t, 9)
	s.Forfeit(0)
	result, over := s.Result()
	if !over {
		t.Fatalf("forfeit did not end the session")
	}
	if result.Winner != 1 || result.Reason != ReasonForfeit {
		t.Fatalf("result = %+v, want winner 1 by forfeit", result)
	}

	s.Forfeit(1)
	result, _ = s.Result()
	if result.Winner != 1 || result.Reason != ReasonForfeit {
		t.Fatalf("verdict changed after the game was over: %+v", result)
	}
}

func TestGameOverHookFiresOnce(t *testing.T) {
	hooks := &hookRecorder{}
	s, err := NewSession(SessionConfig{
		Mode:        ModeOffline,
		Domain:      testDomain{},
		SessionSeed: 5,
		Config:      testConfig(),
		Hooks:       hooks.hooks(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	mustSubmit(t, s, bareAction(t, "win", 0, 1))
	waitFor(t, "game over hook", func() bool { return len(hooks.endedResults()) == 1 })
	if got := hooks.endedResults()[0]; got.Winner != 0 || got.Reason != ReasonVictory {
		t.Fatalf("hook result = %+v, want winner 0 by victory", got)
	}

	s.Forfeit(1)
	time.Sleep(20 * time.Millisecond)
	if got := len(hooks.endedResults()); got != 1 {
		t.Fatalf("game over hook fired %d times", got)
	}
}

func TestChecksumsReproduceAcrossSessions(t *testing.T) {
	run := func() string {
		s := newOfflineSession(t, 1234)
		mustSubmit(t, s, noteAction(t, 0, 1, "a", 1))
		mustSubmit(t, s, bareAction(t, "roll", 0, 1))
		mustSubmit(t, s, bareAction(t, "end_turn", 0, 1))
		mustSubmit(t, s, noteAction(t, 1, 2, "b", 2))
		return s.Checksum()
	}
	first := run()
	second := run()
	if first != second {
		t.Fatalf("same seed and actions produced %s then %s", first, second)
	}
}

func TestDiagnosticsOffline(t *testing.T) {
	s := newOfflineSession(t, 3)
	mustSubmit(t, s, noteAction(t, 0, 1, "supply", 2))

	diag := s.Diagnostics()
	if diag.Mode != ModeOffline {
		t.Fatalf("mode = %q", diag.Mode)
	}
	if diag.SessionID != s.ID() {
		t.Fatalf("session id = %q, want %q", diag.SessionID, s.ID())
	}
	if diag.Turn != 1 || diag.ActivePlayer != 0 {
		t.Fatalf("turn/active = %d/%d, want 1/0", diag.Turn, diag.ActivePlayer)
	}
	if diag.Counter != 1 {
		t.Fatalf("counter = %d, want 1", diag.Counter)
	}
	if diag.Checksum != s.Checksum() {
		t.Fatalf("checksum mismatch in diagnostics")
	}
	if diag.PeerConnected {
		t.Fatalf("offline session reports a peer")
	}
	if diag.Over {
		t.Fatalf("session reported over")
	}
	if diag.TurnRemaining <= 0 {
		t.Fatalf("turn remaining = %d, want positive", diag.TurnRemaining)
	}
}

func TestRunStopsWhenGameEnds(t *testing.T) {
	s := newOfflineSession(t, 3)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	s.Forfeit(0)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v after the game ended", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after the game ended")
	}
}

func TestRunHonorsContext(t *testing.T) {
	s := newOfflineSession(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not return after cancellation")
	}
}

func TestResumeContinuesSavedChain(t *testing.T) {
	original := newOfflineSession(t, 42)
	mustSubmit(t, original, noteAction(t, 0, 1, "opening", 1))
	mustSubmit(t, original, noteAction(t, 0, 1, "middle", 2))

	state, err := original.Doc().Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	saved := save.Game{
		ID:            original.ID(),
		Mode:          save.ModeHost,
		SessionSeed:   original.Seed(),
		ActionCounter: original.Counter(),
		Turn:          original.Turn(),
		Checksum:      original.Checksum(),
		State:         state,
	}

	rec := &eventRecorder{}
	resumed, err := Resume(saved, SessionConfig{Domain: testDomain{}, Config: testConfig(), Publisher: rec})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Mode() != ModeOffline {
		t.Fatalf("resumed mode = %q, want offline", resumed.Mode())
	}
	if resumed.Seed() != original.Seed() {
		t.Fatalf("resumed seed = %d, want %d", resumed.Seed(), original.Seed())
	}
	if resumed.Counter() != original.Counter() {
		t.Fatalf("resumed counter = %d, want %d", resumed.Counter(), original.Counter())
	}
	if resumed.Checksum() != original.Checksum() {
		t.Fatalf("resumed checksum = %s, want %s", resumed.Checksum(), original.Checksum())
	}
	if got := rec.count(sessionlog.EventResumed); got != 1 {
		t.Fatalf("resumed events = %d, want 1", got)
	}

	counter := resumed.Counter()
	res := mustSubmit(t, resumed, bareAction(t, "roll", 0, 1))
	if res.Seed != rng.ActionSeed(42, counter) {
		t.Fatalf("resumed roll seed = %d, want %d", res.Seed, rng.ActionSeed(42, counter))
	}
	value, ok := resumed.Doc().GetNumber("scratch", "roll")
	if !ok || value != rollValue(42, counter) {
		t.Fatalf("resumed roll = %v, want %v", value, rollValue(42, counter))
	}
}

func TestResumeRejectsBadSaves(t *testing.T) {
	base := newOfflineSession(t, 7)
	state, err := base.Doc().Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*save.Game)
	}{
		{"missing state", func(g *save.Game) { g.State = nil }},
		{"missing seed", func(g *save.Game) { g.SessionSeed = 0 }},
		{"tampered checksum", func(g *save.Game) { g.Checksum = "ffffffffffffffff" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			saved := save.Game{
				ID:          "save-1",
				Mode:        save.ModeOffline,
				SessionSeed: base.Seed(),
				Checksum:    base.Checksum(),
				State:       state,
			}
			tc.mutate(&saved)
			if _, err := Resume(saved, SessionConfig{Domain: testDomain{}}); err == nil {
				t.Fatal("expected resume to fail")
			}
		})
	}
}

func TestResumeRefusesFinishedSave(t *testing.T) {
	s := newOfflineSession(t, 7)
	mustSubmit(t, s, bareAction(t, "win", 0, 1))
	if _, over := s.Result(); !over {
		t.Fatalf("expected win to end the game")
	}

	state, err := s.Doc().Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	saved := save.Game{
		ID:            s.ID(),
		Mode:          save.ModeOffline,
		SessionSeed:   s.Seed(),
		ActionCounter: s.Counter(),
		Checksum:      s.Checksum(),
		State:         state,
	}
	if _, err := Resume(saved, SessionConfig{Domain: testDomain{}}); err == nil {
		t.Fatal("expected resume of a finished game to fail")
	}
}
