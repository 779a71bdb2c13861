// Package netplay synchronizes a two-player turn-based match across the
// network. One authoritative session owns the canonical document and drives
// the validation pipeline; a client session mirrors it with optimistic
// prediction and rollback. The same Session type also runs offline for
// hot-seat play, which keeps the game loop identical in every mode.
package netplay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"skirmish/netplay/internal/action"
	"skirmish/netplay/internal/config"
	"skirmish/netplay/internal/gamestate"
	"skirmish/netplay/internal/journal"
	"skirmish/netplay/internal/liveness"
	"skirmish/netplay/internal/pipeline"
	"skirmish/netplay/internal/predict"
	"skirmish/netplay/internal/proto"
	"skirmish/netplay/internal/replay"
	"skirmish/netplay/internal/rng"
	"skirmish/netplay/internal/save"
	"skirmish/netplay/internal/telemetry"
	"skirmish/netplay/internal/ws"
	"skirmish/netplay/logging"
	"skirmish/netplay/logging/network"
	sessionlog "skirmish/netplay/logging/session"
)

const (
	// tickInterval paces the liveness and expiry sweeps in Run.
	tickInterval = 100 * time.Millisecond
	// keyframeMaxAge bounds how long recovery keyframes stay addressable.
	keyframeMaxAge = 5 * time.Minute
)

// SessionConfig carries the collaborators for an authoritative session. A
// zero Config falls back to the compiled defaults rather than the
// environment; Clock overrides time.Now for tests.
type SessionConfig struct {
	Mode   Mode
	Domain action.Domain
	// Doc is the starting document. Nil seeds the standard new-game
	// document.
	Doc gamestate.Doc
	// SessionSeed pins the deterministic seed chain. Zero draws a fresh
	// seed.
	SessionSeed uint64
	// InitialCounter restores the action counter of a resumed save. Zero
	// starts a fresh chain.
	InitialCounter uint64
	Config         config.Config
	Publisher      logging.Publisher
	Metrics        telemetry.Metrics
	Hooks          Hooks
	Clock          func() time.Time
}

// Session is the synchronization engine for one match. The zero value is not
// usable; construct with NewSession or Join.
type Session struct {
	id        string
	mode      Mode
	cfg       config.Config
	domain    action.Domain
	publisher logging.Publisher
	metrics   telemetry.Metrics
	hooks     Hooks
	now       func() time.Time

	seed   uint64
	local  int
	remote int

	pipe      *pipeline.Pipeline
	inbox     *pipeline.ActionBuffer
	recorder  *replay.Recorder
	predictor *predict.Engine
	link      HostLink
	turnTimer *liveness.TurnTimer
	watchdog  *liveness.Watchdog

	finished chan struct{}
	wake     chan struct{}

	mu          sync.Mutex
	doc         gamestate.Doc
	counter     uint64
	checksum    string
	journal     journal.Journal
	keyframeSeq uint64
	peer        *ws.Peer
	peerSeen    bool
	peerRemote  string
	rtt         time.Duration
	over        bool
	result      GameResult
}

// NewSession builds an offline or host session. Client sessions are built by
// Join from a host's welcome frame.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Domain == nil {
		return nil, errors.New("netplay: session requires a domain")
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeOffline
	}
	switch mode {
	case ModeOffline, ModeHost:
	case ModeClient:
		return nil, errors.New("netplay: client sessions join a host welcome, use Join")
	default:
		return nil, fmt.Errorf("netplay: unknown mode %q", mode)
	}
	conf := cfg.Config
	if conf == (config.Config{}) {
		conf = config.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = logging.NopPublisher()
	}

	doc := cfg.Doc
	if doc == nil {
		doc = gamestate.New()
	} else {
		doc = doc.Clone()
	}
	checksum, err := doc.Checksum()
	if err != nil {
		return nil, fmt.Errorf("netplay: checksum starting state: %w", err)
	}

	seed := cfg.SessionSeed
	if seed == 0 {
		seed, err = rng.NewSessionSeed()
		if err != nil {
			return nil, fmt.Errorf("netplay: draw session seed: %w", err)
		}
	}

	recorder, err := replay.NewRecorder(seed, cfg.InitialCounter, doc)
	if err != nil {
		return nil, fmt.Errorf("netplay: start recorder: %w", err)
	}

	s := &Session{
		id:        uuid.NewString(),
		mode:      mode,
		cfg:       conf,
		domain:    cfg.Domain,
		publisher: pub,
		metrics:   cfg.Metrics,
		hooks:     cfg.Hooks,
		now:       now,
		seed:      seed,
		local:     0,
		remote:    1,
		pipe:      pipeline.New(cfg.Domain, pipeline.NewRateLimiter(conf.RateBudget, conf.RateWindow, now), cfg.Metrics),
		inbox:     pipeline.NewActionBuffer(conf.InboxCapacity, cfg.Metrics),
		recorder:  recorder,
		turnTimer: liveness.NewTurnTimer(conf.TurnTimeout),
		watchdog:  liveness.NewWatchdog(conf.DisconnectTimeout(), now()),
		finished:  make(chan struct{}),
		wake:      make(chan struct{}, 1),
		doc:       doc,
		counter:   cfg.InitialCounter,
		checksum:  checksum,
		journal:   journal.New(conf.KeyframeCapacity, keyframeMaxAge, conf.DesyncThreshold),
	}
	if cfg.Metrics != nil {
		s.journal.AttachTelemetry(desyncCounter{metrics: cfg.Metrics})
	}
	s.recordKeyframeLocked(checksum)
	if mode == ModeOffline {
		// The offline turn clock starts immediately. The host arms it
		// when the remote seat fills.
		s.turnTimer.Reset(now())
	}
	sessionlog.Created(context.Background(), pub, s.id, sessionlog.CreatedPayload{Mode: string(mode), Seed: seed})
	return s, nil
}

// Resume rebuilds a session from a save record. Saves captured during
// networked play never rejoin a live match, so every resumed session runs
// offline; the deterministic chain continues from the persisted seed and
// counter. Mode, Doc, SessionSeed and InitialCounter in cfg are ignored.
func Resume(rec save.Game, cfg SessionConfig) (*Session, error) {
	if len(rec.State) == 0 {
		return nil, errors.New("netplay: save has no state snapshot")
	}
	if rec.SessionSeed == 0 {
		return nil, errors.New("netplay: save is missing its session seed")
	}
	doc, err := gamestate.FromSnapshot(rec.State)
	if err != nil {
		return nil, fmt.Errorf("netplay: restore save state: %w", err)
	}
	if rec.Checksum != "" {
		sum, err := doc.Checksum()
		if err != nil {
			return nil, fmt.Errorf("netplay: checksum save state: %w", err)
		}
		if sum != rec.Checksum {
			return nil, fmt.Errorf("netplay: save state checksum %s, record expects %s", sum, rec.Checksum)
		}
	}
	if winner, reason, over := doc.Outcome(); over {
		return nil, fmt.Errorf("netplay: save is a finished game (winner %d by %s), replay it instead", winner, reason)
	}

	cfg.Mode = ModeOffline
	cfg.Doc = doc
	cfg.SessionSeed = rec.SessionSeed
	cfg.InitialCounter = rec.ActionCounter
	s, err := NewSession(cfg)
	if err != nil {
		return nil, err
	}
	sessionlog.Resumed(context.Background(), s.publisher, s.id, sessionlog.ResumedPayload{
		SaveID:     rec.ID,
		SavedMode:  rec.Mode,
		Counter:    rec.ActionCounter,
		Downgraded: rec.Networked(),
	})
	return s, nil
}

// Run drives the session loop until the context is cancelled or the game
// ends. It paces liveness checks, prediction expiry and remote action
// processing; transport callbacks stay cheap by deferring to it.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.finished:
			return nil
		case <-s.wake:
			s.drainInbox()
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

// tick performs one maintenance sweep. Exposed to tests through the clock.
func (s *Session) tick(now time.Time) {
	if s.mode == ModeClient {
		s.clientTick(now)
		return
	}
	s.drainInbox()
	s.authoritativeTick(now)
}

func (s *Session) authoritativeTick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.over {
		return
	}
	if s.mode == ModeHost && s.peerSeen {
		silence, fired := s.watchdog.Check(now)
		if fired {
			network.HeartbeatTimeout(context.Background(), s.publisher, s.id, s.doc.TurnNumber(), network.TimeoutPayload{
				Player:      s.remote,
				SilenceMS:   silence.Milliseconds(),
				ThresholdMS: s.watchdog.Timeout().Milliseconds(),
				Remote:      s.peerRemote,
			})
			s.dropPeerLocked(errors.New("heartbeat timeout"))
			s.finishLocked(s.local, ReasonDisconnect)
			return
		}
	}
	if s.turnTimer.Expired(now) {
		s.finishLocked(otherPlayer(s.doc.ActivePlayer()), ReasonTimeout)
	}
}

// Submit runs a local intent through the session. Offline and host sessions
// process it authoritatively; client sessions predict it and transmit. A
// zero act.Turn is stamped with the current turn.
func (s *Session) Submit(act action.Action) (Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.over {
		return Submission{}, ErrSessionOver
	}
	if s.mode == ModeClient {
		return s.clientSubmitLocked(act)
	}
	if act.Turn == 0 {
		act.Turn = s.doc.TurnNumber()
	}
	from := s.local
	if s.mode == ModeOffline {
		// Hot-seat play speaks for both seats.
		from = act.Player
	}
	res, err := s.processLocked(act, from, true)
	if err != nil {
		return Submission{}, err
	}
	if res.Accepted {
		s.broadcastStagedLocked()
		s.victoryCheckLocked()
	}
	return Submission{Result: res}, nil
}

// Forfeit concedes on behalf of player; the opponent wins. Client sessions
// also notify the host, though the local verdict stands regardless.
func (s *Session) Forfeit(player int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.over {
		return
	}
	if s.mode == ModeClient && s.link != nil {
		if err := s.link.Forfeit(); err != nil {
			network.SendFailed(context.Background(), s.publisher, s.id, network.SendFailedPayload{
				Player:      s.remote,
				MessageType: proto.TypeForfeit,
				Error:       err.Error(),
			})
		}
	}
	s.finishLocked(otherPlayer(player), ReasonForfeit)
}

// processLocked runs one action through the pipeline and, on acceptance,
// advances the authoritative document, counter and checksum. stage marks
// diffs for broadcast to the remote peer. Terminal outcomes are left for the
// caller so result frames can be sequenced ahead of the verdict.
func (s *Session) processLocked(act action.Action, from int, stage bool) (action.Result, error) {
	if s.over {
		return action.Result{}, ErrSessionOver
	}
	if act.IssuedAt.IsZero() {
		act.IssuedAt = s.now()
	}
	outcome, err := s.pipe.Process(s.doc, act, from, s.seed, s.counter)
	if err != nil {
		return action.Result{}, err
	}
	res := outcome.Result
	if !res.Accepted {
		code := ""
		if res.Rejection != nil {
			code = string(res.Rejection.Code)
		}
		sessionlog.ActionRejected(context.Background(), s.publisher, s.id, act.ID, s.doc.TurnNumber(), sessionlog.ActionPayload{
			Kind:   string(act.Kind),
			Player: act.Player,
			Code:   code,
		})
		return res, nil
	}
	s.doc = outcome.Doc
	s.counter = res.Counter + 1
	s.checksum = res.Checksum
	if s.recorder != nil {
		s.recorder.Record(act)
	}
	if stage && s.peer != nil {
		s.journal.Append(res.Diffs...)
	}
	s.recordKeyframeLocked(res.Checksum)
	if s.turnTimer.Running() {
		s.turnTimer.Reset(s.now())
	}
	sessionlog.ActionExecuted(context.Background(), s.publisher, s.id, act.ID, s.doc.TurnNumber(), sessionlog.ActionPayload{
		Kind:     string(act.Kind),
		Player:   act.Player,
		Counter:  res.Counter,
		Checksum: res.Checksum,
	})
	return res, nil
}

func (s *Session) victoryCheckLocked() {
	if s.over {
		return
	}
	if winner, reason, ok := s.doc.Outcome(); ok {
		s.finishLocked(winner, reason)
	}
}

// finishLocked latches the terminal result. Staged diffs flush ahead of the
// verdict frame so the peer sees the final state before the result.
func (s *Session) finishLocked(winner int, reason string) {
	if s.over {
		return
	}
	s.over = true
	s.result = GameResult{Winner: winner, Reason: reason}
	s.turnTimer.Stop()
	if s.recorder != nil {
		s.recorder.SetOutcome(winner, reason)
	}
	s.broadcastStagedLocked()
	if s.peer != nil {
		data, err := proto.EncodeGameResultV1(proto.GameResultV1{Winner: winner, Reason: reason})
		if err == nil {
			if err := s.peer.Send(data); err != nil {
				network.SendFailed(context.Background(), s.publisher, s.id, network.SendFailedPayload{
					Player:      s.remote,
					MessageType: proto.TypeGameResult,
					Error:       err.Error(),
				})
			}
		}
	}
	sessionlog.Ended(context.Background(), s.publisher, s.id, s.turnLocked(), sessionlog.EndedPayload{Winner: winner, Reason: reason})
	close(s.finished)
	if hook := s.hooks.GameOver; hook != nil {
		result := s.result
		go hook(result)
	}
}

func (s *Session) recordKeyframeLocked(checksum string) {
	state, err := s.doc.Snapshot()
	if err != nil {
		return
	}
	s.keyframeSeq++
	s.journal.RecordKeyframe(journal.Keyframe{
		Sequence: s.keyframeSeq,
		Turn:     s.doc.TurnNumber(),
		Counter:  s.counter,
		Checksum: checksum,
		State:    state,
	})
}

func (s *Session) turnLocked() uint32 {
	if s.mode == ModeClient {
		return s.predictor.Doc().TurnNumber()
	}
	return s.doc.TurnNumber()
}

// ID returns the session identifier stamped on every published event.
func (s *Session) ID() string { return s.id }

// Mode reports which side of the match this session runs.
func (s *Session) Mode() Mode { return s.mode }

// Seed returns the shared deterministic session seed.
func (s *Session) Seed() uint64 { return s.seed }

// LocalPlayer returns the seat this process controls. Offline sessions
// control both and report seat zero.
func (s *Session) LocalPlayer() int { return s.local }

// Doc returns a copy of the current document.
func (s *Session) Doc() gamestate.Doc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeClient {
		return s.predictor.Doc().Clone()
	}
	return s.doc.Clone()
}

// Checksum returns the checksum of the current document.
func (s *Session) Checksum() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeClient {
		sum, err := s.predictor.Doc().Checksum()
		if err != nil {
			return ""
		}
		return sum
	}
	return s.checksum
}

// Counter returns the next action counter.
func (s *Session) Counter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeClient {
		return s.predictor.Counter()
	}
	return s.counter
}

// Turn returns the current turn number.
func (s *Session) Turn() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnLocked()
}

// ActivePlayer returns the seat whose turn it is.
func (s *Session) ActivePlayer() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeClient {
		return s.predictor.Doc().ActivePlayer()
	}
	return s.doc.ActivePlayer()
}

// Result returns the terminal verdict once the game is over.
func (s *Session) Result() (GameResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.over
}

// Finished is closed when the terminal result latches.
func (s *Session) Finished() <-chan struct{} {
	return s.finished
}

// Recording exports the ordered action log for replay verification. Only
// authoritative sessions record.
func (s *Session) Recording() (replay.Recording, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recorder == nil {
		return replay.Recording{}, false
	}
	return s.recorder.Recording(s.checksum), true
}

// Diagnostics is a point-in-time monitoring snapshot.
type Diagnostics struct {
	SessionID      string `json:"sessionId"`
	Mode           Mode   `json:"mode"`
	Turn           uint32 `json:"turn"`
	ActivePlayer   int    `json:"activePlayer"`
	Counter        uint64 `json:"counter"`
	Checksum       string `json:"checksum"`
	PeerConnected  bool   `json:"peerConnected"`
	PeerRemote     string `json:"peerRemote,omitempty"`
	SilenceMillis  int64  `json:"silenceMs"`
	RTTMillis      int64  `json:"rttMs"`
	TurnRemaining  int64  `json:"turnRemainingMs"`
	InboxDepth     int    `json:"inboxDepth"`
	QueueDepth     int    `json:"queueDepth"`
	MismatchStreak int    `json:"mismatchStreak"`
	Over           bool   `json:"over"`
	Winner         int    `json:"winner"`
	Reason         string `json:"reason,omitempty"`
}

// Diagnostics reports the session's health for the monitoring endpoint.
func (s *Session) Diagnostics() Diagnostics {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	diag := Diagnostics{
		SessionID:      s.id,
		Mode:           s.mode,
		Turn:           s.turnLocked(),
		Counter:        s.counter,
		Checksum:       s.checksum,
		PeerConnected:  s.peer != nil,
		PeerRemote:     s.peerRemote,
		InboxDepth:     s.inbox.Len(),
		MismatchStreak: s.journal.MismatchStreak(),
		Over:           s.over,
		Winner:         s.result.Winner,
		Reason:         s.result.Reason,
	}
	if s.mode == ModeClient {
		doc := s.predictor.Doc()
		diag.ActivePlayer = doc.ActivePlayer()
		diag.Counter = s.predictor.Counter()
		if sum, err := doc.Checksum(); err == nil {
			diag.Checksum = sum
		}
		diag.PeerConnected = s.link != nil
		diag.QueueDepth = s.predictor.QueueLen()
		diag.RTTMillis = s.rtt.Milliseconds()
	} else {
		diag.ActivePlayer = s.doc.ActivePlayer()
		diag.RTTMillis = s.watchdog.LastRTT().Milliseconds()
	}
	if s.mode != ModeOffline {
		diag.SilenceMillis = s.watchdog.Silence(now).Milliseconds()
	}
	if s.turnTimer.Running() {
		diag.TurnRemaining = s.turnTimer.Remaining(now).Milliseconds()
	}
	return diag
}

func otherPlayer(player int) int {
	return (player + 1) % action.PlayerCount
}

// desyncCounter adapts the metrics registry to the journal's telemetry hook.
type desyncCounter struct {
	metrics telemetry.Metrics
}

func (d desyncCounter) RecordDesync(metric string) {
	d.metrics.Add(metric, 1)
}
