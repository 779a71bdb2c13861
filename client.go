package netplay

import (
	"context"
	"errors"
	"fmt"
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
	"skirmish/netplay/internal/telemetry"
	"skirmish/netplay/internal/ws"
	"skirmish/netplay/logging"
	"skirmish/netplay/logging/network"
	sessionlog "skirmish/netplay/logging/session"
	"skirmish/netplay/logging/syncstate"
)

// HostLink is the outbound transport surface a client session drives.
// *ws.Client satisfies it.
type HostLink interface {
	Submit(act action.Action) error
	RequestResync(checksum string) error
	Forfeit() error
}

var (
	_ HostLink = (*ws.Client)(nil)
	_ ws.Sink  = (*Session)(nil)
)

// JoinConfig carries the client-side collaborators. The host's welcome
// overrides the heartbeat and turn clock tunables so both sides agree.
type JoinConfig struct {
	Domain    action.Domain
	Config    config.Config
	Publisher logging.Publisher
	Metrics   telemetry.Metrics
	Hooks     Hooks
	Clock     func() time.Time
}

// Join builds a client session from the welcome a host answered the join
// handshake with. Wire the returned session into the transport as its frame
// sink and start Run.
func Join(welcome proto.ServerMessage, link HostLink, cfg JoinConfig) (*Session, error) {
	if cfg.Domain == nil {
		return nil, errors.New("netplay: session requires a domain")
	}
	if welcome.Type != proto.TypeWelcome {
		return nil, fmt.Errorf("netplay: expected welcome frame, got %q", welcome.Type)
	}
	if len(welcome.State) == 0 {
		return nil, errors.New("netplay: welcome carries no state")
	}
	conf := cfg.Config
	if conf == (config.Config{}) {
		conf = config.Default()
	}
	if welcome.Heartbeat > 0 {
		conf.HeartbeatInterval = time.Duration(welcome.Heartbeat) * time.Millisecond
	}
	if welcome.TurnTimeout > 0 {
		conf.TurnTimeout = time.Duration(welcome.TurnTimeout) * time.Millisecond
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	pub := cfg.Publisher
	if pub == nil {
		pub = logging.NopPublisher()
	}

	pipe := pipeline.New(cfg.Domain, pipeline.NewRateLimiter(conf.RateBudget, conf.RateWindow, now), cfg.Metrics)
	predictor := predict.New(gamestate.New(), welcome.Player, welcome.SessionSeed, pipe, conf.PredictionExpiry, conf.OutboxCapacity, now)
	if err := predictor.Resync(welcome.State, welcome.Checksum, welcome.Counter); err != nil {
		return nil, fmt.Errorf("netplay: welcome state: %w", err)
	}

	s := &Session{
		id:        uuid.NewString(),
		mode:      ModeClient,
		cfg:       conf,
		domain:    cfg.Domain,
		publisher: pub,
		metrics:   cfg.Metrics,
		hooks:     cfg.Hooks,
		now:       now,
		seed:      welcome.SessionSeed,
		local:     welcome.Player,
		remote:    otherPlayer(welcome.Player),
		pipe:      pipe,
		predictor: predictor,
		link:      link,
		turnTimer: liveness.NewTurnTimer(conf.TurnTimeout),
		watchdog:  liveness.NewWatchdog(conf.DisconnectTimeout(), now()),
		finished:  make(chan struct{}),
		wake:      make(chan struct{}, 1),
		journal:   journal.New(conf.KeyframeCapacity, keyframeMaxAge, conf.DesyncThreshold),
	}
	if cfg.Metrics != nil {
		s.journal.AttachTelemetry(desyncCounter{metrics: cfg.Metrics})
	}
	sessionlog.Created(context.Background(), pub, s.id, sessionlog.CreatedPayload{Mode: string(ModeClient), Seed: welcome.SessionSeed})
	network.PeerConnected(context.Background(), pub, s.id, network.PeerPayload{Player: s.remote})
	return s, nil
}

// ServerFrame consumes one frame pushed by the host. Any frame counts as a
// sign of life for the watchdog.
func (s *Session) ServerFrame(msg proto.ServerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeClient {
		return
	}
	s.watchdog.Beat(s.now(), 0)
	if s.over {
		return
	}
	switch msg.Type {
	case proto.TypeHeartbeat:
		s.rtt = time.Duration(msg.RTTMillis) * time.Millisecond
	case proto.TypeResult:
		s.handleResultLocked(msg)
	case proto.TypeState:
		s.handleStateLocked(msg)
	case proto.TypeSnapshot:
		s.handleSnapshotLocked(msg)
	case proto.TypeGameResult:
		s.finishLocked(msg.Winner, msg.Reason)
	case proto.TypeWelcome:
		// Consumed during the dial handshake.
	}
}

func (s *Session) clientSubmitLocked(act action.Action) (Submission, error) {
	submission, err := s.predictor.Submit(act)
	if err != nil {
		return Submission{}, err
	}
	switch submission.Status {
	case predict.StatusQueued:
		return Submission{Result: action.Result{ActionID: submission.Action.ID}, Queued: true}, nil
	case predict.StatusRejected:
		return Submission{Result: action.Refuse(submission.Action.ID, submission.Rejection)}, nil
	}
	s.transmitLocked(submission.Action)
	return Submission{Result: submission.Predicted}, nil
}

// handleResultLocked consumes the host's verdict on an action this client
// submitted. Every result frame addresses a local submission, so the
// resolved hook fires here.
func (s *Session) handleResultLocked(msg proto.ServerMessage) {
	res := proto.PipelineResult(msg)
	turn := s.predictor.Doc().TurnNumber()

	var resolution predict.Resolution
	var err error
	if pendingID, ok := s.predictor.PendingID(); ok && pendingID == res.ActionID {
		resolution, err = s.predictor.Resolve(res)
	} else {
		resolution, err = s.predictor.ApplyAuthoritative(res)
	}
	if err != nil {
		// The pending slot raced the frame. A snapshot settles it.
		s.requestResyncLocked()
		return
	}

	switch resolution.Kind {
	case predict.ResolutionConfirmed:
		s.journal.NoteMatch()
	case predict.ResolutionRejected:
		code := ""
		if resolution.Rejection != nil {
			code = string(resolution.Rejection.Code)
		}
		syncstate.Rollback(context.Background(), s.publisher, s.id, turn, syncstate.RollbackPayload{Kind: "rejected", Code: code})
	case predict.ResolutionDesynced:
		if resolution.NeedsResync {
			s.noteMismatchLocked("result", res.ActionID, res.Checksum, turn)
		} else {
			s.journal.NoteMatch()
			syncstate.Rollback(context.Background(), s.publisher, s.id, turn, syncstate.RollbackPayload{Kind: "mispredicted"})
		}
	case predict.ResolutionSuperseded:
		syncstate.Rollback(context.Background(), s.publisher, s.id, turn, syncstate.RollbackPayload{Kind: "superseded"})
		if resolution.NeedsResync {
			s.noteMismatchLocked("result", res.ActionID, res.Checksum, turn)
		} else {
			s.journal.NoteMatch()
		}
	}
	if resolution.NeedsResync {
		s.requestResyncLocked()
	}
	s.escalateLocked(turn)

	if hook := s.hooks.ActionResolved; hook != nil {
		go hook(res)
	}

	s.advanceQueueLocked()
}

// handleStateLocked folds a host diff broadcast into the mirror. Broadcasts
// carry the host's own actions, so a pending prediction is superseded and
// replayed against the fresh base.
func (s *Session) handleStateLocked(msg proto.ServerMessage) {
	turn := s.predictor.Doc().TurnNumber()
	resolution, err := s.predictor.ApplyBroadcast(msg.Ops, msg.Checksum, msg.Counter)
	if err != nil {
		s.requestResyncLocked()
		return
	}
	if resolution.Kind == predict.ResolutionSuperseded {
		syncstate.Rollback(context.Background(), s.publisher, s.id, turn, syncstate.RollbackPayload{Kind: "superseded"})
	}
	if resolution.NeedsResync {
		s.noteMismatchLocked("broadcast", "", msg.Checksum, turn)
		s.requestResyncLocked()
	} else {
		s.journal.NoteMatch()
	}
	s.escalateLocked(turn)
	s.advanceQueueLocked()
}

func (s *Session) handleSnapshotLocked(msg proto.ServerMessage) {
	if err := s.predictor.Resync(msg.State, msg.Checksum, msg.Counter); err != nil {
		sessionlog.Fault(context.Background(), s.publisher, s.id, s.predictor.Doc().TurnNumber(), sessionlog.FaultPayload{
			Stage: "resync",
			Error: err.Error(),
		})
		return
	}
	syncstate.SnapshotPushed(context.Background(), s.publisher, s.id, s.predictor.Doc().TurnNumber(), syncstate.SnapshotPayload{
		Checksum: msg.Checksum,
		Reason:   msg.Reason,
	})
	s.advanceQueueLocked()
}

func (s *Session) clientTick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.over {
		return
	}
	turn := s.predictor.Doc().TurnNumber()
	if resolution, expired := s.predictor.ExpirePending(now); expired {
		syncstate.Rollback(context.Background(), s.publisher, s.id, turn, syncstate.RollbackPayload{Kind: "expired"})
		if resolution.NeedsResync {
			s.requestResyncLocked()
		}
		s.advanceQueueLocked()
	}
	silence, fired := s.watchdog.Check(now)
	if fired {
		network.HeartbeatTimeout(context.Background(), s.publisher, s.id, turn, network.TimeoutPayload{
			Player:      s.remote,
			SilenceMS:   silence.Milliseconds(),
			ThresholdMS: s.watchdog.Timeout().Milliseconds(),
		})
		s.finishLocked(s.local, ReasonDisconnect)
	}
}

// advanceQueueLocked promotes queued intents now that the pending slot may
// be free. Intents the pipeline refuses at prediction time resolve locally.
func (s *Session) advanceQueueLocked() {
	if s.over {
		return
	}
	for {
		submission, popped, err := s.predictor.Next()
		if err != nil {
			sessionlog.Fault(context.Background(), s.publisher, s.id, s.predictor.Doc().TurnNumber(), sessionlog.FaultPayload{
				Stage: "predict",
				Error: err.Error(),
			})
			continue
		}
		if !popped {
			return
		}
		switch submission.Status {
		case predict.StatusPredicted:
			s.transmitLocked(submission.Action)
			return
		case predict.StatusRejected:
			if hook := s.hooks.ActionResolved; hook != nil {
				go hook(action.Refuse(submission.Action.ID, submission.Rejection))
			}
		}
	}
}

func (s *Session) transmitLocked(act action.Action) {
	if s.link == nil {
		return
	}
	if err := s.link.Submit(act); err != nil {
		network.SendFailed(context.Background(), s.publisher, s.id, network.SendFailedPayload{
			Player:      s.remote,
			MessageType: proto.TypeAction,
			Error:       err.Error(),
		})
	}
}

func (s *Session) requestResyncLocked() {
	if s.link == nil {
		return
	}
	checksum := ""
	if sum, err := s.predictor.Doc().Checksum(); err == nil {
		checksum = sum
	}
	if err := s.link.RequestResync(checksum); err != nil {
		network.SendFailed(context.Background(), s.publisher, s.id, network.SendFailedPayload{
			Player:      s.remote,
			MessageType: proto.TypeResync,
			Error:       err.Error(),
		})
	}
}

func (s *Session) noteMismatchLocked(kind, actionID, remote string, turn uint32) {
	local := ""
	if sum, err := s.predictor.Doc().Checksum(); err == nil {
		local = sum
	}
	s.journal.NoteMismatch(kind, actionID)
	syncstate.ChecksumMismatch(context.Background(), s.publisher, s.id, turn, syncstate.MismatchPayload{
		Local:  local,
		Remote: remote,
		Streak: s.journal.MismatchStreak(),
	})
}

// escalateLocked ends the session once the desync streak crosses the policy
// threshold. Snapshots have had their chance by then; a mirror that keeps
// diverging is no more playable than a dropped link.
func (s *Session) escalateLocked(turn uint32) {
	signal, ok := s.journal.ConsumeDesyncHint()
	if !ok {
		return
	}
	syncstate.DesyncEscalated(context.Background(), s.publisher, s.id, turn, syncstate.EscalationPayload{
		Streak:      signal.Streak,
		Mismatches:  signal.Mismatches,
		Comparisons: signal.Comparisons,
		Detail:      signal.Summary(),
	})
	s.finishLocked(s.remote, ReasonDisconnect)
}
