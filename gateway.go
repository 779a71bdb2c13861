package netplay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"skirmish/netplay/internal/action"
	"skirmish/netplay/internal/proto"
	"skirmish/netplay/internal/ws"
	"skirmish/netplay/logging/network"
	sessionlog "skirmish/netplay/logging/session"
	"skirmish/netplay/logging/syncstate"
)

var _ ws.Gateway = (*Session)(nil)

// AttachPeer claims the remote seat and returns the encoded welcome carrying
// everything the client needs to mirror the session: seat, seed, full state,
// checksum and the next action counter. The error text doubles as the close
// reason for refused peers.
func (s *Session) AttachPeer(peer *ws.Peer) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeHost {
		return nil, errors.New("session does not accept remote peers")
	}
	if s.over {
		return nil, fmt.Errorf("session is over: %s", s.result)
	}
	if s.peer != nil {
		return nil, errors.New("remote seat is taken")
	}
	state, err := s.doc.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot state: %w", err)
	}
	welcome, err := proto.EncodeWelcomeV1(proto.WelcomeV1{
		Player:      s.remote,
		SessionSeed: s.seed,
		State:       state,
		Checksum:    s.checksum,
		Counter:     s.counter,
		Turn:        s.doc.TurnNumber(),
		Heartbeat:   s.cfg.HeartbeatInterval.Milliseconds(),
		TurnTimeout: s.cfg.TurnTimeout.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode welcome: %w", err)
	}
	s.peer = peer
	s.peerRemote = peer.Remote()
	s.peerSeen = true
	s.watchdog.Beat(s.now(), 0)
	// The welcome snapshot already covers anything staged for broadcast.
	s.journal.Drain()
	s.turnTimer.Reset(s.now())
	network.PeerConnected(context.Background(), s.publisher, s.id, network.PeerPayload{
		Player: s.remote,
		Remote: s.peerRemote,
	})
	return welcome, nil
}

// PeerHeartbeat records a heartbeat arrival and returns the smoothed RTT.
// The watchdog carries its own lock, so this stays off the session mutex.
func (s *Session) PeerHeartbeat(receivedAt time.Time, clientSent int64) (time.Duration, bool) {
	if s.mode != ModeHost {
		return 0, false
	}
	return s.watchdog.Beat(receivedAt, clientSent), true
}

// PeerAction stages a remote intent for ordered processing on the session
// loop. Overflow is counted by the buffer and the action is dropped; the
// peer learns the outcome only for actions that reach the pipeline.
func (s *Session) PeerAction(act action.Action) {
	if s.mode != ModeHost {
		return
	}
	if !s.inbox.Push(act) {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// PeerResync answers a divergence report with a full snapshot.
func (s *Session) PeerResync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushSnapshotLocked(proto.SnapshotResync)
}

// PeerForfeit concedes the remote seat.
func (s *Session) PeerForfeit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != ModeHost || s.over {
		return
	}
	s.finishLocked(s.local, ReasonForfeit)
}

// DetachPeer releases the remote seat when its transport closes. The peer
// argument guards against a slow teardown evicting a replacement that
// already claimed the seat. The watchdog keeps running so a vanished peer
// still times out if no one rejoins.
func (s *Session) DetachPeer(peer *ws.Peer, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil || s.peer != peer {
		return
	}
	s.dropPeerLocked(cause)
}

func (s *Session) dropPeerLocked(cause error) {
	peer := s.peer
	if peer == nil {
		return
	}
	s.peer = nil
	peer.Close()
	payload := network.PeerPayload{Player: s.remote, Remote: peer.Remote()}
	if cause != nil {
		payload.Cause = cause.Error()
	}
	network.PeerDisconnected(context.Background(), s.publisher, s.id, payload)
}

// drainInbox processes every staged remote action in arrival order. Result
// frames go out before any terminal verdict the action caused.
func (s *Session) drainInbox() {
	if s.mode != ModeHost {
		return
	}
	batch := s.inbox.Drain()
	if len(batch) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, act := range batch {
		if s.over {
			return
		}
		res, err := s.processLocked(act, s.remote, false)
		if err != nil {
			sessionlog.Fault(context.Background(), s.publisher, s.id, s.doc.TurnNumber(), sessionlog.FaultPayload{
				Stage: "pipeline",
				Error: err.Error(),
			})
			continue
		}
		s.sendResultLocked(res)
		if res.Accepted {
			s.victoryCheckLocked()
		}
	}
}

// broadcastStagedLocked drains the staged diffs into one state frame. On a
// failed write the diffs are restored so a later snapshot or rejoin covers
// them, and the peer is dropped.
func (s *Session) broadcastStagedLocked() {
	if s.peer == nil {
		return
	}
	ops := s.journal.Drain()
	if len(ops) == 0 {
		return
	}
	data, err := proto.EncodeStateDiffV1(proto.StateDiffV1{
		Ops:        ops,
		Checksum:   s.checksum,
		Counter:    s.counter,
		Turn:       s.doc.TurnNumber(),
		ServerTime: s.now().UnixMilli(),
	})
	if err != nil {
		s.journal.Restore(ops)
		return
	}
	if err := s.peer.Send(data); err != nil {
		s.journal.Restore(ops)
		s.sendFailedLocked(proto.TypeState, err)
		return
	}
	syncstate.DiffBroadcast(context.Background(), s.publisher, s.id, s.doc.TurnNumber(), syncstate.DiffPayload{
		Ops:      len(ops),
		Checksum: s.checksum,
	})
}

func (s *Session) pushSnapshotLocked(reason string) {
	if s.mode != ModeHost || s.peer == nil || s.over {
		return
	}
	state, err := s.doc.Snapshot()
	if err != nil {
		sessionlog.Fault(context.Background(), s.publisher, s.id, s.doc.TurnNumber(), sessionlog.FaultPayload{
			Stage: "snapshot",
			Error: err.Error(),
		})
		return
	}
	// The full state supersedes anything staged.
	s.journal.Drain()
	data, err := proto.EncodeSnapshotV1(proto.SnapshotV1{
		State:    state,
		Checksum: s.checksum,
		Counter:  s.counter,
		Turn:     s.doc.TurnNumber(),
		Reason:   reason,
	})
	if err != nil {
		return
	}
	if err := s.peer.Send(data); err != nil {
		s.sendFailedLocked(proto.TypeSnapshot, err)
		return
	}
	syncstate.SnapshotPushed(context.Background(), s.publisher, s.id, s.doc.TurnNumber(), syncstate.SnapshotPayload{
		Checksum: s.checksum,
		Reason:   reason,
	})
}

func (s *Session) sendResultLocked(res action.Result) {
	if s.peer == nil {
		return
	}
	data, err := proto.EncodeActionResultV1(proto.ActionResult(res))
	if err != nil {
		return
	}
	if err := s.peer.Send(data); err != nil {
		s.sendFailedLocked(proto.TypeResult, err)
	}
}

func (s *Session) sendFailedLocked(messageType string, err error) {
	network.SendFailed(context.Background(), s.publisher, s.id, network.SendFailedPayload{
		Player:      s.remote,
		MessageType: messageType,
		Error:       err.Error(),
	})
	s.dropPeerLocked(err)
}
