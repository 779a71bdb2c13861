// Package journal stages the diffs produced between broadcasts and keeps a
// rolling buffer of recent keyframes so a desynced endpoint can be
// rehydrated without replaying the whole session.
package journal

import (
	"sync"
	"time"

	"skirmish/netplay/internal/gamestate"
)

// Telemetry captures the metrics adapter used by the journal to report
// divergence observations.
type Telemetry interface {
	RecordDesync(metric string)
}

// Journal accumulates diffs staged for the next broadcast and retains
// keyframes for recovery.
type Journal struct {
	mu        sync.RWMutex
	diffs     []gamestate.Diff
	keyframes []Keyframe
	maxFrames int
	maxAge    time.Duration
	telemetry Telemetry
	desync    *Policy
}

// New constructs a journal with storage for the configured number of
// keyframes, the retention window, and the consecutive-mismatch threshold
// that escalates a desync.
func New(keyframeCapacity int, maxAge time.Duration, desyncThreshold int) Journal {
	if keyframeCapacity < 0 {
		keyframeCapacity = 0
	}
	if maxAge < 0 {
		maxAge = 0
	}
	return Journal{
		diffs:     make([]gamestate.Diff, 0),
		keyframes: make([]Keyframe, 0, keyframeCapacity),
		maxFrames: keyframeCapacity,
		maxAge:    maxAge,
		desync:    NewPolicy(desyncThreshold),
	}
}

// Append stages diffs for the next broadcast.
func (j *Journal) Append(diffs ...gamestate.Diff) {
	if len(diffs) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.diffs = append(j.diffs, gamestate.CloneDiffs(diffs)...)
}

// Drain returns all staged diffs and clears the buffer.
func (j *Journal) Drain() []gamestate.Diff {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.diffs) == 0 {
		return nil
	}
	drained := gamestate.CloneDiffs(j.diffs)
	j.diffs = j.diffs[:0]
	return drained
}

// Staged returns a copy of the staged diffs without clearing the buffer.
func (j *Journal) Staged() []gamestate.Diff {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.diffs) == 0 {
		return nil
	}
	return gamestate.CloneDiffs(j.diffs)
}

// Restore prepends drained diffs back into the journal. It is used when a
// caller drains the journal but the broadcast cannot be sent, so the batch
// must ride along with the next one.
func (j *Journal) Restore(diffs []gamestate.Diff) {
	if len(diffs) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	restored := make([]gamestate.Diff, 0, len(diffs)+len(j.diffs))
	restored = append(restored, gamestate.CloneDiffs(diffs)...)
	restored = append(restored, j.diffs...)
	j.diffs = restored
}

// NoteMatch records a checksum comparison that agreed.
func (j *Journal) NoteMatch() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.desync.NoteMatch()
}

// NoteMismatch records a checksum comparison that disagreed.
func (j *Journal) NoteMismatch(kind, actionID string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.telemetry != nil {
		j.telemetry.RecordDesync(metricDesyncMismatch)
	}
	j.desync.NoteMismatch(kind, actionID)
}

// ConsumeDesyncHint reports whether mismatches crossed the escalation
// threshold. Counters reset after each consumption so the caller can
// re-evaluate on subsequent broadcasts.
func (j *Journal) ConsumeDesyncHint() (DesyncSignal, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.desync == nil {
		return DesyncSignal{}, false
	}
	return j.desync.Consume()
}

// MismatchStreak exposes the current run of consecutive mismatches.
func (j *Journal) MismatchStreak() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.desync.Streak()
}

// AttachTelemetry wires the metrics adapter.
func (j *Journal) AttachTelemetry(t Telemetry) {
	j.mu.Lock()
	j.telemetry = t
	j.mu.Unlock()
}

const metricDesyncMismatch = "sync_checksum_mismatch"

// Keyframe captures a full snapshot of the replicated document at a known
// point, addressable by sequence for recovery requests.
type Keyframe struct {
	Sequence   uint64
	Turn       uint32
	Counter    uint64
	Checksum   string
	State      []byte
	RecordedAt time.Time
}

// KeyframeEviction describes one frame dropped during retention enforcement.
type KeyframeEviction struct {
	Sequence uint64
	Turn     uint32
	Reason   string
}

// KeyframeRecordResult summarises the buffer after a record operation.
type KeyframeRecordResult struct {
	Size           int
	OldestSequence uint64
	NewestSequence uint64
	Evicted        []KeyframeEviction
}

// RecordKeyframe stores a keyframe enforcing retention limits by count and
// age.
func (j *Journal) RecordKeyframe(frame Keyframe) KeyframeRecordResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.maxFrames == 0 {
		j.keyframes = j.keyframes[:0]
		return KeyframeRecordResult{}
	}

	frame.RecordedAt = time.Now()
	j.keyframes = append(j.keyframes, frame)

	cutoff := time.Time{}
	if j.maxAge > 0 {
		cutoff = frame.RecordedAt.Add(-j.maxAge)
	}

	evicted := make([]KeyframeEviction, 0)
	if !cutoff.IsZero() {
		idx := 0
		for idx < len(j.keyframes) {
			if !j.keyframes[idx].RecordedAt.Before(cutoff) {
				break
			}
			evicted = append(evicted, KeyframeEviction{
				Sequence: j.keyframes[idx].Sequence,
				Turn:     j.keyframes[idx].Turn,
				Reason:   "expired",
			})
			idx++
		}
		if idx > 0 {
			copy(j.keyframes, j.keyframes[idx:])
			j.keyframes = j.keyframes[:len(j.keyframes)-idx]
		}
	}

	if j.maxFrames > 0 && len(j.keyframes) > j.maxFrames {
		overflow := len(j.keyframes) - j.maxFrames
		for i := 0; i < overflow; i++ {
			frame := j.keyframes[i]
			evicted = append(evicted, KeyframeEviction{
				Sequence: frame.Sequence,
				Turn:     frame.Turn,
				Reason:   "count",
			})
		}
		copy(j.keyframes, j.keyframes[overflow:])
		j.keyframes = j.keyframes[:len(j.keyframes)-overflow]
	}

	size := len(j.keyframes)
	result := KeyframeRecordResult{Size: size}
	if size > 0 {
		result.OldestSequence = j.keyframes[0].Sequence
		result.NewestSequence = j.keyframes[size-1].Sequence
	}
	result.Evicted = evicted
	return result
}

// Keyframes exposes the buffer contents in chronological order. Callers
// receive a copy to avoid holding references into the buffer.
func (j *Journal) Keyframes() []Keyframe {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.keyframes) == 0 {
		return nil
	}
	frames := make([]Keyframe, len(j.keyframes))
	copy(frames, j.keyframes)
	return frames
}

// KeyframeBySequence returns the keyframe matching the provided sequence.
func (j *Journal) KeyframeBySequence(sequence uint64) (Keyframe, bool) {
	if sequence == 0 {
		return Keyframe{}, false
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, frame := range j.keyframes {
		if frame.Sequence == sequence {
			return frame, true
		}
	}
	return Keyframe{}, false
}

// Latest returns the newest keyframe.
func (j *Journal) Latest() (Keyframe, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.keyframes) == 0 {
		return Keyframe{}, false
	}
	return j.keyframes[len(j.keyframes)-1], true
}

// KeyframeWindow reports the current retention window.
func (j *Journal) KeyframeWindow() (size int, oldest, newest uint64) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	size = len(j.keyframes)
	if size == 0 {
		return size, 0, 0
	}
	oldest = j.keyframes[0].Sequence
	newest = j.keyframes[size-1].Sequence
	return size, oldest, newest
}
