// Package media implements the playback queue (C4 SmartPlayer): a FIFO of
// on-disk audio files played one at a time into a call, with barge-in
// interruption and end-of-file chaining.
package media

import (
	"os"
	"sync"

	"github.com/arch7tect/sip-gateway/pkg/logging"
)

// Sink is the capability a SmartPlayer needs from the call's media pipe: a
// way to start and stop playing a file into the call (and, in parallel, into
// the call recording). This stands in for the SIP stack's AudioMedia /
// AudioMediaRecorder objects (spec §9's "dynamic dispatch via inheritance"
// design note recast as a capability interface).
type Sink interface {
	// StartPlayback begins transmitting filename's audio into the call and
	// the recorder, invoking onEOF exactly once when playback finishes
	// naturally. Returns a handle that Stop can tear down early.
	StartPlayback(filename string, onEOF func()) (PlaybackHandle, error)
}

// PlaybackHandle represents one in-flight playback started by Sink.
type PlaybackHandle interface {
	// Stop halts playback immediately; safe to call on an already-finished
	// handle and safe to call more than once.
	Stop()
}

// AudioFile is one playback-queue entry.
type AudioFile struct {
	Filename string
	Discard  bool
}

// SmartPlayer serializes audio-file playback with barge-in and EOF chaining,
// per spec §4.4. Ported from
// original_source/python/sip/audio_media_player.py::SmartPlayer.
type SmartPlayer struct {
	mu sync.Mutex

	sink    Sink
	onStop  func()
	logger  logging.Logger

	queue        []AudioFile
	current      *AudioFile
	handle       PlaybackHandle
	tearingDown  bool
}

// New constructs a SmartPlayer writing into sink. onStop, if non-nil, is
// invoked (outside the lock) when the queue drains naturally with nothing
// left to play and the player is not mid-teardown.
func New(sink Sink, onStop func(), logger logging.Logger) *SmartPlayer {
	if logger == nil {
		logger = logging.NoOp{}
	}
	return &SmartPlayer{sink: sink, onStop: onStop, logger: logger}
}

// IsActive reports whether a file is currently playing or queued.
func (p *SmartPlayer) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil || len(p.queue) > 0
}

// PutToQueue enqueues filename at the tail of the FIFO.
func (p *SmartPlayer) PutToQueue(filename string, discard bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, AudioFile{Filename: filename, Discard: discard})
}

// Play starts the next queued file if nothing is currently playing.
func (p *SmartPlayer) Play() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil && len(p.queue) > 0 {
		p.playNextLocked()
	}
}

// Interrupt tears down the current playback and discards the rest of the
// queue (unlinking any entry whose Discard is set). Best-effort: missing
// files and sink errors are logged, never propagated.
func (p *SmartPlayer) Interrupt() {
	p.mu.Lock()
	p.tearingDown = true
	p.destroyPlayerLocked()
	p.discardCurrentLocked()
	pending := p.queue
	p.queue = nil
	p.tearingDown = false
	p.mu.Unlock()

	for _, af := range pending {
		if af.Discard {
			removeBestEffort(af.Filename, p.logger)
		}
	}
}

func (p *SmartPlayer) destroyPlayerLocked() {
	if p.handle == nil {
		return
	}
	h := p.handle
	p.handle = nil
	h.Stop()
}

func (p *SmartPlayer) discardCurrentLocked() {
	if p.current == nil {
		return
	}
	if p.current.Discard {
		removeBestEffort(p.current.Filename, p.logger)
	}
	p.current = nil
}

func (p *SmartPlayer) playNextLocked() {
	af := p.queue[0]
	p.queue = p.queue[1:]
	p.current = &af

	if p.tearingDown {
		p.logger.Debug("skip play during teardown", "filename", af.Filename)
		return
	}

	handle, err := p.sink.StartPlayback(af.Filename, func() { p.onEOF() })
	if err != nil {
		p.logger.Debug("player start failed", "error", err, "filename", af.Filename)
		p.handle = nil
		p.discardCurrentLocked()
		if len(p.queue) > 0 {
			p.playNextLocked()
		}
		return
	}
	p.handle = handle
}

// onEOF is the Sink callback invoked when the current file finishes playing
// naturally.
func (p *SmartPlayer) onEOF() {
	p.mu.Lock()
	p.handle = nil
	p.discardCurrentLocked()

	var playNext, invokeStop bool
	if len(p.queue) > 0 && !p.tearingDown {
		playNext = true
	} else if p.onStop != nil && !p.tearingDown {
		invokeStop = true
	}
	if playNext {
		p.playNextLocked()
	}
	p.mu.Unlock()

	if invokeStop {
		p.onStop()
	}
}

func removeBestEffort(filename string, logger logging.Logger) {
	if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove audio file", "filename", filename, "error", err)
	}
}
