package dialog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arch7tect/sip-gateway/pkg/audio"
	"github.com/arch7tect/sip-gateway/pkg/logging"
	"github.com/arch7tect/sip-gateway/pkg/media"
	"github.com/arch7tect/sip-gateway/pkg/vad"
)

// minSpeculationSpeechSeconds is the accumulated-speech-duration floor below
// which a short pause does not trigger speculative generation. Named rather
// than env-configurable, per DESIGN.md's resolution of this Open Question.
const minSpeculationSpeechSeconds = 2.5

// softHangupPause is how long hangupIfNoActiveSpeech waits before actually
// sending BYE (or transferring), giving any last AI utterance a moment to start.
const softHangupPause = 300 * time.Millisecond

// dtmfTransferPrefix marks a transfer destination as in-band DTMF digits
// (e.g. "dtmf:123") rather than a SIP REFER target, per spec §4.7/§6.
const dtmfTransferPrefix = "dtmf:"

// Call drives one SIP leg's dialog state machine (C7): it owns the VAD
// windower (C3), the playback queue (C4), the task bookkeeping (C5), the
// lazy TTS futures (C6) enqueued as replies arrive, and a backend session
// (C8). Ported from original_source/python/sip/pjcall.py::PjCall.
type Call struct {
	opts     Options
	backend  BackendSession
	localSTT LocalTranscriber
	sip      SIPSession
	player   *media.SmartPlayer
	proc     *vad.StreamingProcessor
	tasks    *TaskManager
	metrics  MetricsRecorder
	logger   logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	frameCh chan []byte

	mu                   sync.Mutex
	state                CallState
	startTime            time.Time
	responseGenStartedAt time.Time
	startUserSpeechAt    time.Time
	messageQueue         []*AudioMessage
	isPlaying            bool
	userSpeaking         bool
	unstableSpeechResult string
	toURI                string
	transferDelay        time.Duration
	xferStarted          bool
	closeStatus          string
}

// NewCall wires a Call together: builds the VAD streaming processor bound to
// model, the playback queue bound to sink, and starts the per-call frame
// loop. The caller is responsible for feeding RTP frames via ProcessFrame and
// calling Close when the SIP leg ends.
func NewCall(ctx context.Context, opts Options, model vad.Model, procCfg vad.ProcessorConfig, sink media.Sink, backend BackendSession, sip SIPSession, localSTT LocalTranscriber, metrics MetricsRecorder, logger logging.Logger) (*Call, error) {
	if logger == nil {
		logger = logging.NoOp{}
	}
	callCtx, cancel := context.WithCancel(ctx)

	c := &Call{
		opts:          opts,
		backend:       backend,
		localSTT:      localSTT,
		sip:           sip,
		tasks:         NewTaskManager(),
		metrics:       metrics,
		logger:        logger,
		ctx:           callCtx,
		cancel:        cancel,
		frameCh:       make(chan []byte, 256),
		state:         StateWaitForUser,
		startTime:     time.Now(),
		transferDelay: opts.TransferDelay,
	}
	c.player = media.New(sink, c.onPlaybackDrained, logger)

	proc, err := vad.NewStreamingProcessor(callCtx, model, procCfg, vad.Callbacks{
		OnSpeechStart:         c.onSpeechStart,
		OnSpeechEnd:           c.onSpeechEnd,
		OnShortPause:          c.onShortPause,
		OnLongPause:           c.onLongPause,
		OnUserSalienceTimeout: c.onUserSalienceTimeout,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dialog: new call: %w", err)
	}
	c.proc = proc

	go c.runFrameLoop()
	return c, nil
}

// ProcessFrame enqueues one chunk of little-endian 16-bit PCM audio for
// processing, in arrival order. Frames arriving after the call's frame
// buffer fills (256 frames deep) are dropped with a warning rather than
// blocking the caller indefinitely.
func (c *Call) ProcessFrame(pcm []byte) {
	select {
	case c.frameCh <- pcm:
	case <-c.ctx.Done():
	default:
		c.logger.Warn("dropping RTP frame, call frame queue full", "session_id", c.opts.SessionID)
	}
}

func (c *Call) runFrameLoop() {
	for {
		select {
		case pcm := <-c.frameCh:
			c.process(pcm)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Call) process(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	if c.getState() == StateFinished {
		return
	}
	if !c.opts.InterruptionsAllowed && (c.isActiveAISpeech() || c.tasks.Contains(TaskCommit)) {
		return
	}
	samples := audio.Int16PCMToFloat32(pcm)
	if err := c.proc.ProcessAudio(c.ctx, samples); err != nil {
		c.logger.Error("vad processing failed", "error", err, "session_id", c.opts.SessionID)
	}
}

// scheduleOnLoop runs fn asynchronously, fusing spec §9's "post a
// continuation, then spawn the work" note into one call: fn always runs off
// the frame-processing path so it never blocks RTP ingestion, and is skipped
// outright once the call context is done.
func (c *Call) scheduleOnLoop(fn func()) {
	go func() {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		fn()
	}()
}

func (c *Call) getState() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setState applies the transition unless the call is already in a terminal
// state, per spec §4.7's FINISHED/HANGED_UP stickiness. HANGED_UP never
// moves again. FINISHED is sticky against everything except the expected
// final FINISHED -> HANGED_UP transition soft-hangup relies on.
func (c *Call) setState(next CallState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateHangedUp {
		return
	}
	if c.state == StateFinished && next != StateHangedUp {
		return
	}
	c.state = next
}

func (c *Call) aiCanSpeak() bool {
	s := c.getState()
	return s == StateWaitForUser || s == StateCommitGenerate || s == StateFinished
}

func (c *Call) isActiveAISpeech() bool {
	c.mu.Lock()
	playing, queued := c.isPlaying, len(c.messageQueue) > 0
	c.mu.Unlock()
	return playing || c.player.IsActive() || (queued && c.aiCanSpeak())
}

// --- VAD callback handlers -------------------------------------------------

func (c *Call) onSpeechStart(ev vad.Event) {
	c.mu.Lock()
	c.startUserSpeechAt = time.Now()
	c.userSpeaking = true
	c.mu.Unlock()

	c.proc.CancelUserSalience()
	c.player.Interrupt()
	c.clearMessageQueue()
	c.scheduleOnLoop(func() { c.rollbackStartTask(c.ctx) })
}

func (c *Call) onSpeechEnd(ev vad.Event) {
	c.mu.Lock()
	c.userSpeaking = false
	c.mu.Unlock()
	c.logger.Debug("user speech ended", "session_id", c.opts.SessionID, "duration", ev.Duration)
}

func (c *Call) isUserSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userSpeaking
}

func (c *Call) onShortPause(ev vad.Event) {
	if len(ev.Buffer) == 0 {
		return
	}
	if c.tasks.Contains(TaskCommit) {
		return
	}
	if ev.Duration < minSpeculationSpeechSeconds {
		return
	}
	c.clearMessageQueue()
	c.mu.Lock()
	c.responseGenStartedAt = time.Now()
	c.mu.Unlock()
	buf := ev.Buffer
	c.scheduleOnLoop(func() { c.rollbackAndSpeculativeGenerate(c.ctx, buf) })
}

func (c *Call) onLongPause(ev vad.Event) {
	if len(ev.Buffer) == 0 {
		return
	}
	if c.opts.RecordAudioParts {
		go c.persistAudioPart(ev.Buffer)
	}
	buf := ev.Buffer
	c.tasks.Create(c.ctx, TaskCommit, func(ctx context.Context) error {
		return c.commitGenerate(ctx, buf)
	})
}

func (c *Call) onUserSalienceTimeout(ev vad.Event) {
	c.setState(StateFinished)
	c.scheduleOnLoop(func() { c.hangupIfNoActiveSpeech(c.ctx, "user_salience_timeout") })
}

// --- speculative / commit generation ---------------------------------------

func (c *Call) rollbackStartTask(ctx context.Context) {
	if h, ok := c.tasks.Pop(TaskStart); ok {
		// Cancelled but not awaited: the task may already be past its last
		// cancellation point, so speculativeGenerate checks its context and
		// the state before acting, and a stale result is discarded.
		h.Cancel()
		if err := c.backend.Rollback(ctx); err != nil {
			c.logger.Warn("rollback failed", "error", err, "session_id", c.opts.SessionID)
		}
	}
}

func (c *Call) rollbackAndSpeculativeGenerate(ctx context.Context, buf []float32) {
	c.rollbackStartTask(ctx)
	c.tasks.Create(c.ctx, TaskStart, func(taskCtx context.Context) error {
		return c.speculativeGenerate(taskCtx, buf)
	})
}

func (c *Call) speculativeGenerate(ctx context.Context, buf []float32) error {
	if len(buf) == 0 {
		return nil
	}
	c.setState(StateSpeculativeGenerate)

	text, err := c.transcribe(ctx, buf)
	if err != nil {
		c.logger.Warn("speculative transcribe failed", "error", err, "session_id", c.opts.SessionID)
		return err
	}
	if ctx.Err() != nil || c.getState() != StateSpeculativeGenerate {
		// superseded by a newer speech segment (the barge-in rollback cancels
		// this task) or a commit already in flight
		return nil
	}
	if text == "" {
		c.proc.TrackEmptyTranscription()
		return nil
	}

	c.mu.Lock()
	same := c.unstableSpeechResult == text
	c.unstableSpeechResult = text
	c.mu.Unlock()
	if same {
		return nil
	}

	return c.startGenerate(ctx, text)
}

func (c *Call) startGenerate(ctx context.Context, text string) error {
	start := time.Now()
	err := c.backend.Start(ctx, text)
	if c.metrics != nil {
		c.metrics.ObserveGenerate(time.Since(start))
	}
	if err != nil {
		c.logger.Warn("start generation failed", "error", err, "session_id", c.opts.SessionID)
	}
	return err
}

func (c *Call) commitGenerate(ctx context.Context, buf []float32) error {
	defer c.tasks.Pop(TaskCommit)

	state := c.getState()
	if state == StateHangedUp || state == StateFinished {
		return nil
	}

	var speechResult string
	if c.tasks.Contains(TaskStart) {
		if _, err := c.tasks.AwaitAndDelete(TaskStart); err != nil {
			c.logger.Warn("speculative start task failed", "error", err, "session_id", c.opts.SessionID)
		}
	}

	if c.getState() == StateSpeculativeGenerate {
		c.mu.Lock()
		speechResult = c.unstableSpeechResult
		c.mu.Unlock()
	} else {
		text, err := c.transcribe(ctx, buf)
		if err != nil {
			c.logger.Warn("commit transcribe failed", "error", err, "session_id", c.opts.SessionID)
		}
		speechResult = text
		if speechResult != "" {
			if err := c.startGenerate(ctx, speechResult); err != nil {
				return err
			}
			if _, err := c.tasks.AwaitAndDelete(TaskStart); err != nil {
				c.logger.Warn("commit start task failed", "error", err, "session_id", c.opts.SessionID)
			}
		}
	}

	if speechResult == "" {
		c.proc.TrackEmptyTranscription()
		return nil
	}

	c.setState(StateCommitGenerate)
	c.mu.Lock()
	c.startUserSpeechAt = time.Time{}
	c.mu.Unlock()
	c.proc.SetLongPauseSuspended(true)
	defer c.proc.SetLongPauseSuspended(false)
	defer func() {
		c.mu.Lock()
		c.unstableSpeechResult = ""
		c.mu.Unlock()
	}()

	playDone := make(chan struct{})
	go func() {
		c.playMessageQueue(ctx, "")
		close(playDone)
	}()

	result, err := c.backend.Commit(ctx)
	<-playDone

	if err != nil {
		c.logger.Error("commit generation failed", "error", err, "session_id", c.opts.SessionID)
		c.setState(StateWaitForUser)
		return err
	}

	if !c.opts.IsStreaming && result.Response != "" {
		c.enqueueMessage(result.Response)
	}
	c.setState(StateWaitForUser)
	c.playMessageQueue(ctx, "")

	if result.SessionEnds {
		if !c.isActiveAISpeech() {
			c.hangupIfNoActiveSpeech(ctx, "session_ends")
		}
		c.setState(StateFinished)
	}
	return nil
}

// transcribe dispatches to the local STT service (config.UseLocalSTT) or the
// conversation backend's own /transcribe route, per spec §6.
func (c *Call) transcribe(ctx context.Context, buf []float32) (string, error) {
	wav := audio.NewWavBuffer(audio.Float32ToInt16PCM(buf), c.sampleRate())
	start := time.Now()
	var text string
	var err error
	if c.opts.UseLocalSTT && c.localSTT != nil {
		text, err = c.localSTT.Transcribe(ctx, wav, c.opts.LocalSTTLang)
	} else {
		text, err = c.backend.Transcribe(ctx, wav, "")
	}
	if c.metrics != nil {
		c.metrics.ObserveTranscribe(time.Since(start))
	}
	return text, err
}

func (c *Call) sampleRate() int {
	if c.opts.SampleRate == 0 {
		return 16000
	}
	return c.opts.SampleRate
}

// --- message queue / playback ----------------------------------------------

func (c *Call) enqueueMessage(text string) {
	active := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.responseGenStartedAt.IsZero()
	}
	am := NewAudioMessage(c.ctx, text, c.backend, c.metrics, active, c.logger)
	c.mu.Lock()
	c.messageQueue = append(c.messageQueue, am)
	c.mu.Unlock()
}

func (c *Call) clearMessageQueue() {
	c.mu.Lock()
	playing := c.isPlaying
	pending := c.messageQueue
	if !playing {
		c.messageQueue = nil
	}
	c.mu.Unlock()

	if playing {
		return
	}
	for _, am := range pending {
		am.cancel()
	}
}

func (c *Call) playMessageQueue(ctx context.Context, andThen string) {
	if andThen != "" {
		c.enqueueMessage(andThen)
	}

	c.mu.Lock()
	if c.isPlaying {
		c.mu.Unlock()
		return
	}
	c.isPlaying = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.isPlaying = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if len(c.messageQueue) == 0 {
			c.mu.Unlock()
			return
		}
		am := c.messageQueue[0]
		c.messageQueue = c.messageQueue[1:]
		c.mu.Unlock()

		c.playVoiceResponse(ctx, am)
	}
}

func (c *Call) playVoiceResponse(ctx context.Context, am *AudioMessage) {
	blob, err := am.GetBlob(ctx)

	c.mu.Lock()
	genStart := c.responseGenStartedAt
	c.responseGenStartedAt = time.Time{}
	c.mu.Unlock()
	if !genStart.IsZero() && c.metrics != nil {
		c.metrics.ObservePlayQueue(time.Since(genStart))
	}

	if err != nil {
		c.logger.Warn("synthesize failed", "error", err, "session_id", c.opts.SessionID)
		return
	}
	if TooShortToPlay(blob) {
		c.logger.Debug("synthesized blob too short to play, discarding", "session_id", c.opts.SessionID)
		return
	}

	dir := c.opts.TmpAudioDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.Warn("failed to create tmp audio dir", "error", err, "dir", dir)
		return
	}
	filename := filepath.Join(dir, fmt.Sprintf("tts-%s.wav", uuid.NewString()))
	if err := os.WriteFile(filename, blob, 0o644); err != nil {
		c.logger.Warn("failed to write synthesized audio", "error", err, "filename", filename)
		return
	}

	c.player.PutToQueue(filename, true)
	c.player.Play()
	c.proc.StartUserSilence()
}

// onPlaybackDrained is SmartPlayer's onStop callback: the queue has drained
// naturally with nothing left to say. Per spec §9's note that this callback
// may itself trigger a hangup, it deliberately runs after the player has
// fully released its handle.
func (c *Call) onPlaybackDrained() {
	if c.getState() == StateFinished {
		c.scheduleOnLoop(func() { c.hangupIfNoActiveSpeech(c.ctx, "playback_drained") })
	}
}

// --- hangup / transfer / close ---------------------------------------------

func (c *Call) hangupIfNoActiveSpeech(ctx context.Context, reason string) {
	if c.isActiveAISpeech() {
		return
	}
	c.softHangup(ctx, softHangupPause, reason)
}

func (c *Call) softHangup(ctx context.Context, pause time.Duration, reason string) {
	select {
	case <-time.After(pause):
	case <-ctx.Done():
		return
	}
	if c.getState() == StateHangedUp {
		return
	}

	c.mu.Lock()
	toURI := c.toURI
	delay := c.transferDelay
	started := c.xferStarted
	c.xferStarted = true
	c.mu.Unlock()

	if toURI != "" {
		if started {
			return
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		if digits, ok := strings.CutPrefix(toURI, dtmfTransferPrefix); ok {
			if err := c.sip.DialDTMF(digits); err != nil {
				c.logger.Warn("dtmf transfer failed", "error", err, "session_id", c.opts.SessionID)
			}
		} else if err := c.sip.Transfer(toURI); err != nil {
			c.logger.Warn("transfer failed", "error", err, "session_id", c.opts.SessionID)
		}
		c.setState(StateHangedUp)
		return
	}

	if err := c.sip.SendBye(reason); err != nil {
		c.logger.Warn("send bye failed", "error", err, "session_id", c.opts.SessionID)
	}
	c.setState(StateHangedUp)
}

// RequestTransfer records a transfer destination to be honored the next time
// the call would otherwise hang up (on long-silence, session end, or
// playback drain), per spec §4.7/§6. toURI may carry a "dtmf:<digits>"
// prefix for an in-band DTMF transfer instead of a SIP REFER. delay, if
// positive, overrides the call's configured transfer delay for this
// request.
func (c *Call) RequestTransfer(toURI string, delay time.Duration) {
	c.mu.Lock()
	c.toURI = toURI
	if delay > 0 {
		c.transferDelay = delay
	}
	c.mu.Unlock()
}

// State returns the call's current dialog state, for callers (the operator
// surface's transfer endpoint) that need to tell an active call from one
// that has already ended.
func (c *Call) State() CallState {
	return c.getState()
}

// HandleWSMessage routes one backend reply event (C8's WebSocket channel) by
// its "type" field, per spec §4.7's WebSocket reply path:
//   - "message": always enqueued (emptied of emoji by enqueueMessage); drained
//     immediately only when the state allows the AI to speak right now
//     (COMMIT_GENERATE/WAIT_FOR_USER/FINISHED) and the user isn't currently
//     talking. Under SPECULATIVE_GENERATE, or while the user is speaking, the
//     text is enqueued only; it plays at the next drain (a later "message" or
//     "eos" that finds the state open, or the commit path).
//   - "eos": drains the queue in COMMIT_GENERATE/WAIT_FOR_USER, additionally
//     hanging up in FINISHED; a deliberate no-op under SPECULATIVE_GENERATE
//     (see DESIGN.md) so the speculative pipeline remains the sole driver.
//   - "eoc": if early-EOC is enabled and a speculative generation isn't in
//     flight, ends the call after draining whatever is queued.
//   - "timeout"/"close": the backend is done with this session; close it out.
func (c *Call) HandleWSMessage(ctx context.Context, msg map[string]any) {
	msgType, _ := msg["type"].(string)
	switch msgType {
	case "message":
		text, _ := msg["message"].(string)
		if StripEmoji(text) == "" {
			return
		}
		c.enqueueMessage(text)
		state := c.getState()
		canDrainNow := (state == StateCommitGenerate || state == StateWaitForUser || state == StateFinished) &&
			!c.isUserSpeaking()
		if canDrainNow {
			c.scheduleOnLoop(func() { c.playMessageQueue(c.ctx, "") })
		}
	case "eos":
		switch c.getState() {
		case StateFinished:
			c.scheduleOnLoop(func() {
				c.playMessageQueue(c.ctx, "")
				c.hangupIfNoActiveSpeech(c.ctx, "eos")
			})
		case StateCommitGenerate, StateWaitForUser:
			c.scheduleOnLoop(func() { c.playMessageQueue(c.ctx, "") })
		}
		// SPECULATIVE_GENERATE (and HANGED_UP): deliberate no-op.
	case "eoc":
		if !c.opts.SIPEarlyEOC || c.getState() == StateSpeculativeGenerate {
			return
		}
		reason, _ := msg["reason"].(string)
		c.setState(StateFinished)
		c.scheduleOnLoop(func() {
			c.playMessageQueue(c.ctx, "")
			c.hangupIfNoActiveSpeech(c.ctx, reason)
		})
	case "timeout", "close":
		c.scheduleOnLoop(func() { c.CloseSession(c.ctx, msgType) })
	}
}

// CloseSession tears down the call's background work and notifies the
// backend the session ended with status, per spec §4.7/§4.8.
func (c *Call) CloseSession(ctx context.Context, status string) error {
	c.mu.Lock()
	c.closeStatus = status
	c.mu.Unlock()

	c.tasks.CancelAndDelete(TaskStart)
	if _, err := c.tasks.AwaitAndDelete(TaskCommit); err != nil {
		c.logger.Warn("commit task ended with error during close", "error", err, "session_id", c.opts.SessionID)
	}
	c.setState(StateHangedUp)
	err := c.backend.Close(ctx, status)
	c.cancel()
	return err
}

func (c *Call) persistAudioPart(buf []float32) {
	dir := c.opts.TmpAudioDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.logger.Warn("failed to create audio part dir", "error", err, "dir", dir)
		return
	}
	filename := filepath.Join(dir, fmt.Sprintf("part-%s-%s.wav", c.opts.SessionID, uuid.NewString()))
	w, err := audio.NewWriter(filename, 1, 2, c.sampleRate())
	if err != nil {
		c.logger.Warn("failed to open audio part writer", "error", err, "filename", filename)
		return
	}
	defer w.Close()
	if err := w.WriteChunk(audio.Float32ToInt16PCM(buf)); err != nil {
		c.logger.Warn("failed to write audio part", "error", err, "filename", filename)
	}
}
