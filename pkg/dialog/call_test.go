package dialog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arch7tect/sip-gateway/pkg/media"
	"github.com/arch7tect/sip-gateway/pkg/vad"
)

// fakeModel is a no-op vad.Model: call_test.go drives the dialog state
// machine directly through Call's callback/generation methods rather than by
// feeding real audio through the streaming processor, so only construction
// needs to succeed.
type fakeModel struct{}

func (fakeModel) InitialState(ctx context.Context) (vad.State, error) { return nil, nil }
func (fakeModel) SpeechProb(ctx context.Context, window []float32, state vad.State) (float64, vad.State, error) {
	return 0, state, nil
}
func (fakeModel) WindowSize() int { return 512 }
func (fakeModel) Close() error    { return nil }

type fakeSink struct {
	mu      sync.Mutex
	started []string
	eofs    []func()
}

func (s *fakeSink) StartPlayback(filename string, onEOF func()) (media.PlaybackHandle, error) {
	s.mu.Lock()
	s.started = append(s.started, filename)
	s.eofs = append(s.eofs, onEOF)
	s.mu.Unlock()
	return fakeHandle{}, nil
}

// finishAll reports end-of-file for every playback started so far, as a real
// sink does once the audio has played out.
func (s *fakeSink) finishAll() {
	s.mu.Lock()
	eofs := s.eofs
	s.eofs = nil
	s.mu.Unlock()
	for _, onEOF := range eofs {
		onEOF()
	}
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

type fakeHandle struct{}

func (fakeHandle) Stop() {}

type fakeSIP struct {
	mu         sync.Mutex
	byeReason  string
	byeCalled  bool
	toURI      string
	dtmfDigits string
}

func (s *fakeSIP) SendBye(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byeCalled = true
	s.byeReason = reason
	return nil
}
func (s *fakeSIP) Transfer(toURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toURI = toURI
	return nil
}
func (s *fakeSIP) DialDTMF(digits string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dtmfDigits = digits
	return nil
}

func (s *fakeSIP) byeWasCalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byeCalled
}

type fakeBackend struct {
	mu sync.Mutex

	transcribeFn func() (string, error)
	commitFn     func() (CommitResult, error)
	synthBlob    []byte
	synthErr     error

	startCalls    int
	rollbackCalls int
	closeCalls    int
	closeStatus   string
}

func (b *fakeBackend) Synthesize(ctx context.Context, text string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.synthBlob, b.synthErr
}

func (b *fakeBackend) Transcribe(ctx context.Context, wav []byte, lang string) (string, error) {
	if b.transcribeFn != nil {
		return b.transcribeFn()
	}
	return "", nil
}

func (b *fakeBackend) Start(ctx context.Context, text string) error {
	b.mu.Lock()
	b.startCalls++
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Commit(ctx context.Context) (CommitResult, error) {
	if b.commitFn != nil {
		return b.commitFn()
	}
	return CommitResult{}, nil
}

func (b *fakeBackend) Rollback(ctx context.Context) error {
	b.mu.Lock()
	b.rollbackCalls++
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) Close(ctx context.Context, status string) error {
	b.mu.Lock()
	b.closeCalls++
	b.closeStatus = status
	b.mu.Unlock()
	return nil
}

func (b *fakeBackend) startCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startCalls
}

type fakeLocalSTT struct {
	mu       sync.Mutex
	calls    int
	lastLang string
	text     string
}

func (l *fakeLocalSTT) Transcribe(ctx context.Context, wav []byte, lang string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.lastLang = lang
	return l.text, nil
}

type fakeMetrics struct{}

func (fakeMetrics) ObserveSynthesize(time.Duration) {}
func (fakeMetrics) ObserveTranscribe(time.Duration) {}
func (fakeMetrics) ObserveGenerate(time.Duration)   {}
func (fakeMetrics) ObservePlayQueue(time.Duration)  {}

func newTestCall(t *testing.T, opts Options, backend *fakeBackend, sip *fakeSIP, sink *fakeSink) *Call {
	t.Helper()
	if opts.TmpAudioDir == "" {
		opts.TmpAudioDir = t.TempDir()
	}
	c, err := NewCall(context.Background(), opts, fakeModel{}, vad.ProcessorConfig{SampleRate: 16000}, sink, backend, sip, nil, fakeMetrics{}, nil)
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	t.Cleanup(c.cancel)
	return c
}

func newTestCallWithLocalSTT(t *testing.T, opts Options, backend *fakeBackend, sip *fakeSIP, sink *fakeSink, localSTT LocalTranscriber) *Call {
	t.Helper()
	if opts.TmpAudioDir == "" {
		opts.TmpAudioDir = t.TempDir()
	}
	c, err := NewCall(context.Background(), opts, fakeModel{}, vad.ProcessorConfig{SampleRate: 16000}, sink, backend, sip, localSTT, fakeMetrics{}, nil)
	if err != nil {
		t.Fatalf("NewCall: %v", err)
	}
	t.Cleanup(c.cancel)
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// speculativeGenerate, having set SPECULATIVE_GENERATE itself, must discard
// its transcription result if some other event has since moved the state
// (a commit that started and finished while this speculative pass was still
// transcribing).
func TestSpeculativeGenerateDiscardsWhenSuperseded(t *testing.T) {
	backend := &fakeBackend{}
	var c *Call
	backend.transcribeFn = func() (string, error) {
		// A commit raced ahead and moved the state on; by the time our
		// transcription comes back, SPECULATIVE_GENERATE no longer holds.
		c.setState(StateCommitGenerate)
		return "hello there", nil
	}
	c = newTestCall(t, Options{SessionID: "s1"}, backend, &fakeSIP{}, &fakeSink{})

	if err := c.speculativeGenerate(context.Background(), []float32{0.1, 0.2}); err != nil {
		t.Fatalf("speculativeGenerate: %v", err)
	}
	if backend.startCallCount() != 0 {
		t.Fatalf("expected Start not to be called once superseded, got %d calls", backend.startCallCount())
	}
}

// An empty speculative transcription must not start generation, and must
// not wedge the state machine out of SPECULATIVE_GENERATE's caller-visible
// effects (commitGenerate is what actually resets state).
func TestSpeculativeGenerateEmptyTranscriptionSkipsStart(t *testing.T) {
	backend := &fakeBackend{transcribeFn: func() (string, error) { return "", nil }}
	c := newTestCall(t, Options{SessionID: "s1"}, backend, &fakeSIP{}, &fakeSink{})

	if err := c.speculativeGenerate(context.Background(), []float32{0.1}); err != nil {
		t.Fatalf("speculativeGenerate: %v", err)
	}
	if backend.startCallCount() != 0 {
		t.Fatalf("expected no Start call for an empty transcription, got %d", backend.startCallCount())
	}
}

// A commit whose transcription comes back empty produces no reply and
// returns the call to WAIT_FOR_USER without ever starting generation.
func TestCommitGenerateEmptyTranscriptionReturnsToWaitForUser(t *testing.T) {
	backend := &fakeBackend{transcribeFn: func() (string, error) { return "", nil }}
	c := newTestCall(t, Options{SessionID: "s1"}, backend, &fakeSIP{}, &fakeSink{})

	if err := c.commitGenerate(context.Background(), []float32{0.1, 0.2, 0.3}); err != nil {
		t.Fatalf("commitGenerate: %v", err)
	}
	if backend.startCallCount() != 0 {
		t.Fatalf("expected no Start call, got %d", backend.startCallCount())
	}
	if got := c.getState(); got != StateWaitForUser {
		t.Fatalf("expected WAIT_FOR_USER, got %s", got)
	}
	c.mu.Lock()
	n := len(c.messageQueue)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected nothing queued, got %d", n)
	}
}

// A session-ending commit reply plays its response, transitions through
// FINISHED, and (once nothing is still speaking) reaches HANGED_UP via a
// real BYE — exercising the FINISHED -> HANGED_UP transition the stickiness
// fix depends on.
func TestCommitGenerateSessionEndsReachesHangedUp(t *testing.T) {
	blob := make([]byte, MinPlayableBlobBytes+10)
	backend := &fakeBackend{
		transcribeFn: func() (string, error) { return "please end the call", nil },
		commitFn: func() (CommitResult, error) {
			return CommitResult{Response: "goodbye", SessionEnds: true}, nil
		},
		synthBlob: blob,
	}
	sip := &fakeSIP{}
	sink := &fakeSink{}
	c := newTestCall(t, Options{SessionID: "s1"}, backend, sip, sink)

	if err := c.commitGenerate(context.Background(), []float32{0.1, 0.2}); err != nil {
		t.Fatalf("commitGenerate: %v", err)
	}
	if backend.startCallCount() != 1 {
		t.Fatalf("expected exactly one Start call, got %d", backend.startCallCount())
	}
	if sink.count() != 1 {
		t.Fatalf("expected the goodbye reply to have been played, got %d playbacks", sink.count())
	}
	// The goodbye is still playing, so commitGenerate itself only reaches
	// FINISHED; the hangup follows once playback drains, via onPlaybackDrained
	// scheduling hangupIfNoActiveSpeech.
	if got := c.getState(); got != StateFinished {
		t.Fatalf("expected FINISHED immediately after commitGenerate, got %s", got)
	}
	sink.finishAll()
	waitFor(t, time.Second, sip.byeWasCalled)
	waitFor(t, time.Second, func() bool { return c.getState() == StateHangedUp })
	if got := c.getState(); got != StateHangedUp {
		t.Fatalf("expected HANGED_UP once the bye fires, got %s", got)
	}
}

// Once HANGED_UP, no further state transition is accepted.
func TestHangedUpStateIsFullyTerminal(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestCall(t, Options{SessionID: "s1"}, backend, &fakeSIP{}, &fakeSink{})
	c.setState(StateHangedUp)
	c.setState(StateWaitForUser)
	if got := c.getState(); got != StateHangedUp {
		t.Fatalf("expected HANGED_UP to reject further transitions, got %s", got)
	}
}

// onSpeechStart (barge-in) must roll back any in-flight START task.
func TestBargeInRollsBackStartTask(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestCall(t, Options{SessionID: "s1"}, backend, &fakeSIP{}, &fakeSink{})

	block := make(chan struct{})
	c.tasks.Create(c.ctx, TaskStart, func(ctx context.Context) error {
		<-block
		return nil
	})

	c.onSpeechStart(vad.Event{Type: vad.EventSpeechStart})
	close(block)

	waitFor(t, time.Second, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.rollbackCalls == 1
	})
	if c.isUserSpeaking() != true {
		t.Fatalf("expected userSpeaking to be true immediately after onSpeechStart")
	}
	c.onSpeechEnd(vad.Event{Type: vad.EventSpeechEnd})
	if c.isUserSpeaking() {
		t.Fatalf("expected userSpeaking to clear on onSpeechEnd")
	}
}

// HandleWSMessage's "message" case must always enqueue, and must only drain
// immediately when the state allows the AI to speak and the user isn't
// currently talking (spec §4.7's WebSocket reply path).
func TestHandleWSMessageEnqueuesAndGatesDrainOnState(t *testing.T) {
	blob := make([]byte, MinPlayableBlobBytes+1)
	backend := &fakeBackend{synthBlob: blob}
	sink := &fakeSink{}
	c := newTestCall(t, Options{SessionID: "s1"}, backend, &fakeSIP{}, sink)

	// SPECULATIVE_GENERATE: enqueue only, no immediate drain.
	c.setState(StateSpeculativeGenerate)
	c.HandleWSMessage(context.Background(), map[string]any{"type": "message", "message": "hello"})
	time.Sleep(20 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("expected no drain under SPECULATIVE_GENERATE, got %d playbacks", sink.count())
	}
	c.mu.Lock()
	queued := len(c.messageQueue)
	c.mu.Unlock()
	if queued != 1 {
		t.Fatalf("expected the message to still be queued, got %d", queued)
	}

	// WAIT_FOR_USER with nobody talking: the next message drains right away,
	// starting with the one held back above.
	c.setState(StateWaitForUser)
	c.HandleWSMessage(context.Background(), map[string]any{"type": "message", "message": "world"})
	waitFor(t, time.Second, func() bool { return sink.count() == 1 })
}

func TestHandleWSMessageDoesNotDrainWhileUserIsSpeaking(t *testing.T) {
	blob := make([]byte, MinPlayableBlobBytes+1)
	backend := &fakeBackend{synthBlob: blob}
	sink := &fakeSink{}
	c := newTestCall(t, Options{SessionID: "s1"}, backend, &fakeSIP{}, sink)

	c.mu.Lock()
	c.userSpeaking = true
	c.mu.Unlock()
	c.setState(StateWaitForUser)

	c.HandleWSMessage(context.Background(), map[string]any{"type": "message", "message": "hold on"})
	time.Sleep(20 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("expected no drain while the user is speaking, got %d playbacks", sink.count())
	}
}

// An empty (post-emoji-strip) message must not be enqueued at all.
func TestHandleWSMessageDropsEmptyAfterEmojiStrip(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestCall(t, Options{SessionID: "s1"}, backend, &fakeSIP{}, &fakeSink{})
	c.HandleWSMessage(context.Background(), map[string]any{"type": "message", "message": "\U0001F600"})
	c.mu.Lock()
	n := len(c.messageQueue)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected an emoji-only message to be dropped, got %d queued", n)
	}
}

// "eos" is a deliberate no-op under SPECULATIVE_GENERATE, drains the queue
// in COMMIT_GENERATE/WAIT_FOR_USER, and additionally hangs up in FINISHED.
func TestHandleWSMessageEOSStateGating(t *testing.T) {
	blob := make([]byte, MinPlayableBlobBytes+1)
	backend := &fakeBackend{synthBlob: blob}
	sink := &fakeSink{}
	sip := &fakeSIP{}
	c := newTestCall(t, Options{SessionID: "s1"}, backend, sip, sink)

	c.setState(StateSpeculativeGenerate)
	c.enqueueMessage("queued while speculative")
	c.HandleWSMessage(context.Background(), map[string]any{"type": "eos"})
	time.Sleep(20 * time.Millisecond)
	if sink.count() != 0 {
		t.Fatalf("expected eos to be a no-op under SPECULATIVE_GENERATE, got %d playbacks", sink.count())
	}

	c.setState(StateWaitForUser)
	c.HandleWSMessage(context.Background(), map[string]any{"type": "eos"})
	waitFor(t, time.Second, func() bool { return sink.count() == 1 })
	if sip.byeWasCalled() {
		t.Fatalf("did not expect eos in WAIT_FOR_USER to hang up")
	}
}

func TestHandleWSMessageEOSInFinishedAlsoHangsUp(t *testing.T) {
	backend := &fakeBackend{}
	sip := &fakeSIP{}
	c := newTestCall(t, Options{SessionID: "s1"}, backend, sip, &fakeSink{})

	c.setState(StateFinished)
	c.HandleWSMessage(context.Background(), map[string]any{"type": "eos"})
	waitFor(t, time.Second, sip.byeWasCalled)
}

// "eoc" only ends the call when SIPEarlyEOC is enabled and no speculative
// generation is in flight.
func TestHandleWSMessageEOCRequiresOptInAndNotSpeculating(t *testing.T) {
	backend := &fakeBackend{}
	sip := &fakeSIP{}
	c := newTestCall(t, Options{SessionID: "s1", SIPEarlyEOC: false}, backend, sip, &fakeSink{})
	c.setState(StateWaitForUser)
	c.HandleWSMessage(context.Background(), map[string]any{"type": "eoc"})
	time.Sleep(20 * time.Millisecond)
	if got := c.getState(); got != StateWaitForUser {
		t.Fatalf("expected eoc to be ignored without SIPEarlyEOC, got %s", got)
	}

	c2 := newTestCall(t, Options{SessionID: "s2", SIPEarlyEOC: true}, &fakeBackend{}, &fakeSIP{}, &fakeSink{})
	c2.setState(StateSpeculativeGenerate)
	c2.HandleWSMessage(context.Background(), map[string]any{"type": "eoc"})
	time.Sleep(20 * time.Millisecond)
	if got := c2.getState(); got != StateSpeculativeGenerate {
		t.Fatalf("expected eoc to be ignored mid-speculation, got %s", got)
	}

	c3 := newTestCall(t, Options{SessionID: "s3", SIPEarlyEOC: true}, &fakeBackend{}, &fakeSIP{}, &fakeSink{})
	c3.setState(StateWaitForUser)
	c3.HandleWSMessage(context.Background(), map[string]any{"type": "eoc"})
	waitFor(t, time.Second, func() bool { return c3.getState() == StateFinished || c3.getState() == StateHangedUp })
}

// "timeout" and "close" both tear the session down via CloseSession.
func TestHandleWSMessageTimeoutAndCloseTearDownSession(t *testing.T) {
	for _, msgType := range []string{"timeout", "close"} {
		t.Run(msgType, func(t *testing.T) {
			backend := &fakeBackend{}
			c := newTestCall(t, Options{SessionID: "s1"}, backend, &fakeSIP{}, &fakeSink{})
			c.HandleWSMessage(context.Background(), map[string]any{"type": msgType})
			waitFor(t, time.Second, func() bool { return c.getState() == StateHangedUp })
			backend.mu.Lock()
			closes, status := backend.closeCalls, backend.closeStatus
			backend.mu.Unlock()
			if closes != 1 {
				t.Fatalf("expected exactly one Close call, got %d", closes)
			}
			if status != msgType {
				t.Fatalf("expected close status %q, got %q", msgType, status)
			}
		})
	}
}

// onUserSalienceTimeout moves the call to FINISHED and, once nothing is
// speaking, hangs it up without a configured transfer.
func TestUserSalienceTimeoutHangsUpWithoutTransfer(t *testing.T) {
	backend := &fakeBackend{}
	sip := &fakeSIP{}
	c := newTestCall(t, Options{SessionID: "s1"}, backend, sip, &fakeSink{})

	c.onUserSalienceTimeout(vad.Event{Type: vad.EventUserSalienceTimeout, Timestamp: 30})
	waitFor(t, time.Second, func() bool { return c.getState() == StateFinished })
	waitFor(t, time.Second, sip.byeWasCalled)
	waitFor(t, time.Second, func() bool { return c.getState() == StateHangedUp })
}

// RequestTransfer redirects the otherwise-bye-bound hangup to a SIP
// transfer instead.
func TestRequestTransferRedirectsHangup(t *testing.T) {
	backend := &fakeBackend{}
	sip := &fakeSIP{}
	c := newTestCall(t, Options{SessionID: "s1"}, backend, sip, &fakeSink{})

	c.RequestTransfer("sip:operator@example.com", 0)
	c.onUserSalienceTimeout(vad.Event{Type: vad.EventUserSalienceTimeout})

	waitFor(t, time.Second, func() bool { return c.getState() == StateHangedUp })
	sip.mu.Lock()
	toURI, byeCalled := sip.toURI, sip.byeCalled
	sip.mu.Unlock()
	if toURI != "sip:operator@example.com" {
		t.Fatalf("expected Transfer to have been invoked with the requested URI, got %q", toURI)
	}
	if byeCalled {
		t.Fatalf("did not expect SendBye once a transfer was requested")
	}
}

// A "dtmf:" transfer destination dials DTMF digits instead of a SIP
// transfer, after waiting the requested delay.
func TestRequestTransferWithDTMFPrefixDialsDigits(t *testing.T) {
	backend := &fakeBackend{}
	sip := &fakeSIP{}
	c := newTestCall(t, Options{SessionID: "s1"}, backend, sip, &fakeSink{})

	c.RequestTransfer("dtmf:123", 10*time.Millisecond)
	c.onUserSalienceTimeout(vad.Event{Type: vad.EventUserSalienceTimeout})

	waitFor(t, time.Second, func() bool { return c.getState() == StateHangedUp })
	sip.mu.Lock()
	digits, toURI := sip.dtmfDigits, sip.toURI
	sip.mu.Unlock()
	if digits != "123" {
		t.Fatalf("expected DialDTMF to be called with 123, got %q", digits)
	}
	if toURI != "" {
		t.Fatalf("did not expect Transfer (SIP REFER) to be invoked, got %q", toURI)
	}
}

// Options.TransferDelay seeds the per-call default; RequestTransfer's delay
// argument, when positive, overrides it for that request.
func TestRequestTransferDelayOverridesOptionsDefault(t *testing.T) {
	backend := &fakeBackend{}
	sip := &fakeSIP{}
	c := newTestCall(t, Options{SessionID: "s1", TransferDelay: time.Hour}, backend, sip, &fakeSink{})

	c.RequestTransfer("sip:operator@example.com", 10*time.Millisecond)
	c.onUserSalienceTimeout(vad.Event{Type: vad.EventUserSalienceTimeout})

	waitFor(t, time.Second, func() bool { return c.getState() == StateHangedUp })
}

// transcribe dispatches to the local STT client, with the configured
// language, when UseLocalSTT is set; otherwise it uses the backend's own
// /transcribe route.
func TestTranscribeUsesLocalSTTWhenConfigured(t *testing.T) {
	backend := &fakeBackend{transcribeFn: func() (string, error) { return "from backend", nil }}
	local := &fakeLocalSTT{text: "from local"}
	c := newTestCallWithLocalSTT(t, Options{SessionID: "s1", UseLocalSTT: true, LocalSTTLang: "es"}, backend, &fakeSIP{}, &fakeSink{}, local)

	text, err := c.transcribe(context.Background(), []float32{0.1, 0.2})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "from local" {
		t.Fatalf("expected the local STT result, got %q", text)
	}
	local.mu.Lock()
	calls, lang := local.calls, local.lastLang
	local.mu.Unlock()
	if calls != 1 || lang != "es" {
		t.Fatalf("expected one local STT call with lang=es, got calls=%d lang=%q", calls, lang)
	}
}

func TestTranscribeUsesBackendWhenLocalSTTNotConfigured(t *testing.T) {
	backend := &fakeBackend{transcribeFn: func() (string, error) { return "from backend", nil }}
	c := newTestCall(t, Options{SessionID: "s1"}, backend, &fakeSIP{}, &fakeSink{})

	text, err := c.transcribe(context.Background(), []float32{0.1, 0.2})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if text != "from backend" {
		t.Fatalf("expected the backend transcription result, got %q", text)
	}
}

// CloseSession cancels outstanding task bookkeeping and reports the close
// status to the backend.
func TestCloseSessionCancelsTasksAndReportsStatus(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestCall(t, Options{SessionID: "s1"}, backend, &fakeSIP{}, &fakeSink{})

	block := make(chan struct{})
	c.tasks.Create(c.ctx, TaskStart, func(ctx context.Context) error {
		<-ctx.Done()
		close(block)
		return ctx.Err()
	})

	if err := c.CloseSession(context.Background(), "caller_hangup"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	select {
	case <-block:
	case <-time.After(time.Second):
		t.Fatalf("expected the outstanding START task to be cancelled")
	}
	if got := c.getState(); got != StateHangedUp {
		t.Fatalf("expected HANGED_UP, got %s", got)
	}
	backend.mu.Lock()
	status := backend.closeStatus
	backend.mu.Unlock()
	if status != "caller_hangup" {
		t.Fatalf("expected close status %q, got %q", "caller_hangup", status)
	}
}
