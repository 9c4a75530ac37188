// Command gateway is the sip-gateway process entrypoint: it loads
// configuration, brings up the VAD model and operator/metrics HTTP
// surfaces, wires an (optional) SIP telephony.Account to the per-call dialog
// engine, and drains gracefully on signal. Ported in structure from the
// teacher's cmd/agent/main.go, which wired providers and a malgo device the
// same way this wires VAD/backend/operator.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/arch7tect/sip-gateway/pkg/backend"
	"github.com/arch7tect/sip-gateway/pkg/config"
	"github.com/arch7tect/sip-gateway/pkg/dialog"
	"github.com/arch7tect/sip-gateway/pkg/logging"
	"github.com/arch7tect/sip-gateway/pkg/media"
	"github.com/arch7tect/sip-gateway/pkg/metrics"
	"github.com/arch7tect/sip-gateway/pkg/operator"
	"github.com/arch7tect/sip-gateway/pkg/telephony"
	"github.com/arch7tect/sip-gateway/pkg/vad"

	"go.opentelemetry.io/otel"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "sip-gateway: config:", err)
		return 1
	}

	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	baseLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	logger := logging.NewSlog(baseLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGABRT)
	defer stop()

	model, err := vad.NewSileroModel(ctx, cfg.VADModelPath, cfg.VADModelURL, cfg.VADSamplingRate)
	if err != nil {
		logger.Error("failed to load VAD model", "error", err)
		return 1
	}
	defer model.Close()

	shutdownMetrics, err := metrics.InitProvider(ctx, metrics.ProviderConfig{ServiceName: "sip-gateway"})
	if err != nil {
		logger.Error("failed to init metrics provider", "error", err)
		return 1
	}
	defer shutdownMetrics(context.Background())

	recorder, err := metrics.New(otel.GetMeterProvider())
	if err != nil {
		logger.Error("failed to create metrics recorder", "error", err)
		return 1
	}

	backendClient := backend.NewClient(cfg.BackendURL, cfg.AuthorizationToken, logger)
	var localSTT *backend.LocalSTTClient
	if cfg.UseLocalSTT {
		localSTT = backend.NewLocalSTTClient(cfg.LocalSTTURL)
	}

	reg := newCallRegistry()

	opServer := operator.New(reg, logger,
		operator.Checker{Name: "vad_model", Check: func(ctx context.Context) error { return nil }},
	)
	httpServer := &http.Server{Addr: cfg.OperatorListenAddr, Handler: opServer.Handler()}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("operator HTTP listening", "addr", cfg.OperatorListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("operator HTTP server failed", "error", err)
		}
	}()

	var account telephony.Account // left nil: no SIP binding ships in this repository (spec Non-goal)
	if account != nil {
		account.OnIncomingCall(func(leg telephony.Call) {
			wireIncomingCall(ctx, leg, cfg, model, backendClient, localSTT, recorder, logger, reg)
		})
	} else {
		logger.Warn("no telephony.Account configured; operator and metrics endpoints are live, but no calls can be answered or placed")
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("operator HTTP shutdown error", "error", err)
	}
	reg.closeAll(shutdownCtx)
	wg.Wait()
	return 0
}

func processorConfig(cfg *config.Config) vad.ProcessorConfig {
	corr := vad.DefaultCorrectionConfig()
	corr.EnterThres = cfg.VADCorrectionEnterThres
	corr.ExitThres = cfg.VADCorrectionExitThres

	return vad.ProcessorConfig{
		SampleRate:            cfg.VADSamplingRate,
		Threshold:             cfg.VADThreshold,
		MinSpeechDurationMS:   cfg.VADMinSpeechDurationMS,
		MinSilenceDurationMS:  cfg.VADMinSilenceDurationMS,
		SpeechPadMS:           cfg.VADSpeechPadMS,
		SpeechProbWindow:      cfg.VADSpeechProbWindow,
		ShortPauseMS:          cfg.ShortPauseOffsetMS,
		LongPauseMS:           cfg.LongPauseOffsetMS,
		UserSilenceDurationMS: cfg.UserSilenceTimeoutMS,
		UseDynamicCorrection:  cfg.VADUseDynamicCorrections,
		Correction:            corr,
	}
}

// wireIncomingCall builds a dialog.Call bound to leg and registers it, per
// spec §4.7/§6's incoming-call flow.
func wireIncomingCall(ctx context.Context, leg telephony.Call, cfg *config.Config, model vad.Model, client *backend.Client, localSTT *backend.LocalSTTClient, recorder *metrics.Recorder, logger logging.Logger, reg *callRegistry) {
	info := leg.Info()
	session, err := client.NewSession(ctx, backend.SessionRequest{ConversationID: info.CallID})
	if err != nil {
		logger.Error("failed to open backend session", "error", err, "call_id", info.CallID)
		leg.SendBye("backend_unavailable")
		return
	}

	if err := leg.Answer(); err != nil {
		logger.Error("failed to answer call", "error", err, "call_id", info.CallID)
		return
	}

	sink := &loopbackSink{call: leg, sampleRate: sampleRateOrDefault(cfg.VADSamplingRate)}
	opts := dialog.Options{
		SessionID:            session.ID(),
		ConversationID:        info.CallID,
		SampleRate:            cfg.VADSamplingRate,
		TmpAudioDir:           cfg.TmpAudioDir,
		InterruptionsAllowed:  cfg.InterruptionsAreAllowed,
		SIPEarlyEOC:           cfg.SIPEarlyEOC,
		RecordAudioParts:      cfg.RecordAudioParts,
		IsStreaming:           cfg.IsStreaming,
		UseLocalSTT:           cfg.UseLocalSTT,
		LocalSTTLang:          cfg.LocalSTTLang,
	}

	var localTranscriber dialog.LocalTranscriber
	if localSTT != nil {
		localTranscriber = localSTT
	}

	call, err := dialog.NewCall(ctx, opts, model, processorConfig(cfg), sink, &sessionAdapter{session}, leg, localTranscriber, recorder, logger)
	if err != nil {
		logger.Error("failed to build call", "error", err, "call_id", info.CallID)
		leg.SendBye("internal_error")
		return
	}

	leg.OnFrameReceived(call.ProcessFrame)
	go session.ListenReplies(ctx, func(msg map[string]any) { call.HandleWSMessage(ctx, msg) })

	reg.put(session.ID(), call)
}

func sampleRateOrDefault(sr int) int {
	if sr == 0 {
		return 16000
	}
	return sr
}

// sessionAdapter bridges backend.Session's CommitResult to dialog.CommitResult.
type sessionAdapter struct{ *backend.Session }

func (a *sessionAdapter) Commit(ctx context.Context) (dialog.CommitResult, error) {
	r, err := a.Session.Commit(ctx)
	return dialog.CommitResult{Response: r.Response, SessionEnds: r.SessionEnds}, err
}

// loopbackSink adapts a telephony.Call's WritePlayback into media.Sink by
// reading a WAV file off disk and pacing writes in real time. Most SIP
// bindings would instead expose a native file-player port (as the teacher's
// AudioMedia inheritance hierarchy did); this fallback keeps the gateway
// usable against any binding that only exposes raw PCM write.
type loopbackSink struct {
	call       telephony.Call
	sampleRate int
}

func (s *loopbackSink) StartPlayback(filename string, onEOF func()) (media.PlaybackHandle, error) {
	h := &loopbackHandle{stop: make(chan struct{})}
	go h.run(s.call, filename, s.sampleRate, onEOF)
	return h, nil
}

type loopbackHandle struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func (h *loopbackHandle) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *loopbackHandle) run(call telephony.Call, filename string, sampleRate int, onEOF func()) {
	data, err := os.ReadFile(filename)
	if err != nil || len(data) <= 44 {
		onEOF()
		return
	}
	pcm := data[44:]

	const chunkMS = 20
	chunkBytes := sampleRateOrDefault(sampleRate) * 2 * chunkMS / 1000
	ticker := time.NewTicker(chunkMS * time.Millisecond)
	defer ticker.Stop()

	for off := 0; off < len(pcm); off += chunkBytes {
		end := off + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			call.WritePlayback(pcm[off:end])
		}
	}
	onEOF()
}

// callRegistry is the gateway's active-call directory, implementing
// operator.CallManager so POST /call and POST /transfer/{session_id} can
// reach live dialog.Calls.
type callRegistry struct {
	mu    sync.Mutex
	calls map[string]*dialog.Call
}

func newCallRegistry() *callRegistry {
	return &callRegistry{calls: make(map[string]*dialog.Call)}
}

func (r *callRegistry) put(sessionID string, c *dialog.Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[sessionID] = c
}

func (r *callRegistry) Originate(ctx context.Context, req operator.OriginateRequest) (string, error) {
	return "", fmt.Errorf("sip-gateway: no telephony.Account configured, cannot originate calls")
}

func (r *callRegistry) Transfer(ctx context.Context, sessionID string, toURI string, delay time.Duration) error {
	r.mu.Lock()
	c, ok := r.calls[sessionID]
	r.mu.Unlock()
	if !ok {
		return operator.ErrSessionNotFound
	}
	if c.State() == dialog.StateHangedUp {
		return operator.ErrCallNotConfirmed
	}
	c.RequestTransfer(toURI, delay)
	return nil
}

func (r *callRegistry) closeAll(ctx context.Context) {
	r.mu.Lock()
	calls := make([]*dialog.Call, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c)
	}
	r.calls = make(map[string]*dialog.Call)
	r.mu.Unlock()

	for _, c := range calls {
		c.CloseSession(ctx, "gateway_shutdown")
	}
}
