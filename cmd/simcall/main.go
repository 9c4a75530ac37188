// Command simcall exercises the dialog engine (VAD -> Call -> SmartPlayer)
// against the local machine's microphone and speakers via malgo, standing in
// for a real SIP media thread. Adapted from the teacher's cmd/agent/main.go,
// which drove the same malgo duplex device into its orchestrator pipeline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gen2brain/malgo"

	"github.com/arch7tect/sip-gateway/pkg/backend"
	"github.com/arch7tect/sip-gateway/pkg/config"
	"github.com/arch7tect/sip-gateway/pkg/dialog"
	"github.com/arch7tect/sip-gateway/pkg/logging"
	"github.com/arch7tect/sip-gateway/pkg/media"
	"github.com/arch7tect/sip-gateway/pkg/telephony"
	"github.com/arch7tect/sip-gateway/pkg/vad"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "simcall:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.NewSlog(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	model, err := vad.NewSileroModel(ctx, cfg.VADModelPath, cfg.VADModelURL, cfg.VADSamplingRate)
	if err != nil {
		return fmt.Errorf("loading VAD model: %w", err)
	}
	defer model.Close()

	client := backend.NewClient(cfg.BackendURL, cfg.AuthorizationToken, logger)
	session, err := client.NewSession(ctx, backend.SessionRequest{ConversationID: "simcall"})
	if err != nil {
		return fmt.Errorf("opening backend session: %w", err)
	}

	leg := newLocalCall(cfg.VADSamplingRate)

	corr := vad.DefaultCorrectionConfig()
	corr.EnterThres = cfg.VADCorrectionEnterThres
	corr.ExitThres = cfg.VADCorrectionExitThres
	procCfg := vad.ProcessorConfig{
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

	call, err := dialog.NewCall(ctx, dialog.Options{
		SessionID:            session.ID(),
		ConversationID:       "simcall",
		SampleRate:           cfg.VADSamplingRate,
		TmpAudioDir:          cfg.TmpAudioDir,
		InterruptionsAllowed: cfg.InterruptionsAreAllowed,
		RecordAudioParts:     cfg.RecordAudioParts,
		IsStreaming:          cfg.IsStreaming,
	}, model, procCfg, leg, &localBackend{session}, leg, nil, nil, logger)
	if err != nil {
		return fmt.Errorf("building call: %w", err)
	}

	leg.OnFrameReceived(call.ProcessFrame)
	go session.ListenReplies(ctx, func(msg map[string]any) { call.HandleWSMessage(ctx, msg) })

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return err
	}
	defer mctx.Uninit()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(sampleRateOrDefault(cfg.VADSamplingRate))

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: leg.onSamples,
	})
	if err != nil {
		return err
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return err
	}

	fmt.Println("simcall listening on default mic/speaker. Ctrl+C to exit.")
	<-ctx.Done()
	return call.CloseSession(context.Background(), "operator_shutdown")
}

func sampleRateOrDefault(sr int) int {
	if sr == 0 {
		return 16000
	}
	return sr
}

// localBackend adapts backend.Session's CommitResult to dialog.CommitResult,
// same as cmd/gateway's sessionAdapter.
type localBackend struct{ *backend.Session }

func (a *localBackend) Commit(ctx context.Context) (dialog.CommitResult, error) {
	r, err := a.Session.Commit(ctx)
	return dialog.CommitResult{Response: r.Response, SessionEnds: r.SessionEnds}, err
}

// localCall implements telephony.Call, media.Sink, and dialog.SIPSession
// directly against a malgo duplex device: inbound frames are the mic
// capture buffer, playback writes queue PCM for the speaker output buffer.
type localCall struct {
	sampleRate int

	frameHandler func([]byte)

	mu      sync.Mutex
	playing []byte
	stopCh  chan struct{}
}

func newLocalCall(sampleRate int) *localCall {
	return &localCall{sampleRate: sampleRateOrDefault(sampleRate), stopCh: make(chan struct{})}
}

func (c *localCall) Answer() error                 { return nil }
func (c *localCall) SendBye(reason string) error   { close(c.stopCh); return nil }
func (c *localCall) Transfer(toURI string) error   { return fmt.Errorf("simcall: transfer not supported locally") }
func (c *localCall) DialDTMF(digits string) error  { return nil }
func (c *localCall) Info() telephony.CallInfo      { return telephony.CallInfo{CallID: "simcall"} }
func (c *localCall) OnFrameReceived(h func([]byte)) { c.frameHandler = h }

func (c *localCall) WritePlayback(pcm []byte) {
	c.mu.Lock()
	c.playing = append(c.playing, pcm...)
	c.mu.Unlock()
}

// StartPlayback implements media.Sink by decoding the WAV file's PCM body
// and handing it to WritePlayback immediately; pacing happens naturally
// because onSamples drains the playback buffer at device rate.
func (c *localCall) StartPlayback(filename string, onEOF func()) (media.PlaybackHandle, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	if len(data) > 44 {
		c.WritePlayback(data[44:])
	}
	go func() {
		// EOF is signalled as soon as the PCM is queued; the speaker may still
		// be playing it out of the playback buffer.
		onEOF()
	}()
	return noopHandle{}, nil
}

type noopHandle struct{}

func (noopHandle) Stop() {}

// onSamples is the malgo duplex callback: forwards capture frames to the
// dialog engine and drains queued playback bytes into the output buffer.
func (c *localCall) onSamples(pOutput, pInput []byte, frameCount uint32) {
	if pInput != nil && c.frameHandler != nil {
		c.frameHandler(append([]byte(nil), pInput...))
	}
	if pOutput != nil {
		c.mu.Lock()
		n := copy(pOutput, c.playing)
		c.playing = c.playing[n:]
		c.mu.Unlock()
		for i := n; i < len(pOutput); i++ {
			pOutput[i] = 0
		}
	}
}
