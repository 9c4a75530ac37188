package vad

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortEnvOnce  sync.Once
	ortEnvErr   error
)

// ensureEnvironment initializes the process-wide ONNX Runtime environment
// exactly once. The graph-optimization/threading settings are applied per
// session in NewSileroModel.
func ensureEnvironment() error {
	ortEnvOnce.Do(func() {
		if path := os.Getenv("ONNXRUNTIME_LIB"); path != "" {
			ort.SetSharedLibraryPath(path)
		}
		ortEnvErr = ort.InitializeEnvironment()
	})
	return ortEnvErr
}

const sileroWindowSize = 512

// sileroState wraps the recurrent (h, c) LSTM-style state tensor Silero
// carries between calls.
type sileroState struct {
	data []float32
}

// SileroModel is a Model backed by a Silero-style ONNX VAD network.
type SileroModel struct {
	mu      sync.Mutex
	session *ort.AdvancedSession

	input     *ort.Tensor[float32]
	srInput   *ort.Tensor[int64]
	stateIn   *ort.Tensor[float32]
	output    *ort.Tensor[float32]
	stateOut  *ort.Tensor[float32]

	sampleRate int64
}

// NewSileroModel loads the ONNX model at modelPath, downloading it from
// modelURL first if it does not yet exist on disk. sampleRate is typically
// 16000 per spec §6 (VAD_SAMPLING_RATE).
func NewSileroModel(ctx context.Context, modelPath, modelURL string, sampleRate int) (*SileroModel, error) {
	if err := ensureEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime environment: %w", err)
	}
	if err := ensureModelFile(ctx, modelPath, modelURL); err != nil {
		return nil, err
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()
	if err := opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll); err != nil {
		return nil, fmt.Errorf("set graph optimization level: %w", err)
	}
	threads := runtime.NumCPU()
	if threads > 4 {
		threads = 4
	}
	if threads < 1 {
		threads = 1
	}
	if err := opts.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("set intra-op threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter-op threads: %w", err)
	}
	if err := opts.AddSessionConfigEntry("session.disable_mem_pattern", "1"); err != nil {
		return nil, fmt.Errorf("disable memory pattern: %w", err)
	}

	inputShape := ort.NewShape(1, sileroWindowSize)
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("allocate input tensor: %w", err)
	}

	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{int64(sampleRate)})
	if err != nil {
		return nil, fmt.Errorf("allocate sr tensor: %w", err)
	}

	stateShape := ort.NewShape(2, 1, 128)
	stateInTensor, err := ort.NewEmptyTensor[float32](stateShape)
	if err != nil {
		return nil, fmt.Errorf("allocate state tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		return nil, fmt.Errorf("allocate output tensor: %w", err)
	}
	stateOutTensor, err := ort.NewEmptyTensor[float32](stateShape)
	if err != nil {
		return nil, fmt.Errorf("allocate state-out tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input", "sr", "state"},
		[]string{"output", "stateN"},
		[]ort.Value{inputTensor, srTensor, stateInTensor},
		[]ort.Value{outputTensor, stateOutTensor},
		opts)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &SileroModel{
		session:    session,
		input:      inputTensor,
		srInput:    srTensor,
		stateIn:    stateInTensor,
		output:     outputTensor,
		stateOut:   stateOutTensor,
		sampleRate: int64(sampleRate),
	}, nil
}

func ensureModelFile(ctx context.Context, path, url string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if url == "" {
		return fmt.Errorf("vad model not found at %s and no VAD_MODEL_URL configured", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("download vad model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download vad model: unexpected status %d", resp.StatusCode)
	}
	tmp := path + ".download"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write vad model: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// WindowSize implements Model.
func (m *SileroModel) WindowSize() int { return sileroWindowSize }

// InitialState implements Model: one warmup inference over a zeroed window.
// It runs the session directly, since SpeechProb skips all-zero windows.
func (m *SileroModel) InitialState(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inData := m.input.GetData()
	for i := range inData {
		inData[i] = 0
	}
	stData := m.stateIn.GetData()
	for i := range stData {
		stData[i] = 0
	}
	m.srInput.GetData()[0] = m.sampleRate
	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx warmup inference: %w", err)
	}
	return &sileroState{data: append([]float32(nil), m.stateOut.GetData()...)}, nil
}

// SpeechProb implements Model.
func (m *SileroModel) SpeechProb(_ context.Context, window []float32, state State) (float64, State, error) {
	if len(window) == 0 {
		return 0, state, nil
	}

	maxAmp := float32(0)
	for _, s := range window {
		if a := abs32(s); a > maxAmp {
			maxAmp = a
		}
	}
	if maxAmp == 0 {
		return 0, state, nil
	}

	buf := window
	if maxAmp > 1.0 || maxAmp < 0.01 {
		buf = make([]float32, len(window))
		for i, s := range window {
			buf[i] = s / maxAmp
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inData := m.input.GetData()
	copy(inData, buf)

	stData := m.stateIn.GetData()
	if st, ok := state.(*sileroState); ok && st != nil {
		copy(stData, st.data)
	} else {
		for i := range stData {
			stData[i] = 0
		}
	}
	m.srInput.GetData()[0] = m.sampleRate

	if err := m.session.Run(); err != nil {
		return 0, state, fmt.Errorf("onnx inference: %w", err)
	}

	prob := float64(m.output.GetData()[0])
	if prob < 0 {
		prob = 0
	}
	if prob > 1 {
		prob = 1
	}

	newState := &sileroState{data: append([]float32(nil), m.stateOut.GetData()...)}
	return prob, newState, nil
}

// Close implements Model.
func (m *SileroModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.session != nil {
		err = m.session.Destroy()
	}
	m.input.Destroy()
	m.srInput.Destroy()
	m.stateIn.Destroy()
	m.output.Destroy()
	m.stateOut.Destroy()
	return err
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
