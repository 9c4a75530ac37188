package vad

import (
	"math"
	"sort"
)

// CorrectionConfig holds the foreground/background discriminator's tunables.
// Defaults match the environment-variable defaults in spec §6
// (confirmed authoritative over the ported algorithm's own internal
// defaults by original_source/python/sip/sip_config.py — see DESIGN.md).
type CorrectionConfig struct {
	ScoreWindow int
	ProbWindow  int

	EnterThres float64
	ExitThres  float64

	EarlyEnterThres  float64
	EarlyPhaseFrames int
	EarlyProbBoost   float64

	WProb   float64
	WSNR    float64
	WVar    float64
	WEnergy float64

	SpeechProbThreshold float64
	MinSpeechFrames     int
	TransitionThreshold float64

	SNRClipLo, SNRClipHi float64
	VarClipLo, VarClipHi float64

	NoiseAlpha float64
	PeakDecay  float64

	InitialNoiseAlpha  float64
	InitialAdaptFrames int
}

// DefaultCorrectionConfig returns the tunables at their spec §6 defaults.
func DefaultCorrectionConfig() CorrectionConfig {
	return CorrectionConfig{
		ScoreWindow: 5,
		ProbWindow:  15,

		EnterThres: 0.6,
		ExitThres:  0.4,

		EarlyEnterThres:  0.30,
		EarlyPhaseFrames: 200,
		EarlyProbBoost:   0.20,

		WProb:   0.60,
		WSNR:    0.15,
		WVar:    0.05,
		WEnergy: 0.20,

		SpeechProbThreshold: 0.3,
		MinSpeechFrames:     3,
		TransitionThreshold: 0.4,

		SNRClipLo: 0, SNRClipHi: 20,
		VarClipLo: 0, VarClipHi: 0.05,

		NoiseAlpha: 0.02,
		PeakDecay:  0.05,

		InitialNoiseAlpha:  0.15,
		InitialAdaptFrames: 50,
	}
}

// DynamicCorrection discriminates genuine foreground speech from background
// noise on top of a raw per-frame speech probability, per spec §4.2. Ported
// from original_source/python/sip/vad/vad_correction2.py::DynamicCorrection.
type DynamicCorrection struct {
	cfg CorrectionConfig

	scoreBuf []float64
	probBuf  []float64

	noiseEnergy           float64
	peakEnergy            float64
	initialEnergySamples  []float64

	state      bool
	frameIndex int

	inEarlyPhase      bool
	earlyPhaseStartFr int // -1 = never armed
}

// NewDynamicCorrection builds a corrector with the given config.
func NewDynamicCorrection(cfg CorrectionConfig) *DynamicCorrection {
	return &DynamicCorrection{
		cfg:               cfg,
		noiseEnergy:       0.01,
		peakEnergy:        0.1,
		earlyPhaseStartFr: -1,
	}
}

// StartEarlyDetection should be called when the bot finishes speaking and the
// user's reply is expected imminently. It is a one-shot gate per instance: a
// second call after the first early phase has already run is a no-op,
// faithfully replicating the ported algorithm (see DESIGN.md).
func (d *DynamicCorrection) StartEarlyDetection() {
	if d.earlyPhaseStartFr == -1 {
		d.inEarlyPhase = true
		d.earlyPhaseStartFr = d.frameIndex
	}
}

// IsSpeech reports the current hysteresis state.
func (d *DynamicCorrection) IsSpeech() bool { return d.state }

func clipNorm(x, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	if x < lo {
		x = lo
	}
	if x > hi {
		x = hi
	}
	return (x - lo) / (hi - lo)
}

func (d *DynamicCorrection) updateEnergyProfile(energy, prob float64) {
	cfg := d.cfg

	if len(d.initialEnergySamples) < cfg.InitialAdaptFrames {
		d.initialEnergySamples = append(d.initialEnergySamples, energy)
		if len(d.initialEnergySamples) == cfg.InitialAdaptFrames {
			sorted := append([]float64(nil), d.initialEnergySamples...)
			sort.Float64s(sorted)
			d.noiseEnergy = sorted[len(sorted)/10]
		}
	}

	alpha := cfg.NoiseAlpha
	if d.frameIndex < cfg.InitialAdaptFrames {
		alpha = cfg.InitialNoiseAlpha
	}

	if !d.state && prob < 0.3 {
		d.noiseEnergy = (1-alpha)*d.noiseEnergy + alpha*energy
	}

	if energy > d.peakEnergy {
		d.peakEnergy = energy
	} else {
		d.peakEnergy = (1-cfg.PeakDecay)*d.peakEnergy + cfg.PeakDecay*d.noiseEnergy
	}
	if d.peakEnergy < d.noiseEnergy+1e-6 {
		d.peakEnergy = d.noiseEnergy + 1e-6
	}
}

func (d *DynamicCorrection) isTransitionPeriod() bool {
	if len(d.probBuf) < 4 {
		return false
	}
	recent := d.probBuf[len(d.probBuf)-4:]
	lo, hi := recent[0], recent[0]
	for _, p := range recent {
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	return (hi - lo) > d.cfg.TransitionThreshold
}

func pvariance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	sq := 0.0
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return sq / float64(len(xs))
}

func (d *DynamicCorrection) foregroundVariance() (raw, foreground float64) {
	if len(d.probBuf) < 2 {
		return 0, 0
	}
	raw = pvariance(d.probBuf)

	if !d.state {
		return raw, 0
	}

	var speechProbs []float64
	for _, p := range d.probBuf {
		if p > d.cfg.SpeechProbThreshold {
			speechProbs = append(speechProbs, p)
		}
	}
	if len(speechProbs) < d.cfg.MinSpeechFrames {
		return raw, 0
	}

	fg := pvariance(speechProbs)
	if d.isTransitionPeriod() {
		tail := d.probBuf
		if len(tail) > 6 {
			tail = tail[len(tail)-6:]
		}
		var recentSpeech []float64
		for _, p := range tail {
			if p > d.cfg.SpeechProbThreshold {
				recentSpeech = append(recentSpeech, p)
			}
		}
		if len(recentSpeech) >= 3 {
			fg = pvariance(recentSpeech)
		} else {
			fg = 0
		}
	}
	return raw, fg
}

func (d *DynamicCorrection) applyEarlyBoost(prob float64) float64 {
	if !d.inEarlyPhase {
		return prob
	}
	boosted := prob + d.cfg.EarlyProbBoost
	if boosted > 1.0 {
		return 1.0
	}
	return boosted
}

func (d *DynamicCorrection) dynamicEnterThreshold() float64 {
	if d.inEarlyPhase {
		return d.cfg.EarlyEnterThres
	}
	return d.cfg.EnterThres
}

func pushBounded(buf []float64, v float64, max int) []float64 {
	buf = append(buf, v)
	if len(buf) > max {
		buf = buf[len(buf)-max:]
	}
	return buf
}

// ProcessFrame consumes one frame's (speech_prob, frame_energy) and returns
// the corrected speech/silence decision, per spec §4.2.
func (d *DynamicCorrection) ProcessFrame(speechProb, frameEnergy float64) bool {
	d.updateEnergyProfile(frameEnergy, speechProb)

	adjustedProb := d.applyEarlyBoost(speechProb)

	snr := frameEnergy / (d.noiseEnergy + 1e-6)
	snrN := clipNorm(snr, d.cfg.SNRClipLo, d.cfg.SNRClipHi)

	d.probBuf = pushBounded(d.probBuf, adjustedProb, d.cfg.ProbWindow)

	_, fgVar := d.foregroundVariance()
	fgVarN := clipNorm(fgVar, d.cfg.VarClipLo, d.cfg.VarClipHi)

	var engN float64
	if d.peakEnergy > d.noiseEnergy {
		engN = (frameEnergy - d.noiseEnergy) / (d.peakEnergy - d.noiseEnergy + 1e-6)
	} else if frameEnergy > d.noiseEnergy {
		engN = 0.5
	}
	engN = math.Max(0, math.Min(1, engN))

	cfg := d.cfg
	score := cfg.WProb*adjustedProb + cfg.WSNR*snrN + cfg.WVar*fgVarN + cfg.WEnergy*engN
	weightSum := cfg.WProb + cfg.WSNR + cfg.WVar + cfg.WEnergy
	if weightSum == 0 {
		weightSum = 1
	}
	score /= weightSum

	d.scoreBuf = pushBounded(d.scoreBuf, score, cfg.ScoreWindow)
	meanScore := 0.0
	for _, s := range d.scoreBuf {
		meanScore += s
	}
	meanScore /= float64(len(d.scoreBuf))

	enterThres := d.dynamicEnterThreshold()
	if !d.state && meanScore >= enterThres {
		d.state = true
	} else if d.state && meanScore <= cfg.ExitThres {
		d.state = false
	}

	if d.inEarlyPhase {
		if d.state {
			d.inEarlyPhase = false
		} else if d.earlyPhaseStartFr >= 0 && d.frameIndex >= d.earlyPhaseStartFr+cfg.EarlyPhaseFrames {
			d.inEarlyPhase = false
		}
	}

	d.frameIndex++
	return d.state
}
