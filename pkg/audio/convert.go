package audio

import "encoding/binary"

// Int16PCMToFloat32 converts little-endian 16-bit PCM bytes to float32
// samples in [-1, 1], as the RTP input path must before handing audio to the
// VAD pipeline. Ported from original_source/python/sip/pjcall.py's
// _convert_to_np_float32.
func Int16PCMToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

// Float32ToInt16PCM is the inverse of Int16PCMToFloat32, used when
// persisting recorded speech segments to disk.
func Float32ToInt16PCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(v))
	}
	return out
}
