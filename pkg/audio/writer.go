package audio

import (
	"encoding/binary"
	"fmt"
	"os"
)

// WAV header byte offsets patched on Close, per spec §6.
const (
	riffSizeOffset = 4
	dataSizeOffset = 40
	headerSize     = 44
)

// Writer incrementally writes PCM chunks to a WAV file, writing a
// placeholder header up front and patching the RIFF/data sizes in place on
// Close. Ported from original_source/python/sip/wav_writer.py::AsyncWavWriter.
type Writer struct {
	f          *os.File
	channels   int
	sampWidth  int
	frameRate  int
	dataSize   int64
}

// NewWriter creates filename and writes the placeholder header. channels is
// the channel count (any positive value), sampWidth is bytes per sample (1, 2, or 4), frameRate is the sample
// rate in Hz.
func NewWriter(filename string, channels, sampWidth, frameRate int) (*Writer, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("audio: channels must be positive, got %d", channels)
	}
	if sampWidth != 1 && sampWidth != 2 && sampWidth != 4 {
		return nil, fmt.Errorf("audio: sample width must be 1, 2, or 4 bytes, got %d", sampWidth)
	}
	if frameRate <= 0 {
		return nil, fmt.Errorf("audio: frame rate must be positive, got %d", frameRate)
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := &Writer{f: f, channels: channels, sampWidth: sampWidth, frameRate: frameRate}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	byteRate := w.frameRate * w.channels * w.sampWidth
	blockAlign := w.channels * w.sampWidth
	bitsPerSample := w.sampWidth * 8

	header := make([]byte, headerSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 36)
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], uint16(w.channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(w.frameRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], uint16(bitsPerSample))
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], 0)

	_, err := w.f.Write(header)
	return err
}

// WriteChunk appends chunk to the file. Empty chunks are ignored.
func (w *Writer) WriteChunk(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	n, err := w.f.Write(chunk)
	if err != nil {
		return err
	}
	w.dataSize += int64(n)
	return nil
}

// Close flushes the file and patches the RIFF/data size fields in place.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	defer func() { w.f = nil }()

	if err := w.f.Sync(); err != nil {
		return err
	}

	if w.dataSize > 0 {
		var sizeBuf [4]byte
		binary.LittleEndian.PutUint32(sizeBuf[:], uint32(36+w.dataSize))
		if _, err := w.f.WriteAt(sizeBuf[:], riffSizeOffset); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(sizeBuf[:], uint32(w.dataSize))
		if _, err := w.f.WriteAt(sizeBuf[:], dataSizeOffset); err != nil {
			return err
		}
	}

	return w.f.Close()
}

// DataSize returns the number of PCM bytes written so far.
func (w *Writer) DataSize() int64 { return w.dataSize }
