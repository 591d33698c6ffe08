package stt

import (
	"encoding/binary"
	"errors"
	"os"
	"sync"
)

const wavHeaderSize = 44

// AudioWriter records 16-bit mono PCM to a WAV file. Used as a debug
// sink for the audio actually sent to the transcription provider.
type AudioWriter struct {
	mu         sync.Mutex
	f          *os.File
	dataSize   uint32
	sampleRate int
	closed     bool
}

func NewAudioWriter(path string, sampleRate int) (*AudioWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &AudioWriter{f: f, sampleRate: sampleRate}
	if err := w.writeHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func (w *AudioWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, errors.New("stt: audio writer closed")
	}
	n, err := w.f.Write(p)
	w.dataSize += uint32(n)
	return n, err
}

// Close rewrites the header with the final sizes and closes the file.
func (w *AudioWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if _, err := w.f.Seek(0, 0); err != nil {
		_ = w.f.Close()
		return err
	}
	if err := w.writeHeader(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

func (w *AudioWriter) writeHeader() error {
	var h [wavHeaderSize]byte
	byteRate := uint32(w.sampleRate * 2) // mono, 16-bit

	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], 36+w.dataSize)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16) // PCM chunk size
	binary.LittleEndian.PutUint16(h[20:22], 1)  // PCM format
	binary.LittleEndian.PutUint16(h[22:24], 1)  // mono
	binary.LittleEndian.PutUint32(h[24:28], uint32(w.sampleRate))
	binary.LittleEndian.PutUint32(h[28:32], byteRate)
	binary.LittleEndian.PutUint16(h[32:34], 2)  // block align
	binary.LittleEndian.PutUint16(h[34:36], 16) // bits per sample
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], w.dataSize)

	_, err := w.f.Write(h[:])
	return err
}
