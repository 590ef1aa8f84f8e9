package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// WAV format tags.
const (
	formatPCM       = 1
	formatIEEEFloat = 3
)

// WriteWAV writes mono float32 PCM as a 32-bit IEEE-float WAV file.
func WriteWAV(path string, pcm []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating wav file: %w", err)
	}
	defer f.Close()

	if err := EncodeWAV(f, pcm, sampleRate); err != nil {
		return fmt.Errorf("encoding wav %s: %w", path, err)
	}
	return nil
}

// EncodeWAV writes mono float32 PCM as a 32-bit IEEE-float WAV stream.
func EncodeWAV(w io.Writer, pcm []float32, sampleRate int) error {
	dataSize := uint32(len(pcm) * 4)
	const headerSize = 36

	var buf [4]byte

	write := func(b []byte) error {
		_, err := w.Write(b)
		return err
	}
	writeU32 := func(v uint32) error {
		binary.LittleEndian.PutUint32(buf[:4], v)
		return write(buf[:4])
	}
	writeU16 := func(v uint16) error {
		binary.LittleEndian.PutUint16(buf[:2], v)
		return write(buf[:2])
	}

	if err := write([]byte("RIFF")); err != nil {
		return err
	}
	if err := writeU32(headerSize + dataSize); err != nil {
		return err
	}
	if err := write([]byte("WAVE")); err != nil {
		return err
	}

	// fmt chunk
	if err := write([]byte("fmt ")); err != nil {
		return err
	}
	if err := writeU32(16); err != nil {
		return err
	}
	if err := writeU16(formatIEEEFloat); err != nil {
		return err
	}
	if err := writeU16(1); err != nil { // mono
		return err
	}
	if err := writeU32(uint32(sampleRate)); err != nil {
		return err
	}
	if err := writeU32(uint32(sampleRate * 4)); err != nil { // byte rate
		return err
	}
	if err := writeU16(4); err != nil { // block align
		return err
	}
	if err := writeU16(32); err != nil { // bits per sample
		return err
	}

	// data chunk
	if err := write([]byte("data")); err != nil {
		return err
	}
	if err := writeU32(dataSize); err != nil {
		return err
	}

	out := make([]byte, len(pcm)*4)
	for i, s := range pcm {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return write(out)
}

// ReadWAV reads a mono WAV file into float32 PCM. 16-bit PCM and 32-bit
// IEEE-float data are supported; anything else is rejected.
func ReadWAV(path string) (pcm []float32, sampleRate int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("reading wav file: %w", err)
	}
	pcm, sampleRate, err = DecodeWAV(data)
	if err != nil {
		return nil, 0, fmt.Errorf("decoding wav %s: %w", path, err)
	}
	return pcm, sampleRate, nil
}

// DecodeWAV parses a mono WAV byte stream into float32 PCM.
func DecodeWAV(data []byte) (pcm []float32, sampleRate int, err error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE stream")
	}

	var (
		format        uint16
		channels      uint16
		bitsPerSample uint16
		haveFmt       bool
	)

	pos := 12
	for pos+8 <= len(data) {
		chunkID := string(data[pos : pos+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+chunkSize > len(data) {
			chunkSize = len(data) - body
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, 0, fmt.Errorf("fmt chunk too short: %d bytes", chunkSize)
			}
			format = binary.LittleEndian.Uint16(data[body : body+2])
			channels = binary.LittleEndian.Uint16(data[body+2 : body+4])
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample = binary.LittleEndian.Uint16(data[body+14 : body+16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, 0, fmt.Errorf("data chunk before fmt chunk")
			}
			return decodeSamples(data[body:body+chunkSize], format, channels, bitsPerSample, sampleRate)
		}

		// Chunks are word-aligned.
		pos = body + chunkSize
		if chunkSize%2 == 1 {
			pos++
		}
	}

	return nil, 0, fmt.Errorf("no data chunk found")
}

func decodeSamples(raw []byte, format, channels, bits uint16, sampleRate int) ([]float32, int, error) {
	if channels == 0 {
		return nil, 0, fmt.Errorf("zero channels")
	}

	switch {
	case format == formatPCM && bits == 16:
		n := len(raw) / 2 / int(channels)
		pcm := make([]float32, n)
		for i := 0; i < n; i++ {
			// First channel only; sources are mono in practice.
			s := int16(binary.LittleEndian.Uint16(raw[i*2*int(channels):]))
			pcm[i] = float32(s) / 32767.0
		}
		return pcm, sampleRate, nil
	case format == formatIEEEFloat && bits == 32:
		n := len(raw) / 4 / int(channels)
		pcm := make([]float32, n)
		for i := 0; i < n; i++ {
			pcm[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4*int(channels):]))
		}
		return pcm, sampleRate, nil
	default:
		return nil, 0, fmt.Errorf("unsupported wav format: tag=%d bits=%d", format, bits)
	}
}
