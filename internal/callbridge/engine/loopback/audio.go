package loopback

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"github.com/zaf/g711"
)

// pcmRate is the rate of the internal linear PCM representation.
const pcmRate = 8000

// ErrNotWAV indicates input that is not a RIFF/WAVE PCM file.
var ErrNotWAV = errors.New("not a PCM WAV file")

// wavFile is parsed WAV metadata plus its 16-bit PCM samples.
type wavFile struct {
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	PCMData       []byte
}

// readWAVFile parses a WAV file from disk.
func readWAVFile(path string) (*wavFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return readWAV(f)
}

// readWAVBytes parses an in-memory WAV file.
func readWAVBytes(data []byte) (*wavFile, error) {
	return readWAV(bytes.NewReader(data))
}

func readWAV(r io.ReadSeeker) (*wavFile, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	wav := &wavFile{}
	haveFmt := false
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("fmt chunk too short: %w", ErrNotWAV)
			}
			chunk := make([]byte, size)
			if _, err := io.ReadFull(r, chunk); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			if format := binary.LittleEndian.Uint16(chunk[0:2]); format != 1 {
				return nil, fmt.Errorf("audio format %d: %w", format, ErrNotWAV)
			}
			wav.NumChannels = binary.LittleEndian.Uint16(chunk[2:4])
			wav.SampleRate = binary.LittleEndian.Uint32(chunk[4:8])
			wav.BitsPerSample = binary.LittleEndian.Uint16(chunk[14:16])
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("data before fmt chunk: %w", ErrNotWAV)
			}
			data := make([]byte, size)
			n, err := io.ReadFull(r, data)
			if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("read data chunk: %w", err)
			}
			wav.PCMData = data[:n]
			slog.Debug("[WAV] Loaded audio data",
				"sampleRate", wav.SampleRate,
				"channels", wav.NumChannels,
				"size_bytes", n,
			)
			return wav, nil

		default:
			if _, err := r.Seek(int64(size+size%2), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("skip chunk %q: %w", id, err)
			}
		}
	}
	return nil, fmt.Errorf("data chunk not found: %w", ErrNotWAV)
}

// toMono8k converts the file to 8000 Hz mono 16-bit PCM.
func (w *wavFile) toMono8k() ([]byte, error) {
	if w.BitsPerSample != 16 {
		return nil, fmt.Errorf("bits per sample %d: %w", w.BitsPerSample, ErrNotWAV)
	}

	var mono []byte
	switch w.NumChannels {
	case 1:
		mono = w.PCMData
	case 2:
		mono = make([]byte, len(w.PCMData)/2)
		for i := 0; i+3 < len(w.PCMData); i += 4 {
			left := int16(binary.LittleEndian.Uint16(w.PCMData[i:]))
			right := int16(binary.LittleEndian.Uint16(w.PCMData[i+2:]))
			binary.LittleEndian.PutUint16(mono[i/2:], uint16(int16((int32(left)+int32(right))/2)))
		}
	default:
		return nil, fmt.Errorf("unsupported number of channels: %d", w.NumChannels)
	}

	if w.SampleRate == pcmRate {
		return mono, nil
	}
	return resample(mono, int(w.SampleRate), pcmRate), nil
}

// resample converts 16-bit mono PCM using linear interpolation.
func resample(pcm []byte, from, to int) []byte {
	inSamples := len(pcm) / 2
	if inSamples < 2 || from <= 0 || to <= 0 {
		return nil
	}
	ratio := float64(from) / float64(to)
	outSamples := int(float64(inSamples) / ratio)
	out := make([]byte, 0, outSamples*2)

	for i := 0; i < outSamples; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx+1 >= inSamples {
			break
		}
		frac := pos - float64(idx)
		s1 := float64(int16(binary.LittleEndian.Uint16(pcm[idx*2:])))
		s2 := float64(int16(binary.LittleEndian.Uint16(pcm[(idx+1)*2:])))
		v := int16(s1*(1-frac) + s2*frac)
		out = binary.LittleEndian.AppendUint16(out, uint16(v))
	}
	return out
}

// applyVolume scales 16-bit PCM in place by volume percent.
func applyVolume(pcm []byte, volume int) {
	if volume >= 100 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int32(int16(binary.LittleEndian.Uint16(pcm[i:])))
		binary.LittleEndian.PutUint16(pcm[i:], uint16(int16(s*int32(volume)/100)))
	}
}

// tone generates a sine test tone as 8 kHz 16-bit PCM.
type tone struct {
	freq  float64
	phase float64
}

func (t *tone) read(samples int) []byte {
	out := make([]byte, samples*2)
	step := 2 * math.Pi * t.freq / pcmRate
	for i := 0; i < samples; i++ {
		v := int16(math.Sin(t.phase) * 8000)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
		t.phase += step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return out
}

// encodeG711 converts 16-bit PCM to the named G.711 law.
func encodeG711(name string, pcm []byte) []byte {
	if name == "PCMA" {
		return g711.EncodeAlaw(pcm)
	}
	return g711.EncodeUlaw(pcm)
}

// decodeG711 converts a G.711 payload to 16-bit PCM.
func decodeG711(name string, payload []byte) []byte {
	if name == "PCMA" {
		return g711.DecodeAlaw(payload)
	}
	return g711.DecodeUlaw(payload)
}
