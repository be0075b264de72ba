package media

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// WAV format codes for the telephony codecs a greeting may carry.
const (
	wavFormatPCMA = 6 // G.711 a-law
	wavFormatPCMU = 7 // G.711 u-law
)

// GreetingKind is the container detected in a downloaded greeting item.
type GreetingKind int

const (
	GreetingUnknown GreetingKind = iota
	GreetingAudioWAV
	GreetingVideoMP4
)

func (k GreetingKind) String() string {
	switch k {
	case GreetingAudioWAV:
		return "wav"
	case GreetingVideoMP4:
		return "mp4"
	default:
		return "unknown"
	}
}

// wavInfo is the subset of a WAV header needed to decide whether an audio
// greeting is playable.
type wavInfo struct {
	Format     uint16
	Channels   uint16
	SampleRate uint32
	Bits       uint16
	DataBytes  uint32
}

// Duration reports the playback length of the audio data. G.711 carries
// one byte per sample.
func (w wavInfo) Duration() time.Duration {
	if w.SampleRate == 0 {
		return 0
	}
	return time.Duration(w.DataBytes) * time.Second / time.Duration(w.SampleRate)
}

// readWAVInfo walks the RIFF chunks of r until it has seen both the "fmt "
// and "data" chunks, leaving r positioned at the start of audio data.
func readWAVInfo(r io.ReadSeeker) (wavInfo, error) {
	var info wavInfo

	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return info, fmt.Errorf("reading riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return info, errors.New("not a wav file")
	}

	haveFmt := false
	for {
		var id [4]byte
		var size uint32
		if _, err := io.ReadFull(r, id[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return info, errors.New("wav missing data chunk")
			}
			return info, fmt.Errorf("reading chunk id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			return info, fmt.Errorf("reading chunk size: %w", err)
		}

		switch string(id[:]) {
		case "fmt ":
			if size < 16 {
				return info, fmt.Errorf("fmt chunk too small: %d bytes", size)
			}
			var fmtChunk struct {
				Format     uint16
				Channels   uint16
				SampleRate uint32
				ByteRate   uint32
				BlockAlign uint16
				Bits       uint16
			}
			if err := binary.Read(r, binary.LittleEndian, &fmtChunk); err != nil {
				return info, fmt.Errorf("reading fmt chunk: %w", err)
			}
			if size > 16 {
				if _, err := r.Seek(int64(size-16), io.SeekCurrent); err != nil {
					return info, fmt.Errorf("skipping extra fmt data: %w", err)
				}
			}
			info.Format = fmtChunk.Format
			info.Channels = fmtChunk.Channels
			info.SampleRate = fmtChunk.SampleRate
			info.Bits = fmtChunk.Bits
			haveFmt = true

		case "data":
			if !haveFmt {
				return info, errors.New("wav data chunk before fmt chunk")
			}
			info.DataBytes = size
			return info, nil

		default:
			// Chunks are padded to an even boundary.
			skip := int64(size)
			if size%2 != 0 {
				skip++
			}
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return info, fmt.Errorf("skipping chunk %q: %w", string(id[:]), err)
			}
		}
	}
}

// validateWAV rejects audio greetings the renderer cannot play: anything
// other than mono 8-bit G.711 at 8 kHz.
func validateWAV(r io.ReadSeeker) error {
	info, err := readWAVInfo(r)
	if err != nil {
		return err
	}
	if info.Format != wavFormatPCMA && info.Format != wavFormatPCMU {
		return fmt.Errorf("unsupported wav format %d: only G.711 a-law (6) and u-law (7) are supported", info.Format)
	}
	if info.Channels != 1 {
		return fmt.Errorf("wav must be mono, got %d channels", info.Channels)
	}
	if info.SampleRate != 8000 {
		return fmt.Errorf("wav must be 8000 Hz, got %d Hz", info.SampleRate)
	}
	if info.Bits != 8 {
		return fmt.Errorf("wav must be 8-bit, got %d-bit", info.Bits)
	}
	return nil
}

// ValidateWAVData validates in-memory WAV audio against the renderer's
// supported formats.
func ValidateWAVData(data []byte) error {
	return validateWAV(bytes.NewReader(data))
}

// sniffGreeting classifies a staged greeting file by its magic bytes.
func sniffGreeting(r io.ReadSeeker) (GreetingKind, error) {
	var head [12]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return GreetingUnknown, fmt.Errorf("reading file header: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return GreetingUnknown, err
	}
	switch {
	case string(head[0:4]) == "RIFF" && string(head[8:12]) == "WAVE":
		return GreetingAudioWAV, nil
	case string(head[4:8]) == "ftyp":
		return GreetingVideoMP4, nil
	default:
		return GreetingUnknown, nil
	}
}

// CheckGreetingFile classifies a downloaded greeting and, for audio
// greetings, validates that the renderer can play it. MP4 video passes
// through untouched; the video pipeline does its own decode validation.
func CheckGreetingFile(path string) (GreetingKind, error) {
	f, err := os.Open(path)
	if err != nil {
		return GreetingUnknown, fmt.Errorf("opening greeting: %w", err)
	}
	defer f.Close()

	kind, err := sniffGreeting(f)
	if err != nil {
		return GreetingUnknown, err
	}
	switch kind {
	case GreetingAudioWAV:
		if err := validateWAV(f); err != nil {
			return kind, err
		}
		return kind, nil
	case GreetingVideoMP4:
		return kind, nil
	default:
		return GreetingUnknown, errors.New("unrecognized greeting container")
	}
}
