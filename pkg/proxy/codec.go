package proxy

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds one encoded frame, attachment chunks included.
const maxFrameSize = 10 * 1024 * 1024

// Encoder writes frames to an io.Writer, one JSON document per line.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates a new frame encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes a frame and flushes it.
func (e *Encoder) Encode(f *Frame) error {
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid frame: %w", err)
	}
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if len(b) >= maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds the %d byte limit", len(b), maxFrameSize)
	}
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Decoder reads frames from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new frame decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &Decoder{r: scanner}
}

// Decode reads the next frame. It returns io.EOF when the stream ends
// cleanly.
func (d *Decoder) Decode() (*Frame, error) {
	for {
		if !d.r.Scan() {
			if err := d.r.Err(); err != nil {
				return nil, fmt.Errorf("scan error: %w", err)
			}
			return nil, io.EOF
		}
		line := d.r.Bytes()
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("failed to unmarshal frame: %w", err)
		}
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("invalid frame: %w", err)
		}
		return &f, nil
	}
}
