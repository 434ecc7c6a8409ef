package protocol

import (
	"bytes"

	"github.com/agentctl/agentctl/pkg/errdefs"
)

// MaxFrameBytes bounds a single frame. A peer that exceeds it gets a
// validation error for that frame; the rest of the stream keeps flowing.
const MaxFrameBytes = 1 << 20

// LineParser accumulates socket reads and yields complete newline-terminated
// frames. It is stateful: a partial frame survives across Feed calls.
type LineParser struct {
	buf      bytes.Buffer
	overflow bool
}

// Feed appends raw bytes and returns every complete frame now available.
// When a frame overflows MaxFrameBytes the parser discards bytes until the
// next newline and reports one validation error alongside any frames parsed
// before the oversized one.
func (p *LineParser) Feed(data []byte) ([][]byte, error) {
	var frames [][]byte
	var ferr error

	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			if p.overflow {
				break
			}
			if p.buf.Len()+len(data) > MaxFrameBytes {
				p.overflow = true
				p.buf.Reset()
				ferr = errdefs.Validationf("frame exceeds %d bytes", MaxFrameBytes)
				break
			}
			p.buf.Write(data)
			break
		}

		head, rest := data[:nl], data[nl+1:]
		if p.overflow {
			// Tail of an oversized frame already reported; resume normal
			// parsing after its newline.
			p.overflow = false
			data = rest
			continue
		}
		if p.buf.Len()+len(head) > MaxFrameBytes {
			p.buf.Reset()
			if ferr == nil {
				ferr = errdefs.Validationf("frame exceeds %d bytes", MaxFrameBytes)
			}
			data = rest
			continue
		}

		p.buf.Write(head)
		line := bytes.TrimRight(p.buf.Bytes(), "\r")
		if len(bytes.TrimSpace(line)) > 0 {
			frame := make([]byte, len(line))
			copy(frame, line)
			frames = append(frames, frame)
		}
		p.buf.Reset()
		data = rest
	}

	return frames, ferr
}

// Pending reports whether a partial frame is buffered.
func (p *LineParser) Pending() bool {
	return p.buf.Len() > 0
}
