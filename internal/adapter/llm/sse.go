package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"reasonchain/internal/domain"
)

const (
	readChunkSize = 4096
	// maxFrameSize bounds a single unterminated line held in the carry-over buffer.
	maxFrameSize = 1 << 20
)

type frameKind int

const (
	frameSkip frameKind = iota // blank line, comment or non-data SSE field
	frameData
	frameDone
	frameInvalid // line without a recognised SSE prefix
)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// sseFields are the SSE field names other than data that a stream may carry.
var sseFields = [][]byte{[]byte("event:"), []byte("id:"), []byte("retry:")}

// readFrames reads r in raw chunks, keeps any partial line in a carry-over
// buffer and calls fn once per complete line without its terminator. A
// trailing line without a newline is delivered at EOF. fn returns false to
// stop reading. The line slice is only valid for the duration of the call.
func readFrames(ctx context.Context, r io.Reader, fn func(line []byte) bool) error {
	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			start := 0
			for {
				i := bytes.IndexByte(buf[start:], '\n')
				if i < 0 {
					break
				}
				line := bytes.TrimRight(buf[start:start+i], "\r")
				start += i + 1
				if !fn(line) {
					return nil
				}
			}
			buf = append(buf[:0], buf[start:]...)
			if len(buf) > maxFrameSize {
				return fmt.Errorf("%w: line exceeds %d bytes", domain.ErrProtocol, maxFrameSize)
			}
		}

		if readErr == io.EOF {
			if rest := bytes.TrimRight(buf, "\r"); len(bytes.TrimSpace(rest)) > 0 {
				fn(rest)
			}
			return nil
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return transportError("read stream", readErr)
		}
	}
}

// parseFrame classifies one SSE line and returns the data payload for data
// lines. Both "data: x" and "data:x" are accepted.
func parseFrame(line []byte) ([]byte, frameKind) {
	if len(bytes.TrimSpace(line)) == 0 || line[0] == ':' {
		return nil, frameSkip
	}
	if bytes.HasPrefix(line, dataPrefix) {
		data := bytes.TrimSpace(line[len(dataPrefix):])
		if bytes.Equal(data, doneMarker) {
			return nil, frameDone
		}
		if len(data) == 0 {
			return nil, frameSkip
		}
		return data, frameData
	}
	for _, f := range sseFields {
		if bytes.HasPrefix(line, f) {
			return nil, frameSkip
		}
	}
	return nil, frameInvalid
}
