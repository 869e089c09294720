package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"github.com/benaskins/outpost/internal/events"
)

const readBufferSize = 64 * 1024

// readLoop turns one output stream into line events. It returns at end of
// stream, when the pipe is closed under it, or when a push is aborted.
func (s *Supervisor) readLoop(ctx context.Context, wg *sync.WaitGroup, r io.Reader, kind events.Kind, out *events.Channel) {
	defer wg.Done()

	size := readBufferSize
	if s.maxLineBytes < size {
		size = s.maxLineBytes
	}
	br := bufio.NewReaderSize(r, size)
	dec := unicode.UTF8.NewDecoder()

	var seq uint64
	var pending []byte

	emit := func(raw []byte) bool {
		seq++
		line := decodeLine(dec, raw)
		ev := events.StdoutLine(line, seq)
		if kind == events.KindStderr {
			ev = events.StderrLine(line, seq)
		}
		if err := out.Push(ctx, ev); err != nil {
			s.logger.Warn("dropping sidecar output", "stream", kind, "seq", seq, "error", err)
			return false
		}
		return true
	}

	// emitLong emits maxLineBytes pieces while pending is longer than that.
	emitLong := func() bool {
		for len(pending) > s.maxLineBytes {
			cut := runeCut(pending, s.maxLineBytes)
			if !emit(pending[:cut]) {
				return false
			}
			pending = append(pending[:0], pending[cut:]...)
		}
		return true
	}

	for {
		chunk, err := br.ReadSlice('\n')
		pending = append(pending, chunk...)

		switch {
		case err == nil:
			pending = trimEOL(pending)
			if !emitLong() || !emit(pending) {
				return
			}
			pending = pending[:0]

		case errors.Is(err, bufio.ErrBufferFull):
			if !emitLong() {
				return
			}

		default:
			// A final line without a newline still counts.
			if len(pending) > 0 && emitLong() {
				emit(pending)
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				s.logger.Warn("reading sidecar output", "stream", kind, "error", err)
			}
			return
		}
	}
}

// runeCut returns where to split b so the first part is at most max bytes
// and no UTF-8 sequence is cut in two. Bytes that are not valid UTF-8 are
// cut at max.
func runeCut(b []byte, max int) int {
	if utf8.RuneStart(b[max]) {
		return max
	}
	for i := max - 1; i > 0 && i > max-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			r, size := utf8.DecodeRune(b[i:])
			if (r != utf8.RuneError || size > 1) && i+size > max {
				return i
			}
			break
		}
	}
	return max
}

func trimEOL(b []byte) []byte {
	b = bytes.TrimSuffix(b, []byte("\n"))
	return bytes.TrimSuffix(b, []byte("\r"))
}

// decodeLine decodes raw as UTF-8, replacing invalid sequences with U+FFFD.
// Bad bytes degrade the line, never the stream.
func decodeLine(dec *encoding.Decoder, raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	b, err := dec.Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
	}
	return string(b)
}
