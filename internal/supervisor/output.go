package supervisor

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"time"
)

// MaxOutputLine bounds the size of a single captured output line. Longer
// lines are delivered truncated with TruncationMarker appended, never
// dropped and never buffered unboundedly.
const MaxOutputLine = 64 * 1024

// TruncationMarker is appended to output lines that exceeded MaxOutputLine.
const TruncationMarker = " ...[truncated]"

// pumpLines reads r line by line, invoking emit for every line. A line
// exceeding MaxOutputLine is cut at the bound, the remainder up to the next
// newline is discarded, and the marker is appended. Returns the first read
// error, with EOF treated as normal completion.
func pumpLines(r io.Reader, emit func(line string)) error {
	reader := bufio.NewReader(r)
	line := make([]byte, 0, 256)
	truncated := false

	flush := func() {
		out := strings.TrimSuffix(string(line), "\r")
		if truncated {
			out += TruncationMarker
		}
		emit(out)
		line = line[:0]
		truncated = false
	}

	for {
		chunk, err := reader.ReadSlice('\n')
		hasNL := len(chunk) > 0 && chunk[len(chunk)-1] == '\n'
		if hasNL {
			chunk = chunk[:len(chunk)-1]
		}
		if !truncated {
			if room := MaxOutputLine - len(line); len(chunk) > room {
				chunk = chunk[:room]
				truncated = true
			}
			line = append(line, chunk...)
		}
		if hasNL {
			flush()
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if len(line) > 0 || truncated {
				flush()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// pumpOutput streams one pipe of a supervised process. Capture failures are
// isolated: they are logged against the process and never propagate.
func (m *Manager) pumpOutput(e *procEntry, rc io.ReadCloser, stderr bool) {
	defer e.outputWG.Done()
	defer rc.Close()

	err := pumpLines(rc, func(line string) {
		m.publish(Event{
			Timestamp: time.Now(),
			Type:      EventOutput,
			ProcessID: e.id,
			ServerID:  e.serverID,
			Line:      line,
			Stderr:    stderr,
		})
	})
	if err != nil {
		m.logger.Warn("output capture ended with error",
			"processID", e.id, "stderr", stderr, "error", err)
	}
}
