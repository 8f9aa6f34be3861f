package utils

import (
	"bytes"
	"io"
	"strconv"
	"sync"
)

// NumberedWriter prefixes every complete line with "line=N ". Partial lines are
// held until their newline arrives or Close is called.
type NumberedWriter struct {
	mu      sync.Mutex
	w       io.Writer
	counter uint64
	pending []byte
}

func NewNumberedWriter(w io.Writer) *NumberedWriter {
	return &NumberedWriter{w: w}
}

func (w *NumberedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		if err := w.emit(w.pending[:i+1]); err != nil {
			return 0, err
		}
		w.pending = w.pending[i+1:]
	}
	// drop the consumed prefix so pending does not grow forever
	w.pending = append([]byte(nil), w.pending...)
	return len(p), nil
}

// Close flushes a trailing partial line. It does not close the underlying writer.
func (w *NumberedWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		return nil
	}
	err := w.emit(w.pending)
	w.pending = nil
	return err
}

func (w *NumberedWriter) emit(line []byte) error {
	w.counter++
	buf := make([]byte, 0, len(line)+16)
	buf = append(buf, "line="...)
	buf = strconv.AppendUint(buf, w.counter, 10)
	buf = append(buf, ' ')
	buf = append(buf, line...)
	_, err := w.w.Write(buf)
	return err
}
