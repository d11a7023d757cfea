package host

import (
	"bytes"
	"io"
	"sync"

	"go.uber.org/zap"
)

// outputWriter logs a child's output line by line and copies it to any extra writers.
type outputWriter struct {
	log *zap.SugaredLogger

	m       sync.Mutex
	buf     bytes.Buffer
	writers []io.Writer
}

func newOutputWriter(log *zap.SugaredLogger, writers ...io.Writer) *outputWriter {
	w := &outputWriter{log: log}
	for _, wr := range writers {
		if wr != nil {
			w.writers = append(w.writers, wr)
		}
	}
	return w
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.m.Lock()
	defer w.m.Unlock()

	for _, wr := range w.writers {
		n, err := wr.Write(p)
		if err != nil {
			w.log.Debugf("copying child output: %s", err)
		} else if n != len(p) {
			w.log.Debugf("copying child output: %s", io.ErrShortWrite)
		}
	}

	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := w.buf.Next(i + 1)
		w.log.Info(string(bytes.TrimRight(line, "\r\n")))
	}
	return len(p), nil
}

// Flush logs a trailing partial line.
func (w *outputWriter) Flush() {
	w.m.Lock()
	defer w.m.Unlock()
	if w.buf.Len() > 0 {
		w.log.Info(w.buf.String())
		w.buf.Reset()
	}
}
