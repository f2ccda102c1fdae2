package log

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/tcpfollow/internal/config"
)

// MultiWriter fans a log line out to every appender. A failing appender does
// not stop the others; the last error is reported.
type MultiWriter struct {
	writers []io.Writer
}

func NewMultiWriter() *MultiWriter {
	return &MultiWriter{writers: make([]io.Writer, 0, 2)}
}

func (m *MultiWriter) Write(p []byte) (n int, err error) {
	for _, w := range m.writers {
		if _, e := w.Write(p); e != nil {
			err = e
		}
	}
	return len(p), err
}

func (m *MultiWriter) Add(writer io.Writer) *MultiWriter {
	m.writers = append(m.writers, writer)
	return m
}

// Len returns the number of appenders.
func (m *MultiWriter) Len() int { return len(m.writers) }

// AddFileAppender adds a rotating file appender.
func (m *MultiWriter) AddFileAppender(fc config.FileOutputConfig) *MultiWriter {
	return m.Add(createFileWriter(fc))
}

// createFileWriter creates a lumberjack file writer for log rotation.
func createFileWriter(fc config.FileOutputConfig) io.Writer {
	return &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.Rotation.MaxSizeMB,  // megabytes
		MaxBackups: fc.Rotation.MaxBackups, // number of backups
		MaxAge:     fc.Rotation.MaxAgeDays, // days
		Compress:   fc.Rotation.Compress,
	}
}
