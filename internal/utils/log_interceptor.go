// Package utils provides small helpers shared across the backupd daemon.
package utils

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
)

// LogInterceptor is an io.Writer that prefixes every complete line with a
// sequence number and a timestamp before forwarding it to the target writer.
// The daily log file is written through one of these.
type LogInterceptor struct {
	target io.Writer
	seq    atomic.Uint64
	buf    bytes.Buffer
}

func NewLogInterceptor(target io.Writer) *LogInterceptor {
	return &LogInterceptor{target: target}
}

func (i *LogInterceptor) writeLine(line []byte) (int, error) {
	total := 0

	prefix := slog.Uint64("line", i.seq.Add(1)).String() + " " +
		slog.String("time", time.Now().Format(time.RFC3339)).String() + " "
	n, err := io.WriteString(i.target, prefix)
	total += n
	if err != nil {
		return total, err
	}

	n, err = i.target.Write(append(line, '\n'))
	total += n
	return total, err
}

func (i *LogInterceptor) Write(p []byte) (n int, err error) {
	if _, err := i.buf.Write(p); err != nil {
		return 0, err
	}

	total := 0
	scanner := bufio.NewScanner(&i.buf)
	scanner.Split(bufio.ScanLines)
	for scanner.Scan() {
		n, err := i.writeLine(scanner.Bytes())
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close flushes any trailing partial line.
func (i *LogInterceptor) Close() error {
	remaining := i.buf.Bytes()
	if len(remaining) > 0 {
		_, err := i.writeLine(remaining)
		i.buf.Reset()
		return err
	}
	return nil
}
