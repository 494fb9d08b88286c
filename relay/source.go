// relay/source.go
package relay

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/danielstarman/slay-the-spire-mcp-sub000/logger"
)

// LineSource reads one newline-terminated line at a time from the
// local input channel. A nil error with an empty result means
// end-of-input; the relay decides whether that is transient.
type LineSource interface {
	// ReadLine blocks until a line, end-of-input, or ctx cancellation.
	ReadLine(ctx context.Context) ([]byte, error)
}

// Restartable is implemented by line sources whose backing reader can
// be brought back after end-of-input.
type Restartable interface {
	LineSource
	// Restart brings a stopped source back up. Only valid once the
	// source has stopped; restarting a running source is a no-op.
	Restart()
	IsRunning() bool
}

// ReaderSource wraps a pollable reader (a pipe on platforms where
// blocking reads cooperate with cancellation) behind the LineSource
// contract.
type ReaderSource struct {
	reader *bufio.Reader
}

func NewReaderSource(r io.Reader) *ReaderSource {
	return &ReaderSource{reader: bufio.NewReader(r)}
}

func (s *ReaderSource) ReadLine(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	line, err := s.reader.ReadBytes('\n')
	if err == io.EOF {
		// A partial line with no terminator still counts; the stream
		// has ended either way afterwards.
		return line, nil
	}
	return line, err
}

// Source state machine for the threaded reader.
type sourceState int

const (
	sourceIdle sourceState = iota
	sourceRunning
	sourceStoppedClean
	sourceStoppedError
)

// ThreadedSource reads lines on a dedicated goroutine that blocks on
// the underlying reader and hands completed lines over a channel. Used
// where the input stream cannot be read asynchronously (Windows
// console pipes). The goroutine is restartable after it terminates;
// restart replaces the hand-off channel so a stale end-of-input marker
// from the previous generation can never be observed by the new one.
type ThreadedSource struct {
	newReader func() io.Reader

	mutex sync.Mutex
	state sourceState
	lines chan []byte
}

// NewThreadedSource starts reading immediately. newReader supplies the
// underlying stream for each generation (usually the same os.Stdin).
func NewThreadedSource(newReader func() io.Reader) *ThreadedSource {
	s := &ThreadedSource{newReader: newReader}
	s.start()
	return s
}

func (s *ThreadedSource) start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.state == sourceRunning {
		return
	}
	s.state = sourceRunning
	s.lines = make(chan []byte, 64)
	go s.readLoop(s.lines)
}

func (s *ThreadedSource) readLoop(lines chan<- []byte) {
	defer close(lines)

	reader := bufio.NewReader(s.newReader())
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			lines <- line
		}
		if err != nil {
			s.mutex.Lock()
			if err == io.EOF {
				s.state = sourceStoppedClean
			} else {
				s.state = sourceStoppedError
				logger.Log.Errorf("Input reader stopped: %v", err)
			}
			s.mutex.Unlock()
			return
		}
	}
}

func (s *ThreadedSource) IsRunning() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state == sourceRunning
}

// Restart spins up a fresh reader goroutine and hand-off channel.
func (s *ThreadedSource) Restart() {
	s.mutex.Lock()
	if s.state == sourceRunning {
		s.mutex.Unlock()
		logger.Log.Warn("Cannot restart input reader while still running")
		return
	}
	s.mutex.Unlock()

	logger.Log.Info("Restarting input reader")
	s.start()
}

// ReadLine returns the next line, or an empty result once the current
// generation's channel is drained and closed (end-of-input).
func (s *ThreadedSource) ReadLine(ctx context.Context) ([]byte, error) {
	s.mutex.Lock()
	lines := s.lines
	s.mutex.Unlock()

	select {
	case line, ok := <-lines:
		if !ok {
			return nil, nil
		}
		return line, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
