package session

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	// MaxFrameSize is the largest binary frame payload the stream accepts.
	MaxFrameSize = 10 << 20

	// How long a single stream write may block before the connection is
	// considered dead.
	streamWriteTimeout = 10 * time.Second
)

var (
	// ErrFrameTooLarge is returned when a binary frame declares a payload
	// larger than MaxFrameSize. The caller should drop the session.
	ErrFrameTooLarge = errors.New("stream frame exceeds maximum size")
	// ErrEmptyFrame is returned when a binary frame declares a zero-length payload.
	ErrEmptyFrame = errors.New("stream frame declares empty payload")
)

// StreamIO provides the two framings that coexist on a session's stream
// connection: newline-delimited UTF-8 text lines and length-prefixed binary
// frames. Reads are single-consumer; concurrent writers are serialized by an
// internal mutex.
type StreamIO struct {
	conn    net.Conn
	reader  *bufio.Reader
	writeMu sync.Mutex
	metrics *Metrics
}

func newStreamIO(conn net.Conn, metrics *Metrics) *StreamIO {
	return &StreamIO{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		metrics: metrics,
	}
}

// ReadLine reads one newline-terminated UTF-8 line from the stream and
// returns it without the trailing newline. A zero deadline blocks until data
// arrives or the connection is closed.
func (s *StreamIO) ReadLine(deadline time.Time) (string, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return "", fmt.Errorf("setting read deadline: %w", err)
	}

	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}

	s.metrics.addReceived(len(line))
	s.metrics.touchStream()
	return strings.TrimRight(line, "\r\n"), nil
}

// WriteLine sends one line of text over the stream, appending the newline
// terminator if the caller did not include it.
func (s *StreamIO) WriteLine(line string) error {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}

	n, err := io.WriteString(s.conn, line)
	s.metrics.addSent(n)
	if err != nil {
		return fmt.Errorf("writing line: %w", err)
	}
	s.metrics.touchStream()
	return nil
}

// ReadFrame reads one length-prefixed binary frame from the stream. The
// prefix is a 4-byte little-endian payload length; declared lengths of zero
// or greater than MaxFrameSize are rejected without consuming the payload.
func (s *StreamIO) ReadFrame(deadline time.Time) ([]byte, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("setting read deadline: %w", err)
	}

	var prefix [4]byte
	if _, err := io.ReadFull(s.reader, prefix[:]); err != nil {
		return nil, err
	}
	s.metrics.addReceived(len(prefix))

	length := binary.LittleEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(s.reader, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}

	s.metrics.addReceived(len(payload))
	s.metrics.touchStream()
	return payload, nil
}

// WriteFrame sends payload as one length-prefixed binary frame.
func (s *StreamIO) WriteFrame(payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}

	n, err := s.conn.Write(frame)
	s.metrics.addSent(n)
	if err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	s.metrics.touchStream()
	return nil
}
