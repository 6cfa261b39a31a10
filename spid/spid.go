// Package spid drives a SPID-family azimuth/elevation rotator over its
// Rot2Prog serial protocol.
package spid

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// Fatal link errors.
var (
	ErrPortNotFound = errors.New("spid: port does not exist")
	ErrNoResponse   = errors.New("spid: no response from rotator")
	ErrLinkInit     = errors.New("spid: link initialization failed")
)

const (
	// DefaultBaud is fixed by the controller firmware.
	DefaultBaud = 600
	// DefaultSettle is how long the controller's control loop needs
	// between receiving a request and having the response buffered.
	DefaultSettle = 750 * time.Millisecond
	// statusRetries bounds the write-wait-read cycles per status
	// request. The firmware occasionally drops a byte; retrying
	// forever would hang the caller on a dead link.
	statusRetries = 10
)

// Config configures a link. DefaultConfig fills in the values for
// current MD-01 firmware; the offsets stay settable for other firmware
// revisions.
type Config struct {
	Port     string
	Baud     int
	AzOffset float64
	ElOffset float64
	Settle   time.Duration
	Logger   logrus.FieldLogger
}

// DefaultConfig returns a Config for the given device path with the
// standard baud rate, settle interval and frame offsets.
func DefaultConfig(port string) Config {
	return Config{
		Port:     port,
		Baud:     DefaultBaud,
		AzOffset: DefaultAzOffset,
		ElOffset: DefaultElOffset,
		Settle:   DefaultSettle,
	}
}

// Link owns the serial channel to the rotator. Exchanges are serialized
// internally; a fatal status failure closes the channel before the error
// is returned, so no caller can keep using a half-dead link.
type Link struct {
	log    logrus.FieldLogger
	settle time.Duration

	azOffset, elOffset float64
	// Read once from the first status frame, immutable afterwards.
	azMult, elMult int

	mu   sync.Mutex
	conn io.ReadWriteCloser

	closeOnce sync.Once
	closeErr  error
}

// Open validates that the device path exists, opens it and performs the
// initial status exchange to learn the axis multipliers.
func Open(cfg Config) (*Link, error) {
	if _, err := os.Stat(cfg.Port); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrPortNotFound, cfg.Port)
	}
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	// The firmware is polled, not streamed; a short read timeout lets
	// the link see partial responses instead of blocking.
	c := &serial.Config{Name: cfg.Port, Baud: cfg.Baud, ReadTimeout: 50 * time.Millisecond}
	s, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", cfg.Port, err)
	}
	return NewLink(s, cfg)
}

// NewLink wraps an existing byte channel (a simulator pipe, usually) in
// a Link and performs the same initial status exchange as Open.
func NewLink(conn io.ReadWriteCloser, cfg Config) (*Link, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Settle == 0 {
		cfg.Settle = DefaultSettle
	}
	l := &Link{
		log:      cfg.Logger,
		settle:   cfg.Settle,
		azOffset: cfg.AzOffset,
		elOffset: cfg.ElOffset,
		conn:     conn,
	}
	frame, err := l.Status()
	if err != nil {
		// Status has already closed the channel.
		return nil, fmt.Errorf("%w: %v", ErrLinkInit, err)
	}
	azMult, elMult, err := frame.Multipliers()
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("%w: %v", ErrLinkInit, err)
	}
	l.azMult, l.elMult = azMult, elMult
	l.log.Debugf("opened rotator link, multipliers az=%d el=%d", azMult, elMult)
	return l, nil
}

// Multipliers returns the per-axis scale factors learned at init.
func (l *Link) Multipliers() (az, el int) {
	return l.azMult, l.elMult
}

// armDeadline bounds the next exchange when the channel supports
// deadlines. The serial port enforces its own ReadTimeout; the
// simulator pipe does not, and a peer that stopped responding would
// otherwise block reads and writes forever, defeating the retry bound.
func (l *Link) armDeadline() {
	type deadliner interface{ SetDeadline(time.Time) error }
	if d, ok := l.conn.(deadliner); ok {
		d.SetDeadline(time.Now().Add(10 * l.settle))
	}
}

// readFrame drains whatever the controller has buffered, up to one full
// status frame. A short read means the response was not ready yet.
func (l *Link) readFrame(buf []byte) int {
	total := 0
	for total < len(buf) {
		n, err := l.conn.Read(buf[total:])
		total += n
		if n == 0 || err != nil {
			break
		}
	}
	return total
}

// Status requests a status frame from the controller. Each attempt
// writes the request, waits out the settle interval and reads the
// response; after ten failed cycles the link closes itself and returns
// ErrNoResponse.
func (l *Link) Status() (StatusFrame, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var frame StatusFrame
	req := commandFrame(cmdStatus)
	for attempt := 1; attempt <= statusRetries; attempt++ {
		l.armDeadline()
		if _, err := l.conn.Write(req); err != nil {
			l.log.Warnf("attempt %d: writing status request: %v", attempt, err)
		}
		time.Sleep(l.settle)
		if n := l.readFrame(frame[:]); n >= statusLen {
			return frame, nil
		} else if n > 0 {
			l.log.Debugf("attempt %d: short status read (%d bytes)", attempt, n)
		}
	}
	l.log.Errorf("no status response after %d attempts, closing link", statusRetries)
	l.close()
	return frame, ErrNoResponse
}

// Position reads the current pointing in degrees.
func (l *Link) Position() (Position, error) {
	frame, err := l.Status()
	if err != nil {
		return Position{}, err
	}
	pos, err := decodePosition(frame, l.azMult, l.elMult, l.azOffset, l.elOffset)
	if err != nil {
		return Position{}, fmt.Errorf("decoding status frame: %w", err)
	}
	return pos, nil
}

// MoveTo commands a slew to the given azimuth and elevation in degrees.
// Out-of-range targets, and targets past what the axis multipliers can
// encode, are rejected without touching the rotator; the return value
// reports whether a command frame was sent. The controller never
// acknowledges move commands.
func (l *Link) MoveTo(az, el float64) bool {
	if az < 0 || az > 360 {
		l.log.Warnf("rejecting move, azimuth %.1f outside [0,360]", az)
		return false
	}
	if el < 0 || el > 180 {
		l.log.Warnf("rejecting move, elevation %.1f outside [0,180]", el)
		return false
	}
	frame, err := encodeMove(az, el, l.azMult, l.elMult, l.azOffset, l.elOffset)
	if err != nil {
		l.log.Warnf("rejecting move to az %.1f el %.1f: %v", az, el, err)
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.armDeadline()
	if _, err := l.conn.Write(frame); err != nil {
		l.log.Errorf("writing move command: %v", err)
		return false
	}
	l.log.Debugf("moving to az %.1f el %.1f", az, el)
	return true
}

// Stop halts any motion in progress. One write, no retry.
func (l *Link) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.armDeadline()
	if _, err := l.conn.Write(commandFrame(cmdStop)); err != nil {
		return fmt.Errorf("writing stop command: %w", err)
	}
	time.Sleep(l.settle)
	return nil
}

// Close releases the serial channel. Safe to call more than once and
// from failure paths.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.close()
}

func (l *Link) close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}
