package spid

import (
	"context"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// Slew rate of the real hardware in degrees/second.
	simSlewRate = 5.0
	// Discrete simulation step size.
	simStepSize = 25 * time.Millisecond
)

// Simulator speaks the Rot2Prog wire protocol over an in-process pipe,
// for tests and the daemon's simulate mode. It answers status requests
// with its current pointing and slews toward move targets at a fixed
// rate.
type Simulator struct {
	conn io.ReadWriteCloser

	mu       sync.Mutex
	az, el   float64
	tgtAz    float64
	tgtEl    float64
	moving   bool
	slewRate float64

	azMult, elMult     int
	azOffset, elOffset float64
}

// NewSimulator returns a simulator and the peer end of its pipe.
func NewSimulator() (*Simulator, net.Conn) {
	a, b := net.Pipe()
	s := &Simulator{
		conn:     a,
		slewRate: simSlewRate,
		azMult:   10,
		elMult:   10,
		azOffset: DefaultAzOffset,
		elOffset: DefaultElOffset,
	}
	return s, b
}

// SetPosition moves the simulated rotator instantly, for test setup.
func (s *Simulator) SetPosition(az, el float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.az, s.el = az, el
}

// SetSlewRate overrides the simulated slew rate in degrees/second.
func (s *Simulator) SetSlewRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slewRate = rate
}

// Position reports the current simulated pointing.
func (s *Simulator) Position() (az, el float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.az, s.el
}

// Run serves the protocol until the context is canceled or the peer
// closes the pipe. A canceled context is reported as the context error
// even when the reader trips over the closing pipe first.
func (s *Simulator) Run(ctx context.Context) error {
	defer s.conn.Close()
	g, gctx := groupWithDone(ctx, s.conn)
	g.Go(s.reader)
	g.Go(func() error {
		t := time.NewTicker(simStepSize)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-t.C:
			}
			s.step(simStepSize)
		}
	})
	err := g.Wait()
	if ctx.Err() != nil {
		// Shutdown closed the pipe out from under the reader; the pipe
		// error is just the teardown, not a protocol failure.
		return ctx.Err()
	}
	return err
}

// groupWithDone closes conn when the context ends so blocked pipe reads
// unwind.
func groupWithDone(ctx context.Context, conn io.Closer) (*errgroup.Group, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		conn.Close()
		return ctx.Err()
	})
	return g, ctx
}

func (s *Simulator) reader() error {
	buf := make([]byte, commandLen)
	for {
		if _, err := io.ReadFull(s.conn, buf); err != nil {
			return err
		}
		if buf[0] != frameLead {
			return fmt.Errorf("simulator: bad lead byte 0x%02x", buf[0])
		}
		if err := s.handle(buf); err != nil {
			return err
		}
	}
}

func (s *Simulator) handle(cmd []byte) error {
	switch cmd[11] {
	case cmdStatus:
		s.mu.Lock()
		resp, err := encodeStatus(s.az, s.el, s.azMult, s.elMult, s.azOffset, s.elOffset)
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("simulator: %w", err)
		}
		_, err = s.conn.Write(resp)
		return err
	case cmdStop:
		s.mu.Lock()
		s.moving = false
		s.mu.Unlock()
		return nil
	case cmdMove:
		az, err := digitsToValue(cmd[1:5])
		if err != nil {
			return fmt.Errorf("simulator: %w", err)
		}
		el, err := digitsToValue(cmd[6:10])
		if err != nil {
			return fmt.Errorf("simulator: %w", err)
		}
		s.mu.Lock()
		s.tgtAz = float64(az)/float64(s.azMult) - s.azOffset
		s.tgtEl = float64(el)/float64(s.elMult) - s.elOffset
		s.moving = true
		s.mu.Unlock()
		return nil
	}
	return fmt.Errorf("simulator: unknown function code 0x%02x", cmd[11])
}

func approach(pos, tgt, maxStep float64) float64 {
	delta := tgt - pos
	if math.Abs(delta) <= maxStep {
		return tgt
	}
	if delta < 0 {
		return pos - maxStep
	}
	return pos + maxStep
}

func (s *Simulator) step(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.moving {
		return
	}
	maxStep := s.slewRate * dt.Seconds()
	s.az = approach(s.az, s.tgtAz, maxStep)
	s.el = approach(s.el, s.tgtEl, maxStep)
	if s.az == s.tgtAz && s.el == s.tgtEl {
		s.moving = false
	}
}
