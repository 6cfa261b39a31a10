package spid

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeConn returns one scripted payload per Read call; an empty payload
// models a read timeout with nothing buffered.
type fakeConn struct {
	reads  [][]byte
	writes [][]byte
	closed bool
}

func (c *fakeConn) Read(p []byte) (int, error) {
	if len(c.reads) == 0 {
		return 0, nil
	}
	data := c.reads[0]
	c.reads = c.reads[1:]
	return copy(p, data), nil
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func testLink(conn io.ReadWriteCloser) *Link {
	return &Link{
		log:      testLogger(),
		azOffset: DefaultAzOffset,
		elOffset: DefaultElOffset,
		azMult:   10,
		elMult:   10,
		conn:     conn,
	}
}

func statusResponse(az, el float64) []byte {
	return mustEncodeStatus(az, el, 10, 10)
}

func TestStatusRetries(t *testing.T) {
	for k := 1; k <= statusRetries; k++ {
		t.Run(fmt.Sprintf("attempt%d", k), func(t *testing.T) {
			conn := &fakeConn{}
			for i := 1; i < k; i++ {
				conn.reads = append(conn.reads, nil)
			}
			conn.reads = append(conn.reads, statusResponse(123.5, 45.5))
			l := testLink(conn)
			frame, err := l.Status()
			if err != nil {
				t.Fatalf("Status failed: %v", err)
			}
			if got := len(conn.writes); got != k {
				t.Errorf("got %d write/read cycles, want %d", got, k)
			}
			if diff := cmp.Diff(conn.writes[0], commandFrame(cmdStatus)); diff != "" {
				t.Errorf("unexpected request frame: got(-)/want(+):\n%s", diff)
			}
			pos, err := decodePosition(frame, 10, 10, DefaultAzOffset, DefaultElOffset)
			if err != nil {
				t.Fatalf("decoding frame: %v", err)
			}
			if diff := cmp.Diff(pos, Position{Az: 123.5, El: 45.5}); diff != "" {
				t.Errorf("unexpected position: got(-)/want(+):\n%s", diff)
			}
		})
	}
}

func TestStatusExhaustsRetries(t *testing.T) {
	conn := &fakeConn{}
	l := testLink(conn)
	_, err := l.Status()
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("got %v, want ErrNoResponse", err)
	}
	if got := len(conn.writes); got != statusRetries {
		t.Errorf("got %d write/read cycles, want %d", got, statusRetries)
	}
	if !conn.closed {
		t.Error("channel left open after retry exhaustion")
	}
}

func TestStatusShortReads(t *testing.T) {
	// A frame split across reads within one settle window still counts
	// as a single successful cycle.
	resp := statusResponse(10, 20)
	conn := &fakeConn{reads: [][]byte{resp[:5], resp[5:]}}
	l := testLink(conn)
	if _, err := l.Status(); err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if got := len(conn.writes); got != 1 {
		t.Errorf("got %d cycles, want 1", got)
	}
}

func TestMoveToValidation(t *testing.T) {
	for _, test := range []struct {
		az, el float64
		sent   bool
	}{
		{400, 90, false},
		{-1, 90, false},
		{180, 200, false},
		{180, -0.1, false},
		{180, 90, true},
		{0, 0, true},
		{279.9, 180, true},
		// Above 279.9 degrees the azimuth field overflows four digits at
		// multiplier 10; the link must refuse rather than truncate.
		{280, 90, false},
		{300, 90, false},
		{360, 180, false},
	} {
		t.Run(fmt.Sprintf("az%v_el%v", test.az, test.el), func(t *testing.T) {
			conn := &fakeConn{}
			l := testLink(conn)
			if got := l.MoveTo(test.az, test.el); got != test.sent {
				t.Errorf("MoveTo(%v, %v) = %v, want %v", test.az, test.el, got, test.sent)
			}
			want := 0
			if test.sent {
				want = 1
			}
			if got := len(conn.writes); got != want {
				t.Errorf("sent %d frames, want %d", got, want)
			}
		})
	}
}

func TestMoveToFullCircleLowMultiplier(t *testing.T) {
	// The encodable ceiling depends on the learned multiplier: at 2 the
	// whole azimuth range fits the four-digit field.
	conn := &fakeConn{}
	l := testLink(conn)
	l.azMult, l.elMult = 2, 2
	if !l.MoveTo(360, 180) {
		t.Fatal("MoveTo rejected an encodable target")
	}
	want := []byte{frameLead, '2', '1', '6', '0', 2, '1', '0', '8', '0', 2, cmdMove, frameEnd}
	if diff := cmp.Diff(conn.writes[0], want); diff != "" {
		t.Errorf("unexpected move frame: got(-)/want(+):\n%s", diff)
	}
}

func TestMoveToFrame(t *testing.T) {
	conn := &fakeConn{}
	l := testLink(conn)
	if !l.MoveTo(180, 90) {
		t.Fatal("MoveTo rejected an in-range target")
	}
	want := []byte{frameLead, '9', '0', '0', '0', 10, '4', '5', '0', '0', 10, cmdMove, frameEnd}
	if diff := cmp.Diff(conn.writes[0], want); diff != "" {
		t.Errorf("unexpected move frame: got(-)/want(+):\n%s", diff)
	}
}

func TestNewLinkLearnsMultipliers(t *testing.T) {
	resp := mustEncodeStatus(0, 0, 2, 5)
	conn := &fakeConn{reads: [][]byte{resp}}
	l, err := NewLink(conn, Config{Settle: 1, Logger: testLogger(), AzOffset: DefaultAzOffset, ElOffset: DefaultElOffset})
	if err != nil {
		t.Fatalf("NewLink failed: %v", err)
	}
	az, el := l.Multipliers()
	if az != 2 || el != 5 {
		t.Errorf("got multipliers az=%d el=%d, want az=2 el=5", az, el)
	}
}

func TestNewLinkInitFailure(t *testing.T) {
	conn := &fakeConn{}
	_, err := NewLink(conn, Config{Settle: 1, Logger: testLogger()})
	if !errors.Is(err, ErrLinkInit) {
		t.Fatalf("got %v, want ErrLinkInit", err)
	}
	if !conn.closed {
		t.Error("channel left open after init failure")
	}
}

func TestOpenMissingPort(t *testing.T) {
	_, err := Open(DefaultConfig("/dev/definitely-not-a-rotator"))
	if !errors.Is(err, ErrPortNotFound) {
		t.Fatalf("got %v, want ErrPortNotFound", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	conn := &fakeConn{}
	l := testLink(conn)
	if err := l.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
