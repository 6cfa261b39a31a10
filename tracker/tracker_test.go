package tracker

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephwkania/gospid/astro"
	"github.com/josephwkania/gospid/spid"
)

var testTarget = astro.SkyCoord{RA: 100, Dec: 0}

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeRotator struct {
	mu     sync.Mutex
	pos    spid.Position
	posErr error
	moves  []spid.Position
	stops  int
	closed int
	polls  chan struct{}
}

func newFakeRotator() *fakeRotator {
	return &fakeRotator{polls: make(chan struct{}, 100)}
}

func (f *fakeRotator) Position() (spid.Position, error) {
	f.mu.Lock()
	pos, err := f.pos, f.posErr
	f.mu.Unlock()
	select {
	case f.polls <- struct{}{}:
	default:
	}
	return pos, err
}

func (f *fakeRotator) MoveTo(az, el float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, spid.Position{Az: az, El: el})
	return true
}

func (f *fakeRotator) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeRotator) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeRotator) moveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.moves)
}

func (f *fakeRotator) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeModel reports a scripted separation per loop evaluation by
// placing the pointing that far from the target along the equator.
type fakeModel struct {
	mu         sync.Mutex
	seps       []float64
	futureAz   float64
	futureAlt  float64
	galL, galB float64
}

func (m *fakeModel) Equatorial(az, alt float64, t time.Time) astro.SkyCoord {
	m.mu.Lock()
	defer m.mu.Unlock()
	sep := 0.0
	if len(m.seps) > 0 {
		sep = m.seps[0]
		if len(m.seps) > 1 {
			m.seps = m.seps[1:]
		}
	}
	return astro.SkyCoord{RA: testTarget.RA + sep, Dec: testTarget.Dec}
}

func (m *fakeModel) Horizontal(c astro.SkyCoord, t time.Time) (az, alt float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.futureAz, m.futureAlt
}

func (m *fakeModel) Galactic(az, alt float64, t time.Time) (l, b float64) {
	return m.galL, m.galB
}

func testConfig(target *astro.SkyCoord) Config {
	return Config{
		Target:    target,
		Tolerance: 2,
		Cadence:   5 * time.Millisecond,
		Logger:    testLogger(),
	}
}

func waitPolls(t *testing.T, rot *fakeRotator, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-rot.polls:
		case <-time.After(2 * time.Second):
			t.Fatalf("loop stalled waiting for poll %d of %d", i+1, n)
		}
	}
}

func waitDone(t *testing.T, trk *Tracker) {
	t.Helper()
	select {
	case <-trk.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop never terminated")
	}
}

func TestInvalidTolerance(t *testing.T) {
	for _, tol := range []float64{-0.1, 30, 45} {
		cfg := testConfig(&testTarget)
		cfg.Tolerance = tol
		_, err := NewWithRotator(newFakeRotator(), &fakeModel{}, cfg)
		assert.ErrorIs(t, err, ErrInvalidTolerance, "tolerance %v", tol)
	}
}

func TestCatchUpThenOnSource(t *testing.T) {
	// Separations 3, 3, 1 with tolerance 2: two slews toward the
	// predicted position, then on source. Never off-tolerance.
	rot := newFakeRotator()
	model := &fakeModel{seps: []float64{3, 3, 1}, futureAz: 210, futureAlt: 50}
	trk, err := NewWithRotator(rot, model, testConfig(&testTarget))
	require.NoError(t, err)
	defer trk.End()

	waitPolls(t, rot, 4)
	assert.Equal(t, StateOnSource, trk.State())
	assert.True(t, trk.OnSource())
	assert.NoError(t, trk.Err())

	rot.mu.Lock()
	moves := append([]spid.Position(nil), rot.moves...)
	rot.mu.Unlock()
	require.Len(t, moves, 2)
	assert.Equal(t, spid.Position{Az: 210, El: 50}, moves[0])
}

func TestTrackingLost(t *testing.T) {
	// Two consecutive polls beyond twice the tolerance terminate the
	// loop without ever commanding a move.
	rot := newFakeRotator()
	model := &fakeModel{seps: []float64{6, 6}}
	trk, err := NewWithRotator(rot, model, testConfig(&testTarget))
	require.NoError(t, err)

	waitDone(t, trk)
	assert.ErrorIs(t, trk.Err(), ErrTrackingLost)
	assert.Equal(t, StateTerminated, trk.State())
	assert.False(t, trk.OnSource())
	assert.Zero(t, rot.moveCount())
	assert.Equal(t, 1, rot.closeCount(), "link not released exactly once")
}

func TestOffToleranceRecovers(t *testing.T) {
	// A single bad poll does not kill tracking if the next one is back
	// within tolerance.
	rot := newFakeRotator()
	model := &fakeModel{seps: []float64{6, 1, 1}}
	trk, err := NewWithRotator(rot, model, testConfig(&testTarget))
	require.NoError(t, err)
	defer trk.End()

	waitPolls(t, rot, 3)
	assert.Equal(t, StateOnSource, trk.State())
	assert.NoError(t, trk.Err())
}

func TestTargetSet(t *testing.T) {
	// Predicted altitude at or below the horizon terminates on that
	// tick, before any move is sent.
	rot := newFakeRotator()
	model := &fakeModel{seps: []float64{3}, futureAz: 80, futureAlt: -1}
	trk, err := NewWithRotator(rot, model, testConfig(&testTarget))
	require.NoError(t, err)

	waitDone(t, trk)
	assert.ErrorIs(t, trk.Err(), ErrTargetSet)
	assert.Zero(t, rot.moveCount())
	assert.Equal(t, 1, rot.closeCount())
}

func TestLinkFailureTerminatesLoop(t *testing.T) {
	rot := newFakeRotator()
	rot.posErr = spid.ErrNoResponse
	trk, err := NewWithRotator(rot, &fakeModel{}, testConfig(&testTarget))
	require.NoError(t, err)

	waitDone(t, trk)
	assert.ErrorIs(t, trk.Err(), spid.ErrNoResponse)
	assert.Equal(t, StateTerminated, trk.State())
	assert.Equal(t, 1, rot.closeCount())
}

func TestLocationOnly(t *testing.T) {
	rot := newFakeRotator()
	rot.pos = spid.Position{Az: 120, El: 45}
	model := &fakeModel{galL: 123, galB: -45}
	trk, err := NewWithRotator(rot, model, testConfig(nil))
	require.NoError(t, err)

	waitPolls(t, rot, 1)
	assert.Equal(t, StateLocationOnly, trk.State())
	alt, az := trk.AltAz()
	assert.Equal(t, 45.0, alt)
	assert.Equal(t, 120.0, az)

	l, b := trk.Galactic()
	assert.Equal(t, 123.0, l)
	assert.Equal(t, -45.0, b)

	// Manual moves are allowed without a target.
	assert.True(t, trk.Move(30, 10))
	assert.Equal(t, 1, rot.moveCount())

	trk.End()
	assert.Equal(t, StateTerminated, trk.State())
	assert.NoError(t, trk.Err())
	assert.Equal(t, 1, rot.closeCount())

	// End is idempotent.
	trk.End()
	assert.Equal(t, 1, rot.closeCount())
}

func TestManualMoveRefusedWhileTracking(t *testing.T) {
	rot := newFakeRotator()
	model := &fakeModel{seps: []float64{1}}
	trk, err := NewWithRotator(rot, model, testConfig(&testTarget))
	require.NoError(t, err)
	defer trk.End()

	assert.False(t, trk.Move(30, 10))
}

func TestRADecQuery(t *testing.T) {
	rot := newFakeRotator()
	rot.pos = spid.Position{Az: 100, El: 50}
	model := &fakeModel{seps: []float64{4}}
	trk, err := NewWithRotator(rot, model, testConfig(nil))
	require.NoError(t, err)
	defer trk.End()

	waitPolls(t, rot, 1)
	got := trk.RADec()
	assert.Equal(t, astro.SkyCoord{RA: testTarget.RA + 4, Dec: testTarget.Dec}, got)

	// Queries are non-fatal while the loop keeps running.
	assert.NoError(t, trk.Err())
}

func TestErrorsAreDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrTargetSet, ErrTrackingLost))
	assert.False(t, errors.Is(ErrTrackingLost, ErrInvalidTolerance))
}
