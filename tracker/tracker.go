// Package tracker keeps a SPID rotator pointed at a celestial target.
//
// Each Tracker runs one background polling loop that reads the current
// pointing, compares it against the target's predicted position and
// decides whether to move. Without a target it only publishes pointing.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/josephwkania/gospid/astro"
	"github.com/josephwkania/gospid/spid"
)

// Terminal tracking errors.
var (
	ErrInvalidTolerance = errors.New("tracker: tolerance must be in [0,30)")
	ErrTargetSet        = errors.New("tracker: target has set below the horizon")
	ErrTrackingLost     = errors.New("tracker: cannot converge on source")
)

// offSourceLimit caps consecutive polls with the pointing more than
// twice the tolerance off target. Repeatedly commanding large slews
// against a stuck or miscalibrated rotator helps nobody.
const offSourceLimit = 2

// DefaultCadence is the polling interval when none is configured.
const DefaultCadence = 30 * time.Second

// State is the controller's tracking state, owned by the polling loop.
type State int32

const (
	StateLocationOnly State = iota
	StateOnSource
	StateSlewing
	StateOffTolerance
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateLocationOnly:
		return "location-only"
	case StateOnSource:
		return "on-source"
	case StateSlewing:
		return "slewing"
	case StateOffTolerance:
		return "off-tolerance"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// Rotator is the subset of the rotator link the tracker drives.
// *spid.Link satisfies it.
type Rotator interface {
	Position() (spid.Position, error)
	MoveTo(az, el float64) bool
	Stop() error
	Close() error
}

// SkyModel is the coordinate collaborator: everything the tracker needs
// to relate horizontal pointing to the sky. astro.Observer satisfies it.
type SkyModel interface {
	Horizontal(c astro.SkyCoord, t time.Time) (az, alt float64)
	Equatorial(az, alt float64, t time.Time) astro.SkyCoord
	Galactic(az, alt float64, t time.Time) (l, b float64)
}

// Config configures a Tracker.
type Config struct {
	Observer astro.Observer
	// Target is the coordinate to track; nil runs in location-only
	// mode, publishing pointing without ever commanding a move.
	Target *astro.SkyCoord
	// Tolerance in degrees below which the antenna is on source.
	Tolerance float64
	// Cadence between loop evaluations.
	Cadence time.Duration
	// Link configures the serial connection opened by New.
	Link   spid.Config
	Logger logrus.FieldLogger
}

// Tracker drives a rotator toward a target and reports pointing.
type Tracker struct {
	log       logrus.FieldLogger
	rot       Rotator
	model     SkyModel
	target    *astro.SkyCoord
	tolerance float64
	cadence   time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	// Published pointing, last written by the loop. Readers may see a
	// value from the previous cycle.
	az, alt atomic.Uint64
	state   atomic.Int32

	mu  sync.Mutex
	err error
}

// New opens a rotator link per cfg.Link and starts the polling loop.
// Link failures propagate; an out-of-range tolerance fails with
// ErrInvalidTolerance before the port is touched.
func New(cfg Config) (*Tracker, error) {
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	link, err := spid.Open(cfg.Link)
	if err != nil {
		return nil, err
	}
	return start(link, cfg.Observer, cfg), nil
}

// NewWithRotator starts the polling loop against an already open
// rotator and sky model. The daemon's simulate mode uses this.
func NewWithRotator(rot Rotator, model SkyModel, cfg Config) (*Tracker, error) {
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return start(rot, model, cfg), nil
}

func validate(cfg *Config) error {
	if cfg.Tolerance < 0 || cfg.Tolerance >= 30 {
		return fmt.Errorf("%w: got %v", ErrInvalidTolerance, cfg.Tolerance)
	}
	if cfg.Cadence <= 0 {
		cfg.Cadence = DefaultCadence
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Link.Logger == nil {
		cfg.Link.Logger = cfg.Logger
	}
	return nil
}

func start(rot Rotator, model SkyModel, cfg Config) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		log:       cfg.Logger,
		rot:       rot,
		model:     model,
		target:    cfg.Target,
		tolerance: cfg.Tolerance,
		cadence:   cfg.Cadence,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if t.target == nil {
		t.state.Store(int32(StateLocationOnly))
	} else {
		t.state.Store(int32(StateSlewing))
	}
	go t.run(ctx)
	return t
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)
	var err error
	if t.target != nil {
		err = t.track(ctx)
	} else {
		err = t.updateLocation(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		t.log.Errorf("tracking stopped: %v", err)
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
	}
	t.setState(StateTerminated)
	// The loop owns the link; release it on every exit path.
	if cerr := t.rot.Close(); cerr != nil {
		t.log.Warnf("closing rotator link: %v", cerr)
	}
}

// track is the tracking loop: one evaluation per cadence tick.
func (t *Tracker) track(ctx context.Context) error {
	t.log.Infof("tracking RA %.3f Dec %.3f, tolerance %.1f deg, cadence %v",
		t.target.RA, t.target.Dec, t.tolerance, t.cadence)
	offSource := 0
	for {
		pos, err := t.rot.Position()
		if err != nil {
			return fmt.Errorf("reading rotator position: %w", err)
		}
		t.publish(pos.Az, pos.El)

		now := time.Now()
		pointing := t.model.Equatorial(pos.Az, pos.El, now)
		sep := astro.Separation(pointing, *t.target)
		t.log.Debugf("target separation %.2f deg", sep)

		switch {
		case sep <= t.tolerance:
			t.setState(StateOnSource)
			offSource = 0
		case sep <= 2*t.tolerance:
			// Command where the target will be one cadence from now;
			// slewing to its current position would always trail a
			// moving source.
			t.setState(StateSlewing)
			future := now.Add(t.cadence)
			az, alt := t.model.Horizontal(*t.target, future)
			if alt <= 0 {
				return fmt.Errorf("%w: altitude %.1f deg in %v", ErrTargetSet, alt, t.cadence)
			}
			t.log.Debugf("moving to az %.1f alt %.1f (target position in %v)", az, alt, t.cadence)
			if !t.rot.MoveTo(az, alt) {
				t.log.Warnf("rotator rejected move to az %.1f alt %.1f", az, alt)
			}
		default:
			t.setState(StateOffTolerance)
			offSource++
			t.log.Warnf("separation %.1f deg is over twice the tolerance (%d consecutive)", sep, offSource)
			if offSource >= offSourceLimit {
				return fmt.Errorf("%w: %d consecutive polls off tolerance", ErrTrackingLost, offSource)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.cadence):
		}
	}
}

// updateLocation publishes pointing without target logic.
func (t *Tracker) updateLocation(ctx context.Context) error {
	t.log.Info("no target given, updating location only")
	for {
		pos, err := t.rot.Position()
		if err != nil {
			return fmt.Errorf("reading rotator position: %w", err)
		}
		t.publish(pos.Az, pos.El)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.cadence):
		}
	}
}

func (t *Tracker) publish(az, alt float64) {
	t.az.Store(math.Float64bits(az))
	t.alt.Store(math.Float64bits(alt))
}

func (t *Tracker) setState(s State) {
	t.state.Store(int32(s))
}

// AltAz returns the last pointing the loop read from the rotator.
func (t *Tracker) AltAz() (alt, az float64) {
	return math.Float64frombits(t.alt.Load()), math.Float64frombits(t.az.Load())
}

// RADec returns the sky coordinate of the current pointing at the
// current wall-clock time.
func (t *Tracker) RADec() astro.SkyCoord {
	alt, az := t.AltAz()
	return t.model.Equatorial(az, alt, time.Now())
}

// Galactic returns the galactic longitude and latitude of the current
// pointing.
func (t *Tracker) Galactic() (l, b float64) {
	alt, az := t.AltAz()
	return t.model.Galactic(az, alt, time.Now())
}

// State returns the loop's current state.
func (t *Tracker) State() State {
	return State(t.state.Load())
}

// OnSource reports whether the pointing was within tolerance at the
// last evaluation.
func (t *Tracker) OnSource() bool {
	return t.State() == StateOnSource
}

// Err returns the fatal error that terminated the loop, if any.
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the loop has exited and the link is released.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Move forwards a manual move to the rotator. Refused while a tracking
// loop owns the pointing.
func (t *Tracker) Move(az, alt float64) bool {
	if t.target != nil {
		t.log.Warn("refusing manual move while tracking")
		return false
	}
	return t.rot.MoveTo(az, alt)
}

// Stop halts rotator motion. While tracking this only lasts until the
// next loop evaluation; End is the way to stop tracking for good.
func (t *Tracker) Stop() error {
	return t.rot.Stop()
}

// End signals the loop to stop at its next checkpoint, waits for it to
// exit and leaves the link closed. Idempotent.
func (t *Tracker) End() {
	t.cancel()
	<-t.done
}
