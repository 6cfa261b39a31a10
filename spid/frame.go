package spid

import (
	"fmt"
	"math"
)

// Wire protocol constants for the Rot2Prog ("SPID") controller family.
// Byte values and offsets are fixed by the MD-01/MD-02 firmware and must
// be reproduced exactly.
const (
	frameLead = 0x57 // 'W'
	frameEnd  = 0x20 // ' '

	cmdStop   = 0x0F
	cmdStatus = 0x1F
	cmdMove   = 0x2F

	// Commands are 13 bytes: lead, 10 payload bytes, function code,
	// terminator. Status responses are 12 bytes.
	commandLen = 13
	statusLen  = 12
)

// DefaultAzOffset and DefaultElOffset are the frame offsets the
// controller adds to each axis before encoding. The azimuth bias is
// twice the advertised 0=360 reference; empirically confirmed against
// MD-01 firmware, origin unknown.
const (
	DefaultAzOffset = 720.0
	DefaultElOffset = 360.0
)

// StatusFrame is one raw 12-byte controller response. Byte 0 echoes the
// lead byte, bytes 1-4 and 6-9 are ASCII position digits, bytes 5 and 10
// are the per-axis multipliers, byte 11 is the terminator.
type StatusFrame [statusLen]byte

// Multipliers returns the per-axis scale factors carried in the frame.
// The controller reports them in every response but they never change,
// so the link reads them once at init.
func (f StatusFrame) Multipliers() (az, el int, err error) {
	az, el = int(f[5]), int(f[10])
	if az < 1 || el < 1 {
		return 0, 0, fmt.Errorf("bad axis multipliers az=%d el=%d", az, el)
	}
	return az, el, nil
}

// Position is a decoded rotator pointing in degrees.
type Position struct {
	Az float64
	El float64
}

func digitsToValue(raw []byte) (int, error) {
	v := 0
	for _, b := range raw {
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("bad position digit 0x%02x", b)
		}
		v = v*10 + int(b-'0')
	}
	return v, nil
}

func putDigits(dst []byte, v int) {
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = byte('0' + v%10)
		v /= 10
	}
}

// decodePosition converts a status frame to degrees using the stored
// multipliers and removes the controller's frame offsets.
func decodePosition(f StatusFrame, azMult, elMult int, azOffset, elOffset float64) (Position, error) {
	az, err := digitsToValue(f[1:5])
	if err != nil {
		return Position{}, fmt.Errorf("azimuth field: %w", err)
	}
	el, err := digitsToValue(f[6:10])
	if err != nil {
		return Position{}, fmt.Errorf("elevation field: %w", err)
	}
	return Position{
		Az: float64(az)/float64(azMult) - azOffset,
		El: float64(el)/float64(elMult) - elOffset,
	}, nil
}

// commandFrame builds a request with an all-zero payload (status and
// stop requests carry no position).
func commandFrame(code byte) []byte {
	f := make([]byte, commandLen)
	f[0] = frameLead
	f[11] = code
	f[12] = frameEnd
	return f
}

// scaleAxis offsets a degree value into the controller's reference and
// scales it by the axis multiplier. The position fields hold four
// digits, so the scaled value caps out at 9999; with multiplier 10 and
// the standard azimuth offset that ceiling sits at 279.9 degrees.
// Truncating instead would command a wildly wrong position.
func scaleAxis(deg float64, mult int, offset float64) (int, error) {
	v := int(math.Round((deg + offset) * float64(mult)))
	if v < 0 || v > 9999 {
		return 0, fmt.Errorf("scaled axis value %d for %.1f deg does not fit four digits", v, deg)
	}
	return v, nil
}

// encodeMove builds a move command for the given target in degrees.
// Each axis is offset back into the controller's reference, scaled by
// its multiplier and rendered as four zero-padded ASCII digits.
func encodeMove(az, el float64, azMult, elMult int, azOffset, elOffset float64) ([]byte, error) {
	azVal, err := scaleAxis(az, azMult, azOffset)
	if err != nil {
		return nil, fmt.Errorf("azimuth: %w", err)
	}
	elVal, err := scaleAxis(el, elMult, elOffset)
	if err != nil {
		return nil, fmt.Errorf("elevation: %w", err)
	}
	f := make([]byte, commandLen)
	f[0] = frameLead
	putDigits(f[1:5], azVal)
	f[5] = byte(azMult)
	putDigits(f[6:10], elVal)
	f[10] = byte(elMult)
	f[11] = cmdMove
	f[12] = frameEnd
	return f, nil
}

// encodeStatus renders a pointing as a 12-byte status response. The
// link never sends these; the simulator and tests do.
func encodeStatus(az, el float64, azMult, elMult int, azOffset, elOffset float64) ([]byte, error) {
	azVal, err := scaleAxis(az, azMult, azOffset)
	if err != nil {
		return nil, fmt.Errorf("azimuth: %w", err)
	}
	elVal, err := scaleAxis(el, elMult, elOffset)
	if err != nil {
		return nil, fmt.Errorf("elevation: %w", err)
	}
	f := make([]byte, statusLen)
	f[0] = frameLead
	putDigits(f[1:5], azVal)
	f[5] = byte(azMult)
	putDigits(f[6:10], elVal)
	f[10] = byte(elMult)
	f[11] = frameEnd
	return f, nil
}
