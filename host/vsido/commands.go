package vsido

import (
	"context"
	"fmt"
	"math"
	"time"

	"govsido/protocol"
)

// Argument limits accepted by the firmware
const (
	MaxCycleTime   = 1000 * time.Millisecond
	MaxAngle       = 180.0
	MaxServoID     = 254
	MaxVIDValue    = 254
	MaxServoMemory = 53
	MaxReadLength  = 54
	MaxIKPart      = 15
	MaxIKCoord     = 100
	MaxWalk        = 100
	MinPWMCycle    = 4
	MaxPWMCycle    = 65536
)

// VIDs used by the convenience setters
const (
	VIDIOMode   = 3
	VIDUsePWM   = 5
	VIDPWMHigh  = 6
	VIDPWMLow   = 7
	VIDVersion  = 254
	walkAddress = 0x00
	walkLength  = 0x02
	ikBias      = 100
)

// IK flags (IKF byte)
const (
	ikFlagSet         = 0x01
	ikFlagRead        = 0x08
	ikFlagSetFeedback = 0x09
)

// payload accumulates command arguments
type payload struct {
	name string
	out  *protocol.ScratchOutput
}

func newPayload(name string) *payload {
	return &payload{name: name, out: protocol.NewScratchOutput()}
}

func (p *payload) bytes(b ...byte) {
	p.out.Output(b)
}

// tenths packs an angle in degrees with 0.1 degree resolution
func (p *payload) tenths(deg float64) error {
	return p.int16(int(math.Round(deg * 10)))
}

func (p *payload) int16(v int) error {
	if err := protocol.AppendInt16(p.out, v); err != nil {
		return invalidParameter(p.name, "%d does not fit in 2 bytes", v)
	}
	return nil
}

func (p *payload) result() ([]byte, error) {
	if p.out.Overflowed() || p.out.CurPosition() > protocol.PayloadMax {
		return nil, fmt.Errorf("vsido: %s: %w", p.name, protocol.ErrPayloadTooLarge)
	}
	return p.out.Result(), nil
}

// SetServoAngle moves servos to target angles over cycle, rounded to 10ms
func (c *Client) SetServoAngle(ctx context.Context, angles []ServoAngle, cycle time.Duration) error {
	const name = "set_servo_angle"
	if cycle < 0 || cycle > MaxCycleTime {
		return invalidParameter(name, "cycle %v out of range 0..%v", cycle, MaxCycleTime)
	}

	p := newPayload(name)
	p.bytes(byte(math.Round(float64(cycle.Milliseconds()) / 10)))
	for _, a := range angles {
		if a.SID < 1 || a.SID > MaxServoID {
			return invalidParameter(name, "sid %d out of range 1..%d", a.SID, MaxServoID)
		}
		if a.Angle < -MaxAngle || a.Angle > MaxAngle {
			return invalidParameter(name, "angle %.1f out of range", a.Angle)
		}
		p.bytes(a.SID)
		if err := p.tenths(a.Angle); err != nil {
			return err
		}
	}

	data, err := p.result()
	if err != nil {
		return err
	}
	return c.write(ctx, name, protocol.OpAngle, data)
}

// SetServoCompliance sets the compliance slopes of servos
func (c *Client) SetServoCompliance(ctx context.Context, compliance []Compliance) error {
	const name = "set_servo_compliance"
	p := newPayload(name)
	for _, cp := range compliance {
		if cp.SID < 1 || cp.SID > MaxServoID {
			return invalidParameter(name, "sid %d out of range 1..%d", cp.SID, MaxServoID)
		}
		if cp.CW < 1 || cp.CW > 254 || cp.CCW < 1 || cp.CCW > 254 {
			return invalidParameter(name, "slopes %d/%d out of range 1..254", cp.CW, cp.CCW)
		}
		p.bytes(cp.SID, cp.CW, cp.CCW)
	}

	data, err := p.result()
	if err != nil {
		return err
	}
	return c.write(ctx, name, protocol.OpCompliance, data)
}

// SetServoMinMax limits the travel of servos
func (c *Client) SetServoMinMax(ctx context.Context, limits []MinMax) error {
	const name = "set_servo_min_max"
	p := newPayload(name)
	for _, l := range limits {
		if l.SID > MaxServoID {
			return invalidParameter(name, "sid %d out of range 0..%d", l.SID, MaxServoID)
		}
		if l.Min < -MaxAngle || l.Min > MaxAngle || l.Max < -MaxAngle || l.Max > MaxAngle {
			return invalidParameter(name, "limits %.1f..%.1f out of range", l.Min, l.Max)
		}
		if l.Max < l.Min {
			return invalidParameter(name, "max %.1f below min %.1f", l.Max, l.Min)
		}
		p.bytes(l.SID)
		if err := p.tenths(l.Min); err != nil {
			return err
		}
		if err := p.tenths(l.Max); err != nil {
			return err
		}
	}

	data, err := p.result()
	if err != nil {
		return err
	}
	return c.write(ctx, name, protocol.OpMinMax, data)
}

// SetFeedbackID selects the servos reported by GetServoFeedback
func (c *Client) SetFeedbackID(ctx context.Context, sids []uint8) error {
	const name = "set_feedback_id"
	p := newPayload(name)
	for _, sid := range sids {
		if sid > MaxServoID {
			return invalidParameter(name, "sid %d out of range 0..%d", sid, MaxServoID)
		}
		p.bytes(sid)
	}

	data, err := p.result()
	if err != nil {
		return err
	}
	return c.write(ctx, name, protocol.OpFeedbackID, data)
}

// SetVIDValue writes board settings. Use WriteFlash to persist them.
func (c *Client) SetVIDValue(ctx context.Context, values []VIDValue) error {
	const name = "set_vid_value"
	p := newPayload(name)
	for _, v := range values {
		if v.VID > MaxVIDValue || v.Value > MaxVIDValue {
			return invalidParameter(name, "vid %d value %d out of range 0..%d", v.VID, v.Value, MaxVIDValue)
		}
		p.bytes(v.VID, v.Value)
	}

	data, err := p.result()
	if err != nil {
		return err
	}
	return c.write(ctx, name, protocol.OpSetVIDValue, data)
}

// SetIOMode configures GPIO pins 4 to 7 as inputs or outputs. Pins not
// listed become inputs.
func (c *Client) SetIOMode(ctx context.Context, modes []IOMode) error {
	const name = "set_io_mode"
	var mask int
	for _, m := range modes {
		if m.IID < 4 || m.IID > 7 {
			return invalidParameter(name, "iid %d out of range 4..7", m.IID)
		}
		if m.Mode != IOInput && m.Mode != IOOutput {
			return invalidParameter(name, "mode %d is neither input nor output", m.Mode)
		}
		mask += (1 << (m.IID - 1)) * int(m.Mode)
	}
	return c.SetVIDValue(ctx, []VIDValue{{VID: VIDIOMode, Value: uint8(mask)}})
}

// SetUsePWM switches GPIO pins 6 and 7 between GPIO and PWM output
func (c *Client) SetUsePWM(ctx context.Context, use bool) error {
	value := uint8(0)
	if use {
		value = 1
	}
	if err := c.SetVIDValue(ctx, []VIDValue{{VID: VIDUsePWM, Value: value}}); err != nil {
		return err
	}
	if use && c.knownPWMCycle() == 0 {
		_, err := c.GetPWMCycle(ctx)
		return err
	}
	return nil
}

// SetPWMCycle sets the PWM period in microseconds, with 4us resolution
func (c *Client) SetPWMCycle(ctx context.Context, cycle int) error {
	const name = "set_pwm_cycle"
	if cycle < MinPWMCycle || cycle > MaxPWMCycle {
		return invalidParameter(name, "cycle %d out of range %d..%d", cycle, MinPWMCycle, MaxPWMCycle)
	}
	units := int(math.Round(float64(cycle) / 4))
	err := c.SetVIDValue(ctx, []VIDValue{
		{VID: VIDPWMHigh, Value: uint8(units / 256)},
		{VID: VIDPWMLow, Value: uint8(units % 256)},
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pwmCycle = cycle
	c.mu.Unlock()
	return nil
}

// WriteFlash persists the current VID settings
func (c *Client) WriteFlash(ctx context.Context) error {
	return c.write(ctx, "write_flash", protocol.OpWriteFlash, nil)
}

// SetGPIO drives output pins 4 to 7. The pins must be outputs, see SetIOMode.
func (c *Client) SetGPIO(ctx context.Context, pins []GPIO) error {
	const name = "set_gpio"
	p := newPayload(name)
	for _, g := range pins {
		if g.IID < 4 || g.IID > 7 {
			return invalidParameter(name, "iid %d out of range 4..7", g.IID)
		}
		if g.Value > 1 {
			return invalidParameter(name, "value %d is neither low nor high", g.Value)
		}
		p.bytes(g.IID, g.Value)
	}

	data, err := p.result()
	if err != nil {
		return err
	}
	return c.write(ctx, name, protocol.OpGPIO, data)
}

// SetPWMPulseWidth sets pulse widths on pins 6 and 7. Pulses may not exceed
// the PWM cycle, which is read from the board the first time.
func (c *Client) SetPWMPulseWidth(ctx context.Context, pulses []PWMPulse) error {
	const name = "set_pwm_pulse_width"
	cycle := c.knownPWMCycle()
	if cycle == 0 {
		var err error
		if cycle, err = c.GetPWMCycle(ctx); err != nil {
			return err
		}
	}

	p := newPayload(name)
	for _, pw := range pulses {
		if pw.IID != 6 && pw.IID != 7 {
			return invalidParameter(name, "iid %d is not a PWM pin", pw.IID)
		}
		if pw.Pulse < 0 || pw.Pulse > cycle {
			return invalidParameter(name, "pulse %d out of range 0..%d", pw.Pulse, cycle)
		}
		p.bytes(pw.IID)
		if err := p.int16(int(math.Round(float64(pw.Pulse) / 4))); err != nil {
			return err
		}
	}

	data, err := p.result()
	if err != nil {
		return err
	}
	return c.write(ctx, name, protocol.OpPWM, data)
}

// SetIK positions IK parts. With feedback the board answers with the
// resulting positions, otherwise the returned slice is nil.
func (c *Client) SetIK(ctx context.Context, targets []IKTarget, feedback bool) ([]IKTarget, error) {
	const name = "set_ik"
	p := newPayload(name)
	if feedback {
		p.bytes(ikFlagSetFeedback)
	} else {
		p.bytes(ikFlagSet)
	}
	for _, t := range targets {
		if t.KID > MaxIKPart {
			return nil, invalidParameter(name, "kid %d out of range 0..%d", t.KID, MaxIKPart)
		}
		for _, v := range []int{t.X, t.Y, t.Z} {
			if v < -MaxIKCoord || v > MaxIKCoord {
				return nil, invalidParameter(name, "coordinate %d out of range -%d..%d", v, MaxIKCoord, MaxIKCoord)
			}
		}
		p.bytes(t.KID, byte(t.X+ikBias), byte(t.Y+ikBias), byte(t.Z+ikBias))
	}

	data, err := p.result()
	if err != nil {
		return nil, err
	}
	if !feedback {
		return nil, c.write(ctx, name, protocol.OpIK, data)
	}
	reply, err := c.query(ctx, name, protocol.OpIK, data)
	if err != nil {
		return nil, err
	}
	return parseIK(name, reply)
}

// Walk sets the walking vector. The robot stops about three seconds after
// the last walk command.
func (c *Client) Walk(ctx context.Context, forward, turnCW int) error {
	const name = "walk"
	if forward < -MaxWalk || forward > MaxWalk || turnCW < -MaxWalk || turnCW > MaxWalk {
		return invalidParameter(name, "vector %d/%d out of range -%d..%d", forward, turnCW, MaxWalk, MaxWalk)
	}
	data := []byte{walkAddress, walkLength, byte(forward + 100), byte(turnCW + 100)}
	return c.write(ctx, name, protocol.OpWalk, data)
}

func (c *Client) knownPWMCycle() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pwmCycle
}
