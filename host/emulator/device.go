// Package emulator is a software V-Sido CONNECT board. It speaks the wire
// protocol on any serial port, keeps a small model of servos, VIDs and sensors,
// and is used as the device double in tests and by vsido-host emulate.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"govsido/protocol"
)

// Ack status bytes sent by the emulator
const (
	StatusOK      = protocol.AckStatusOK
	StatusInvalid = 0x01 // malformed or out of range arguments
	StatusUnknown = 0x02 // opcode has no handler
)

// Board model sizes
const (
	ServoMemorySize = 54
	IKPartCount     = 16

	// DefaultFirmwareVersion is reported in VID 254
	DefaultFirmwareVersion = 0x22
	// DefaultPWMCycle is the PWM period in microseconds at power up
	DefaultPWMCycle = 20000
)

// IK flags (IKF byte)
const (
	IKFlagSet         = 0x01
	IKFlagRead        = 0x08
	IKFlagSetFeedback = 0x09
)

// VID numbers with special meaning
const (
	VIDIOMode   = 3
	VIDUsePWM   = 5
	VIDPWMHigh  = 6
	VIDPWMLow   = 7
	VIDVersion  = 254
	ikCoordBias = 100
)

var errInvalidArgument = errors.New("emulator: invalid argument")

// Options configures a Device
type Options struct {
	FirmwareVersion byte

	// AckWrites makes write commands answer with an ack frame
	AckWrites bool

	// PadVIDReply appends the stray zero byte some firmware adds to VID replies
	PadVIDReply bool

	// Servos lists the IDs reported as connected
	Servos []byte

	Logger         *zerolog.Logger
	ReadBufferSize int
}

// Servo is the emulated state of one servo
type Servo struct {
	SID           byte
	Angle         int // tenths of a degree
	CycleTime     int // milliseconds
	ComplianceCW  byte
	ComplianceCCW byte
	Min, Max      int // tenths of a degree
	ResponseTime  byte
	Memory        [ServoMemorySize]byte
}

// IKPosition is the emulated position of one IK part
type IKPosition struct {
	X, Y, Z int
}

// Device is an emulated board attached to a serial port
type Device struct {
	port     io.ReadWriteCloser
	opts     Options
	log      zerolog.Logger
	registry *CommandRegistry
	decoder  *protocol.Decoder

	writeMu sync.Mutex

	mu          sync.Mutex
	vids        [256]byte
	servos      map[byte]*Servo
	feedbackIDs []byte
	ik          [IKPartCount]IKPosition
	accel       [3]byte
	walk        [2]int
	gpio        map[byte]byte
	pwm         map[byte]int
	flashWrites int
	muted       map[byte]bool
	received    []protocol.Frame
}

// New creates a device on port. Call Run to start answering.
func New(port io.ReadWriteCloser, opts Options) *Device {
	if opts.FirmwareVersion == 0 {
		opts.FirmwareVersion = DefaultFirmwareVersion
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = protocol.DefaultReadBufferSize
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	d := &Device{
		port:     port,
		opts:     opts,
		log:      logger.With().Str("component", "emulator").Logger(),
		registry: NewCommandRegistry(),
		servos:   make(map[byte]*Servo),
		gpio:     make(map[byte]byte),
		pwm:      make(map[byte]int),
		muted:    make(map[byte]bool),
		accel:    [3]byte{128, 128, 128},
	}
	d.decoder = protocol.NewDecoder(func(reason error, candidate []byte) {
		d.log.Debug().Err(reason).Str("data", protocol.HexDump(candidate)).Msg("dropped bytes")
	})

	d.vids[VIDVersion] = opts.FirmwareVersion
	cycle := DefaultPWMCycle / 4
	d.vids[VIDPWMHigh] = byte(cycle / 256)
	d.vids[VIDPWMLow] = byte(cycle % 256)

	for i, sid := range opts.Servos {
		s := newServo(sid)
		s.ResponseTime = byte(40 + i)
		d.servos[sid] = s
	}

	d.registerCommands()
	return d
}

func newServo(sid byte) *Servo {
	s := &Servo{SID: sid, ComplianceCW: 1, ComplianceCCW: 1, Min: -1800, Max: 1800}
	for i := range s.Memory {
		s.Memory[i] = byte((int(sid) + i) % 0xFE)
	}
	return s
}

func (d *Device) registerCommands() {
	d.registry.Register(protocol.OpAngle, d.handleAngle)
	d.registry.Register(protocol.OpCompliance, d.handleCompliance)
	d.registry.Register(protocol.OpMinMax, d.handleMinMax)
	d.registry.Register(protocol.OpServoInfo, d.handleServoInfo)
	d.registry.Register(protocol.OpFeedbackID, d.handleFeedbackID)
	d.registry.Register(protocol.OpGetFeedback, d.handleGetFeedback)
	d.registry.Register(protocol.OpSetVIDValue, d.handleSetVID)
	d.registry.Register(protocol.OpGetVIDValue, d.handleGetVID)
	d.registry.Register(protocol.OpWriteFlash, d.handleWriteFlash)
	d.registry.Register(protocol.OpGPIO, d.handleGPIO)
	d.registry.Register(protocol.OpPWM, d.handlePWM)
	d.registry.Register(protocol.OpCheckServo, d.handleCheckServo)
	d.registry.Register(protocol.OpIK, d.handleIK)
	d.registry.Register(protocol.OpWalk, d.handleWalk)
	d.registry.Register(protocol.OpAcceleration, d.handleAcceleration)
}

// Registry exposes the command table, so tests can replace handlers
func (d *Device) Registry() *CommandRegistry {
	return d.registry
}

// Run answers requests until ctx is done or the port fails
func (d *Device) Run(ctx context.Context) error {
	buffer := make([]byte, d.opts.ReadBufferSize)
	d.log.Info().Int("servos", len(d.opts.Servos)).Bool("ack_writes", d.opts.AckWrites).Msg("emulator running")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := d.port.Read(buffer)
		for _, frame := range d.decoder.Feed(buffer[:n]) {
			d.handle(frame)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (d *Device) handle(frame protocol.Frame) {
	op := frame.Op()
	d.log.Debug().Str("frame", frame.String()).Msg("request")

	d.mu.Lock()
	d.received = append(d.received, frame)
	muted := d.muted[op]
	d.mu.Unlock()

	if muted {
		return
	}

	data := frame.Payload()
	reply, err := d.registry.Dispatch(op, &data)
	switch {
	case errors.Is(err, ErrUnknownCommand):
		d.log.Warn().Str("op", protocol.OpName(op)).Msg("unknown command")
		d.ack(StatusUnknown)
	case err != nil:
		d.log.Warn().Err(err).Str("op", protocol.OpName(op)).Msg("rejected command")
		d.ack(StatusInvalid)
	case reply != nil:
		if err := d.Emit(op, reply); err != nil {
			d.log.Error().Err(err).Msg("reply failed")
		}
	case d.opts.AckWrites:
		d.ack(StatusOK)
	}
}

func (d *Device) ack(status byte) {
	if err := d.Emit(protocol.OpAck, []byte{status}); err != nil {
		d.log.Error().Err(err).Msg("ack failed")
	}
}

// Emit writes a frame to the host, solicited or not
func (d *Device) Emit(op byte, payload []byte) error {
	msg, err := protocol.Encode(op, payload)
	if err != nil {
		return err
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err = d.port.Write(msg)
	return err
}

// SetMuted makes the device silently ignore op
func (d *Device) SetMuted(op byte, muted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted[op] = muted
}

// Received returns every frame the device decoded, in order
func (d *Device) Received() []protocol.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]protocol.Frame, len(d.received))
	copy(out, d.received)
	return out
}

// VID returns the current value of a VID
func (d *Device) VID(vid byte) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vids[vid]
}

// Servo returns a copy of the servo state
func (d *Device) Servo(sid byte) (Servo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.servos[sid]
	if !ok {
		return Servo{}, false
	}
	return *s, true
}

// SetServoMemory overwrites part of a connected servo's memory
func (d *Device) SetServoMemory(sid byte, address int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.servos[sid]
	if !ok {
		return fmt.Errorf("%w: servo %d not connected", errInvalidArgument, sid)
	}
	if address < 0 || address+len(data) > ServoMemorySize {
		return fmt.Errorf("%w: address %d+%d", errInvalidArgument, address, len(data))
	}
	copy(s.Memory[address:], data)
	return nil
}

// SetAcceleration sets the accelerometer reading
func (d *Device) SetAcceleration(x, y, z byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accel = [3]byte{x, y, z}
}

// IK returns the position of an IK part
func (d *Device) IK(kid byte) IKPosition {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ik[kid%IKPartCount]
}

// Walk returns the last walk vector
func (d *Device) Walk() (forward, turnCW int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.walk[0], d.walk[1]
}

// GPIO returns the last value written to a pin
func (d *Device) GPIO(iid byte) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gpio[iid]
}

// PWMPulse returns the pulse width of a pin in microseconds
func (d *Device) PWMPulse(iid byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pwm[iid]
}

// FlashWrites counts write flash requests
func (d *Device) FlashWrites() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flashWrites
}

// FeedbackIDs returns the servos selected for feedback
func (d *Device) FeedbackIDs() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.feedbackIDs...)
}

// servo returns the state for sid, creating it on first use.
// Must be called with mu held.
func (d *Device) servo(sid byte) *Servo {
	s, ok := d.servos[sid]
	if !ok {
		s = newServo(sid)
		d.servos[sid] = s
	}
	return s
}

func readByte(data *[]byte) (byte, error) {
	if len(*data) == 0 {
		return 0, fmt.Errorf("%w: short payload", errInvalidArgument)
	}
	b := (*data)[0]
	*data = (*data)[1:]
	return b, nil
}

func readRecord(data *[]byte, size int) ([]byte, error) {
	if len(*data) < size {
		return nil, fmt.Errorf("%w: truncated %d byte record", errInvalidArgument, size)
	}
	rec := (*data)[:size]
	*data = (*data)[size:]
	return rec, nil
}

func (d *Device) handleAngle(data *[]byte) ([]byte, error) {
	cycle, err := readByte(data)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(*data) > 0 {
		sid, err := readByte(data)
		if err != nil {
			return nil, err
		}
		angle, err := protocol.ReadInt16(data)
		if err != nil {
			return nil, err
		}
		s := d.servo(sid)
		s.Angle = angle
		s.CycleTime = int(cycle) * 10
	}
	return nil, nil
}

func (d *Device) handleCompliance(data *[]byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(*data) > 0 {
		rec, err := readRecord(data, 3)
		if err != nil {
			return nil, err
		}
		s := d.servo(rec[0])
		s.ComplianceCW = rec[1]
		s.ComplianceCCW = rec[2]
	}
	return nil, nil
}

func (d *Device) handleMinMax(data *[]byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(*data) > 0 {
		sid, err := readByte(data)
		if err != nil {
			return nil, err
		}
		lo, err := protocol.ReadInt16(data)
		if err != nil {
			return nil, err
		}
		hi, err := protocol.ReadInt16(data)
		if err != nil {
			return nil, err
		}
		s := d.servo(sid)
		s.Min, s.Max = lo, hi
	}
	return nil, nil
}

// servoMemory returns length bytes of servo memory from address.
// Must be called with mu held.
func (d *Device) servoMemory(sid byte, address, length int) ([]byte, error) {
	if address+length > ServoMemorySize {
		return nil, fmt.Errorf("%w: address %d length %d", errInvalidArgument, address, length)
	}
	if s, ok := d.servos[sid]; ok {
		return s.Memory[address : address+length], nil
	}
	return make([]byte, length), nil
}

func (d *Device) handleServoInfo(data *[]byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reply := []byte{}
	for len(*data) > 0 {
		rec, err := readRecord(data, 3)
		if err != nil {
			return nil, err
		}
		mem, err := d.servoMemory(rec[0], int(rec[1]), int(rec[2]))
		if err != nil {
			return nil, err
		}
		reply = append(reply, rec[0])
		reply = append(reply, mem...)
	}
	return reply, nil
}

func (d *Device) handleFeedbackID(data *[]byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.feedbackIDs = append(d.feedbackIDs[:0], *data...)
	*data = nil
	return nil, nil
}

func (d *Device) handleGetFeedback(data *[]byte) ([]byte, error) {
	rec, err := readRecord(data, 2)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	reply := []byte{}
	for _, sid := range d.feedbackIDs {
		mem, err := d.servoMemory(sid, int(rec[0]), int(rec[1]))
		if err != nil {
			return nil, err
		}
		reply = append(reply, sid)
		reply = append(reply, mem...)
	}
	return reply, nil
}

func (d *Device) handleSetVID(data *[]byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(*data) > 0 {
		rec, err := readRecord(data, 2)
		if err != nil {
			return nil, err
		}
		if rec[0] == VIDVersion {
			continue
		}
		d.vids[rec[0]] = rec[1]
	}
	return nil, nil
}

func (d *Device) handleGetVID(data *[]byte) ([]byte, error) {
	if len(*data) == 0 {
		return nil, fmt.Errorf("%w: no VIDs requested", errInvalidArgument)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	reply := make([]byte, 0, len(*data)+1)
	for _, vid := range *data {
		reply = append(reply, d.vids[vid])
	}
	*data = nil
	if d.opts.PadVIDReply {
		reply = append(reply, 0x00)
	}
	return reply, nil
}

func (d *Device) handleWriteFlash(data *[]byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flashWrites++
	return nil, nil
}

func (d *Device) handleGPIO(data *[]byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(*data) > 0 {
		rec, err := readRecord(data, 2)
		if err != nil {
			return nil, err
		}
		d.gpio[rec[0]] = rec[1]
	}
	return nil, nil
}

func (d *Device) handlePWM(data *[]byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(*data) > 0 {
		iid, err := readByte(data)
		if err != nil {
			return nil, err
		}
		pulse, err := protocol.ReadInt16(data)
		if err != nil {
			return nil, err
		}
		d.pwm[iid] = pulse * 4
	}
	return nil, nil
}

func (d *Device) handleCheckServo(data *[]byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sids := make([]int, 0, len(d.opts.Servos))
	for _, sid := range d.opts.Servos {
		sids = append(sids, int(sid))
	}
	sort.Ints(sids)

	reply := []byte{}
	for _, sid := range sids {
		reply = append(reply, byte(sid), d.servos[byte(sid)].ResponseTime)
	}
	return reply, nil
}

func (d *Device) handleIK(data *[]byte) ([]byte, error) {
	flag, err := readByte(data)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch flag {
	case IKFlagRead:
		reply := []byte{flag}
		for len(*data) > 0 {
			kid, _ := readByte(data)
			reply = d.appendIK(reply, kid)
		}
		return reply, nil

	case IKFlagSet, IKFlagSetFeedback:
		reply := []byte{flag}
		for len(*data) > 0 {
			rec, err := readRecord(data, 4)
			if err != nil {
				return nil, err
			}
			kid := rec[0] % IKPartCount
			d.ik[kid] = IKPosition{
				X: int(rec[1]) - ikCoordBias,
				Y: int(rec[2]) - ikCoordBias,
				Z: int(rec[3]) - ikCoordBias,
			}
			reply = d.appendIK(reply, kid)
		}
		if flag == IKFlagSet {
			return nil, nil
		}
		return reply, nil

	default:
		return nil, fmt.Errorf("%w: IK flag 0x%02x", errInvalidArgument, flag)
	}
}

// appendIK appends [kid x y z] for one part. Must be called with mu held.
func (d *Device) appendIK(reply []byte, kid byte) []byte {
	p := d.ik[kid%IKPartCount]
	return append(reply, kid,
		byte(p.X+ikCoordBias),
		byte(p.Y+ikCoordBias),
		byte(p.Z+ikCoordBias))
}

func (d *Device) handleWalk(data *[]byte) ([]byte, error) {
	rec, err := readRecord(data, 4)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.walk = [2]int{int(rec[2]) - 100, int(rec[3]) - 100}
	return nil, nil
}

func (d *Device) handleAcceleration(data *[]byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return []byte{d.accel[0], d.accel[1], d.accel[2]}, nil
}
