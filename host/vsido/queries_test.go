package vsido

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govsido/host/emulator"
	"govsido/protocol"
)

func TestGetServoInfo(t *testing.T) {
	c, dev := newTestClient(t, emulator.Options{Servos: []byte{3, 4}}, Options{})
	require.NoError(t, dev.SetServoMemory(3, 1, []byte{0x10, 0x20}))

	data, err := c.GetServoInfo(context.Background(), []ServoInfoRequest{
		{SID: 3, Address: 1, Length: 2},
		{SID: 4, Address: 0, Length: 3},
	})
	require.NoError(t, err)
	require.Len(t, data, 2)
	assert.Equal(t, ServoData{SID: 3, Address: 1, Length: 2, Data: []byte{0x10, 0x20}}, data[0])
	assert.Equal(t, ServoData{SID: 4, Address: 0, Length: 3, Data: []byte{4, 5, 6}}, data[1])
}

func TestServoFeedbackStride(t *testing.T) {
	c, dev := newTestClient(t, emulator.Options{Servos: []byte{1, 2, 3}}, Options{})
	ctx := context.Background()
	require.NoError(t, dev.SetServoMemory(2, 10, []byte{0xA1, 0xA2, 0xA3}))

	require.NoError(t, c.SetFeedbackID(ctx, []uint8{1, 2, 3}))
	data, err := c.GetServoFeedback(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, data, 3)

	for i, sid := range []uint8{1, 2, 3} {
		assert.Equal(t, sid, data[i].SID)
		assert.Equal(t, uint8(10), data[i].Address)
		assert.Len(t, data[i].Data, 3)
	}
	assert.Equal(t, []byte{0xA1, 0xA2, 0xA3}, data[1].Data)
	assert.Equal(t, []byte{13, 14, 15}, data[2].Data)
}

func TestVIDValues(t *testing.T) {
	c, dev := newTestClient(t, emulator.Options{PadVIDReply: true}, Options{})
	ctx := context.Background()

	require.NoError(t, c.SetVIDValue(ctx, []VIDValue{{VID: 10, Value: 0x42}, {VID: 11, Value: 0x43}}))
	values, err := c.GetVIDValue(ctx, []uint8{10, 11})
	require.NoError(t, err)
	assert.Equal(t, []VIDValue{{VID: 10, Value: 0x42}, {VID: 11, Value: 0x43}}, values)

	version, err := c.GetVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(emulator.DefaultFirmwareVersion), version)
	assert.Equal(t, byte(0x42), dev.VID(10))
}

func TestParseVID(t *testing.T) {
	tests := []struct {
		name  string
		vids  []uint8
		reply []byte
		want  []VIDValue
		ok    bool
	}{
		{"exact", []uint8{6, 7}, []byte{0x13, 0x88}, []VIDValue{{6, 0x13}, {7, 0x88}}, true},
		{"trailing zero", []uint8{254}, []byte{0x22, 0x00}, []VIDValue{{254, 0x22}}, true},
		{"trailing non-zero", []uint8{254}, []byte{0x22, 0x01}, nil, false},
		{"short", []uint8{6, 7}, []byte{0x13}, nil, false},
		{"two extra", []uint8{6}, []byte{0x13, 0x00, 0x00}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVID("get_vid_value", tt.vids, tt.reply)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidResponse)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseReplies(t *testing.T) {
	_, err := parseServoInfo("get_servo_info", []ServoInfoRequest{{SID: 1, Length: 2}}, []byte{0x02, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrInvalidResponse, "servo id mismatch")

	_, err = parseServoInfo("get_servo_info", []ServoInfoRequest{{SID: 1, Length: 4}}, []byte{0x01, 0x00})
	assert.ErrorIs(t, err, ErrInvalidResponse, "truncated")

	_, err = parseFeedback("get_servo_feedback", 0, 1, []byte{0x01})
	assert.ErrorIs(t, err, ErrInvalidResponse)

	_, err = parseIK("get_ik", []byte{ikFlagRead, 1, 100, 100})
	assert.ErrorIs(t, err, ErrInvalidResponse)

	got, err := parseIK("get_ik", []byte{ikFlagRead, 2, 90, 100, 150, 3, 100, 100, 100})
	require.NoError(t, err)
	assert.Equal(t, []IKTarget{{KID: 2, X: -10, Y: 0, Z: 50}, {KID: 3}}, got)
}

func TestPWM(t *testing.T) {
	c, dev := newTestClient(t, emulator.Options{AckWrites: true}, Options{AwaitAck: true})
	ctx := context.Background()

	// Power-up cycle is read on first use
	cycle, err := c.GetPWMCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, emulator.DefaultPWMCycle, cycle)

	require.NoError(t, c.SetPWMCycle(ctx, 16000))
	require.NoError(t, c.SetUsePWM(ctx, true))
	assert.Equal(t, byte(1), dev.VID(VIDUsePWM))
	// 16000 / 4 = 4000 = 0x0FA0
	assert.Equal(t, byte(0x0F), dev.VID(VIDPWMHigh))
	assert.Equal(t, byte(0xA0), dev.VID(VIDPWMLow))

	require.NoError(t, c.SetPWMPulseWidth(ctx, []PWMPulse{{IID: 6, Pulse: 15000}, {IID: 7, Pulse: 7500}}))
	assert.Equal(t, 7500, dev.PWMPulse(7))
	assert.Equal(t, 15000, dev.PWMPulse(6))

	err = c.SetPWMPulseWidth(ctx, []PWMPulse{{IID: 6, Pulse: 16004}})
	assert.ErrorIs(t, err, ErrInvalidParameter)
	err = c.SetPWMPulseWidth(ctx, []PWMPulse{{IID: 5, Pulse: 100}})
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestPWMCycleReadOnFirstPulse(t *testing.T) {
	c, dev := newTestClient(t, emulator.Options{}, Options{})

	require.NoError(t, c.SetPWMPulseWidth(context.Background(), []PWMPulse{{IID: 6, Pulse: 1000}}))
	received := dev.Received()
	var ops []byte
	for _, f := range received {
		ops = append(ops, f.Op())
	}
	// version, pwm cycle, pulse
	assert.Equal(t, []byte{protocol.OpGetVIDValue, protocol.OpGetVIDValue}, ops[:2])
	require.Eventually(t, func() bool { return dev.PWMPulse(6) == 1000 }, time.Second, time.Millisecond)
}

func TestIOModeAndGPIO(t *testing.T) {
	c, dev := newTestClient(t, emulator.Options{AckWrites: true}, Options{AwaitAck: true})
	ctx := context.Background()

	require.NoError(t, c.SetIOMode(ctx, []IOMode{{IID: 4, Mode: IOOutput}, {IID: 5, Mode: IOInput}, {IID: 6, Mode: IOOutput}}))
	// 2^3 + 2^5
	assert.Equal(t, byte(40), dev.VID(VIDIOMode))

	require.NoError(t, c.SetGPIO(ctx, []GPIO{{IID: 4, Value: 1}, {IID: 6, Value: 0}}))
	assert.Equal(t, byte(1), dev.GPIO(4))
}

func TestIK(t *testing.T) {
	c, dev := newTestClient(t, emulator.Options{}, Options{})
	ctx := context.Background()

	got, err := c.SetIK(ctx, []IKTarget{{KID: 2, X: 0, Y: 0, Z: 50}}, false)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = c.SetIK(ctx, []IKTarget{{KID: 3, X: -20, Y: 10, Z: 0}}, true)
	require.NoError(t, err)
	assert.Equal(t, []IKTarget{{KID: 3, X: -20, Y: 10, Z: 0}}, got)

	got, err = c.GetIK(ctx, []uint8{2, 3})
	require.NoError(t, err)
	assert.Equal(t, []IKTarget{{KID: 2, Z: 50}, {KID: 3, X: -20, Y: 10}}, got)

	received := dev.Received()
	last := received[len(received)-1]
	assert.Equal(t, []byte{ikFlagRead, 2, 3}, last.Payload(), "read flag sent")
}

func TestCheckConnectedServo(t *testing.T) {
	c, _ := newTestClient(t, emulator.Options{Servos: []byte{7, 6}}, Options{})

	servos, err := c.CheckConnectedServo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ServoConnection{{SID: 6, Time: 41}, {SID: 7, Time: 40}}, servos)
}

func TestGetAcceleration(t *testing.T) {
	c, dev := newTestClient(t, emulator.Options{}, Options{})
	dev.SetAcceleration(125, 158, 118)

	accel, err := c.GetAcceleration(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Acceleration{X: 125, Y: 158, Z: 118}, accel)

	dev.Registry().Register(protocol.OpAcceleration, func(data *[]byte) ([]byte, error) {
		return []byte{1, 2}, nil
	})
	_, err = c.GetAcceleration(context.Background())
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestConcurrentQueries(t *testing.T) {
	c, dev := newTestClient(t, emulator.Options{Servos: []byte{1}}, Options{})
	dev.SetAcceleration(10, 20, 30)
	ctx := context.Background()

	errs := make(chan error, 30)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := c.GetAcceleration(ctx)
			errs <- err
		}()
		go func() {
			_, err := c.GetVersion(ctx)
			errs <- err
		}()
		go func() {
			_, err := c.CheckConnectedServo(ctx)
			errs <- err
		}()
	}
	for i := 0; i < 30; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestRejectedQuerySurfacesDeviceError(t *testing.T) {
	c, dev := newTestClient(t, emulator.Options{}, Options{RequestTimeout: 2 * time.Second})

	dev.Registry().Register(protocol.OpAcceleration, func(data *[]byte) ([]byte, error) {
		return nil, errors.New("sensor offline")
	})
	start := time.Now()
	_, err := c.GetAcceleration(context.Background())
	var devErr *protocol.DeviceError
	require.True(t, errors.As(err, &devErr), "got %v", err)
	assert.Equal(t, byte(protocol.OpAcceleration), devErr.Op)
	assert.Equal(t, byte(emulator.StatusInvalid), devErr.Code)
	assert.False(t, errors.Is(err, protocol.ErrTimeout))
	assert.Less(t, time.Since(start), time.Second)

	dev.Registry().Unregister(protocol.OpCheckServo)
	_, err = c.CheckConnectedServo(context.Background())
	require.True(t, errors.As(err, &devErr), "got %v", err)
	assert.Equal(t, byte(emulator.StatusUnknown), devErr.Code)
}
