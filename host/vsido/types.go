package vsido

// ServoAngle is a target angle for one servo, in degrees
type ServoAngle struct {
	SID   uint8
	Angle float64
}

// Compliance sets the compliance slopes of one servo
type Compliance struct {
	SID uint8
	CW  uint8
	CCW uint8
}

// MinMax limits the travel of one servo, in degrees
type MinMax struct {
	SID uint8
	Min float64
	Max float64
}

// ServoInfoRequest selects a range of servo memory
type ServoInfoRequest struct {
	SID     uint8
	Address uint8
	Length  uint8
}

// ServoData is servo memory read back from the board
type ServoData struct {
	SID     uint8
	Address uint8
	Length  uint8
	Data    []byte
}

// VIDValue is one board setting
type VIDValue struct {
	VID   uint8
	Value uint8
}

// GPIO pin modes
const (
	IOInput  = 0
	IOOutput = 1
)

// IOMode selects input or output for a GPIO pin
type IOMode struct {
	IID  uint8
	Mode uint8
}

// GPIO is an output level for a GPIO pin
type GPIO struct {
	IID   uint8
	Value uint8
}

// PWMPulse is a pulse width for a PWM pin, in microseconds
type PWMPulse struct {
	IID   uint8
	Pulse int
}

// ServoConnection is a servo found by CheckConnectedServo
type ServoConnection struct {
	SID uint8
	// Time until the servo answered, in microseconds
	Time uint8
}

// IKTarget is the position of one IK part
type IKTarget struct {
	KID     uint8
	X, Y, Z int
}

// Acceleration is a raw accelerometer reading, 1..253 per axis
type Acceleration struct {
	X, Y, Z uint8
}
