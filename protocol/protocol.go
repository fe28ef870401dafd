// Package protocol implements the V-Sido CONNECT serial protocol
package protocol

import "fmt"

// Version represents the govsido driver version
const Version = "0.1.0"

// Frame layout: [ST][OP][LN][DATA...][SUM]
const (
	MarkerStart = 0xFF // ST, first byte of every frame

	PositionOp     = 1
	PositionLength = 2

	FrameHeaderSize  = 3 // ST + OP + LN
	FrameTrailerSize = 1 // SUM
	FrameLengthMin   = FrameHeaderSize + FrameTrailerSize
	FrameLengthMax   = 0xFF // LN is a single byte covering the whole frame

	// PayloadMax is the largest DATA section a frame can address
	PayloadMax = FrameLengthMax - FrameHeaderSize - FrameTrailerSize
)

// Command opcodes (OP byte). Values are the ASCII letters used by the firmware.
const (
	OpAngle        = 0x6f // 'o' target servo angles
	OpCompliance   = 0x63 // 'c' servo compliance
	OpMinMax       = 0x6d // 'm' servo angle limits
	OpServoInfo    = 0x64 // 'd' read servo memory
	OpFeedbackID   = 0x66 // 'f' select servos for feedback
	OpGetFeedback  = 0x72 // 'r' read feedback
	OpSetVIDValue  = 0x73 // 's' write VID
	OpGetVIDValue  = 0x67 // 'g' read VID
	OpWriteFlash   = 0x77 // 'w' persist VIDs to flash
	OpGPIO         = 0x69 // 'i' GPIO output
	OpPWM          = 0x70 // 'p' PWM pulse width
	OpCheckServo   = 0x6a // 'j' list connected servos
	OpIK           = 0x6b // 'k' inverse kinematics
	OpWalk         = 0x74 // 't' walk vector
	OpAcceleration = 0x61 // 'a' accelerometer
	OpAck          = 0x21 // '!' device acknowledgement
)

// AckStatusOK is the status byte of a successful acknowledgement
const AckStatusOK = 0x00

var opNames = map[byte]string{
	OpAngle:        "angle",
	OpCompliance:   "compliance",
	OpMinMax:       "min_max",
	OpServoInfo:    "servo_info",
	OpFeedbackID:   "feedback_id",
	OpGetFeedback:  "get_feedback",
	OpSetVIDValue:  "set_vid",
	OpGetVIDValue:  "get_vid",
	OpWriteFlash:   "write_flash",
	OpGPIO:         "gpio",
	OpPWM:          "pwm",
	OpCheckServo:   "check_servo",
	OpIK:           "ik",
	OpWalk:         "walk",
	OpAcceleration: "acceleration",
	OpAck:          "ack",
}

// OpName returns the symbolic name of an opcode, or its hex form if unknown
func OpName(op byte) string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("0x%02x", op)
}

// LookupOp resolves a symbolic opcode name
func LookupOp(name string) (byte, bool) {
	for op, n := range opNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}
