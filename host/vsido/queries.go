package vsido

import (
	"context"

	"govsido/protocol"
)

// GetServoInfo reads servo memory. The result follows the order of reqs.
func (c *Client) GetServoInfo(ctx context.Context, reqs []ServoInfoRequest) ([]ServoData, error) {
	const name = "get_servo_info"
	if len(reqs) == 0 {
		return nil, invalidParameter(name, "no servos requested")
	}
	p := newPayload(name)
	for _, r := range reqs {
		if r.SID > MaxServoID {
			return nil, invalidParameter(name, "sid %d out of range 0..%d", r.SID, MaxServoID)
		}
		if r.Address > MaxServoMemory {
			return nil, invalidParameter(name, "address %d out of range 0..%d", r.Address, MaxServoMemory)
		}
		if r.Length < 1 || r.Length > MaxReadLength {
			return nil, invalidParameter(name, "length %d out of range 1..%d", r.Length, MaxReadLength)
		}
		p.bytes(r.SID, r.Address, r.Length)
	}

	data, err := p.result()
	if err != nil {
		return nil, err
	}
	reply, err := c.query(ctx, name, protocol.OpServoInfo, data)
	if err != nil {
		return nil, err
	}
	return parseServoInfo(name, reqs, reply)
}

func parseServoInfo(name string, reqs []ServoInfoRequest, reply []byte) ([]ServoData, error) {
	if len(reply) < 2 {
		return nil, invalidResponse(name, "reply of %d bytes", len(reply))
	}
	out := make([]ServoData, 0, len(reqs))
	pos := 0
	for _, r := range reqs {
		end := pos + 1 + int(r.Length)
		if end > len(reply) {
			return nil, invalidResponse(name, "reply truncated at servo %d", r.SID)
		}
		if reply[pos] != r.SID {
			return nil, invalidResponse(name, "expected servo %d, got %d", r.SID, reply[pos])
		}
		out = append(out, ServoData{
			SID:     r.SID,
			Address: r.Address,
			Length:  r.Length,
			Data:    append([]byte(nil), reply[pos+1:end]...),
		})
		pos = end
	}
	return out, nil
}

// GetServoFeedback reads the same memory range from every servo selected
// with SetFeedbackID
func (c *Client) GetServoFeedback(ctx context.Context, address, length uint8) ([]ServoData, error) {
	const name = "get_servo_feedback"
	if address > MaxServoMemory {
		return nil, invalidParameter(name, "address %d out of range 0..%d", address, MaxServoMemory)
	}
	if length < 1 || length > MaxReadLength {
		return nil, invalidParameter(name, "length %d out of range 1..%d", length, MaxReadLength)
	}

	reply, err := c.query(ctx, name, protocol.OpGetFeedback, []byte{address, length})
	if err != nil {
		return nil, err
	}
	return parseFeedback(name, address, length, reply)
}

// parseFeedback splits a reply of [SID][DATA x length] records
func parseFeedback(name string, address, length uint8, reply []byte) ([]ServoData, error) {
	if len(reply) < 2 {
		return nil, invalidResponse(name, "reply of %d bytes", len(reply))
	}
	stride := int(length) + 1
	count := len(reply) / stride
	out := make([]ServoData, 0, count)
	for i := 0; i < count; i++ {
		rec := reply[i*stride : (i+1)*stride]
		out = append(out, ServoData{
			SID:     rec[0],
			Address: address,
			Length:  length,
			Data:    append([]byte(nil), rec[1:]...),
		})
	}
	return out, nil
}

// GetVIDValue reads board settings. The result follows the order of vids.
func (c *Client) GetVIDValue(ctx context.Context, vids []uint8) ([]VIDValue, error) {
	const name = "get_vid_value"
	if len(vids) == 0 {
		return nil, invalidParameter(name, "no VIDs requested")
	}
	for _, vid := range vids {
		if vid > MaxVIDValue {
			return nil, invalidParameter(name, "vid %d out of range 0..%d", vid, MaxVIDValue)
		}
	}
	if len(vids) > protocol.PayloadMax {
		return nil, invalidParameter(name, "%d VIDs do not fit in one frame", len(vids))
	}

	reply, err := c.query(ctx, name, protocol.OpGetVIDValue, vids)
	if err != nil {
		return nil, err
	}
	return parseVID(name, vids, reply)
}

// parseVID accepts one trailing zero byte that some firmware appends
func parseVID(name string, vids []uint8, reply []byte) ([]VIDValue, error) {
	switch {
	case len(reply) == len(vids):
	case len(reply) == len(vids)+1 && reply[len(vids)] == 0x00:
	default:
		return nil, invalidResponse(name, "%d values for %d VIDs", len(reply), len(vids))
	}
	out := make([]VIDValue, len(vids))
	for i, vid := range vids {
		out[i] = VIDValue{VID: vid, Value: reply[i]}
	}
	return out, nil
}

// GetVersion reads the firmware version from VID 254
func (c *Client) GetVersion(ctx context.Context) (uint8, error) {
	values, err := c.GetVIDValue(ctx, []uint8{VIDVersion})
	if err != nil {
		return 0, err
	}
	version := values[0].Value

	c.mu.Lock()
	c.firmwareVersion = version
	c.versionKnown = true
	c.mu.Unlock()
	return version, nil
}

// GetPWMCycle reads the PWM period in microseconds
func (c *Client) GetPWMCycle(ctx context.Context) (int, error) {
	values, err := c.GetVIDValue(ctx, []uint8{VIDPWMHigh, VIDPWMLow})
	if err != nil {
		return 0, err
	}
	cycle := (int(values[0].Value)*256 + int(values[1].Value)) * 4

	c.mu.Lock()
	c.pwmCycle = cycle
	c.mu.Unlock()
	return cycle, nil
}

// CheckConnectedServo lists the servos answering on the bus
func (c *Client) CheckConnectedServo(ctx context.Context) ([]ServoConnection, error) {
	const name = "check_connected_servo"
	reply, err := c.query(ctx, name, protocol.OpCheckServo, nil)
	if err != nil {
		return nil, err
	}
	if len(reply)%2 != 0 {
		return nil, invalidResponse(name, "odd reply length %d", len(reply))
	}
	out := make([]ServoConnection, 0, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		out = append(out, ServoConnection{SID: reply[i], Time: reply[i+1]})
	}
	return out, nil
}

// GetIK reads the position of IK parts
func (c *Client) GetIK(ctx context.Context, kids []uint8) ([]IKTarget, error) {
	const name = "get_ik"
	if len(kids) == 0 {
		return nil, invalidParameter(name, "no IK parts requested")
	}
	p := newPayload(name)
	p.bytes(ikFlagRead)
	for _, kid := range kids {
		if kid > MaxIKPart {
			return nil, invalidParameter(name, "kid %d out of range 0..%d", kid, MaxIKPart)
		}
		p.bytes(kid)
	}

	data, err := p.result()
	if err != nil {
		return nil, err
	}
	reply, err := c.query(ctx, name, protocol.OpIK, data)
	if err != nil {
		return nil, err
	}
	return parseIK(name, reply)
}

// parseIK reads [IKF]([KID][X][Y][Z])... with coordinates biased by 100
func parseIK(name string, reply []byte) ([]IKTarget, error) {
	if len(reply) < 5 {
		return nil, invalidResponse(name, "reply of %d bytes", len(reply))
	}
	records := reply[1:]
	out := make([]IKTarget, 0, len(records)/4)
	for i := 0; i+4 <= len(records); i += 4 {
		out = append(out, IKTarget{
			KID: records[i],
			X:   int(records[i+1]) - ikBias,
			Y:   int(records[i+2]) - ikBias,
			Z:   int(records[i+3]) - ikBias,
		})
	}
	return out, nil
}

// GetAcceleration reads the accelerometer
func (c *Client) GetAcceleration(ctx context.Context) (Acceleration, error) {
	const name = "get_acceleration"
	reply, err := c.query(ctx, name, protocol.OpAcceleration, nil)
	if err != nil {
		return Acceleration{}, err
	}
	if len(reply) != 3 {
		return Acceleration{}, invalidResponse(name, "reply of %d bytes", len(reply))
	}
	return Acceleration{X: reply[0], Y: reply[1], Z: reply[2]}, nil
}
