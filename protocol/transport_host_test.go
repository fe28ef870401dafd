package protocol_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"govsido/host/serial"
	"govsido/protocol"
)

const readTimeout = 10 * time.Millisecond

// fakeDevice is the board side of a pipe: it decodes what the host writes
type fakeDevice struct {
	port   *serial.PipePort
	frames chan protocol.Frame
}

func newFakeDevice(t *testing.T, port *serial.PipePort) *fakeDevice {
	t.Helper()
	d := &fakeDevice{port: port, frames: make(chan protocol.Frame, 64)}
	go func() {
		defer close(d.frames)
		decoder := protocol.NewDecoder(nil)
		buf := make([]byte, 64)
		for {
			n, err := port.Read(buf)
			for _, f := range decoder.Feed(buf[:n]) {
				d.frames <- f
			}
			if err != nil {
				return
			}
		}
	}()
	return d
}

// recv is safe to call from any goroutine
func (d *fakeDevice) recv() (protocol.Frame, bool) {
	select {
	case f, ok := <-d.frames:
		return f, ok
	case <-time.After(2 * time.Second):
		return protocol.Frame{}, false
	}
}

func (d *fakeDevice) next(t *testing.T) protocol.Frame {
	t.Helper()
	f, ok := d.recv()
	require.True(t, ok, "no frame reached the device")
	return f
}

func (d *fakeDevice) send(op byte, payload []byte) error {
	encoded, err := protocol.Encode(op, payload)
	if err != nil {
		return err
	}
	_, err = d.port.Write(encoded)
	return err
}

func (d *fakeDevice) reply(t *testing.T, op byte, payload []byte) {
	t.Helper()
	require.NoError(t, d.send(op, payload))
}

func newTestTransport(t *testing.T, opts protocol.Options) (*protocol.HostTransport, *fakeDevice, *serial.PipePort) {
	t.Helper()
	host, device := serial.Pipe(readTimeout)
	tr := protocol.NewHostTransport(host, opts)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, newFakeDevice(t, device), host
}

func TestSendFireAndForget(t *testing.T) {
	tr, dev, _ := newTestTransport(t, protocol.DefaultOptions())

	frame, err := tr.SendCommand(0x01, []byte{100, 0}, false, 0)
	require.NoError(t, err)
	assert.True(t, frame.IsZero())

	got := dev.next(t)
	assert.Equal(t, []byte{0xFF, 0x01, 0x06, 0x64, 0x00, 0x9C}, got.Bytes())
	assert.Equal(t, 0, tr.Pending())
}

func TestSendAwaitsReply(t *testing.T) {
	tr, dev, _ := newTestTransport(t, protocol.DefaultOptions())

	go func() {
		req, _ := dev.recv()
		if req.Op() == protocol.OpGetVIDValue {
			_ = dev.send(protocol.OpGetVIDValue, []byte{0x22})
		}
	}()

	frame, err := tr.Send(context.Background(), protocol.Request{
		Op:           protocol.OpGetVIDValue,
		Payload:      []byte{0xFE},
		ExpectsReply: true,
	})
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.OpGetVIDValue), frame.Op())
	assert.Equal(t, []byte{0x22}, frame.Payload())
	assert.Equal(t, 0, tr.Pending())
}

func TestSendTimeout(t *testing.T) {
	tr, dev, _ := newTestTransport(t, protocol.DefaultOptions())
	timeout := 100 * time.Millisecond

	start := time.Now()
	_, err := tr.SendCommand(protocol.OpAcceleration, nil, true, timeout)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, protocol.ErrTimeout), "got %v", err)
	assert.False(t, errors.Is(err, protocol.ErrConnectionClosed))
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+250*time.Millisecond)
	assert.Equal(t, 0, tr.Pending())
	dev.next(t)

	// The key is free again: a late reply goes to telemetry and a new
	// request on the same key succeeds
	go func() {
		dev.recv()
		_ = dev.send(protocol.OpAcceleration, []byte{1, 2, 3})
	}()
	frame, err := tr.SendCommand(protocol.OpAcceleration, nil, true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, frame.Payload())
}

func TestSendContextDeadlineWins(t *testing.T) {
	tr, _, _ := newTestTransport(t, protocol.DefaultOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := tr.Send(ctx, protocol.Request{Op: protocol.OpCheckServo, ExpectsReply: true, Timeout: 5 * time.Second})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, tr.Pending())
}

func TestCloseDrainsPending(t *testing.T) {
	tr, _, _ := newTestTransport(t, protocol.DefaultOptions())

	ops := []byte{
		protocol.OpServoInfo,
		protocol.OpGetFeedback,
		protocol.OpGetVIDValue,
		protocol.OpCheckServo,
		protocol.OpAcceleration,
		protocol.OpIK,
	}
	// Two extra callers queue behind the first servo info request
	ops = append(ops, protocol.OpServoInfo, protocol.OpServoInfo)

	var wg sync.WaitGroup
	results := make(chan error, len(ops))
	for _, op := range ops {
		wg.Add(1)
		go func(op byte) {
			defer wg.Done()
			_, err := tr.SendCommand(op, nil, true, 10*time.Second)
			results <- err
		}(op)
	}

	require.Eventually(t, func() bool { return tr.Pending() == 6 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, tr.Close())

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("pending callers left suspended after Close")
	}

	close(results)
	count := 0
	for err := range results {
		count++
		assert.True(t, errors.Is(err, protocol.ErrConnectionClosed), "got %v", err)
	}
	assert.Equal(t, len(ops), count)
	assert.Equal(t, 0, tr.Pending())

	_, err := tr.SendCommand(protocol.OpWalk, []byte{0, 2, 100, 100}, false, 0)
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	_, err = tr.SendCommand(protocol.OpAcceleration, nil, true, time.Second)
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)

	// Close is idempotent
	assert.NoError(t, tr.Close())
}

func TestOutOfOrderReplies(t *testing.T) {
	tr, dev, _ := newTestTransport(t, protocol.DefaultOptions())

	go func() {
		first, ok1 := dev.recv()
		second, ok2 := dev.recv()
		if !ok1 || !ok2 {
			return
		}
		// Answer in reverse order
		for _, req := range []protocol.Frame{second, first} {
			switch req.Op() {
			case protocol.OpServoInfo:
				_ = dev.send(protocol.OpServoInfo, []byte{0x01, 0xAA})
			case protocol.OpAcceleration:
				_ = dev.send(protocol.OpAcceleration, []byte{0x10, 0x20, 0x30})
			}
		}
	}()

	var wg sync.WaitGroup
	var infoFrame, accelFrame protocol.Frame
	var infoErr, accelErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		infoFrame, infoErr = tr.SendCommand(protocol.OpServoInfo, []byte{0x01, 0x00, 0x01}, true, 2*time.Second)
	}()
	go func() {
		defer wg.Done()
		accelFrame, accelErr = tr.SendCommand(protocol.OpAcceleration, nil, true, 2*time.Second)
	}()
	wg.Wait()

	require.NoError(t, infoErr)
	require.NoError(t, accelErr)
	assert.Equal(t, byte(protocol.OpServoInfo), infoFrame.Op())
	assert.Equal(t, []byte{0x01, 0xAA}, infoFrame.Payload())
	assert.Equal(t, byte(protocol.OpAcceleration), accelFrame.Op())
	assert.Equal(t, []byte{0x10, 0x20, 0x30}, accelFrame.Payload())
}

func TestSameKeyQueues(t *testing.T) {
	tr, dev, _ := newTestTransport(t, protocol.DefaultOptions())

	order := make(chan byte, 2)
	go func() {
		for i := 0; i < 2; i++ {
			req, ok := dev.recv()
			if !ok || req.PayloadLen() == 0 {
				return
			}
			payload := req.Payload()
			order <- payload[0]
			// Only one request on the key may be in flight
			time.Sleep(20 * time.Millisecond)
			_ = dev.send(protocol.OpGetVIDValue, []byte{payload[0] + 1})
		}
	}()

	var wg sync.WaitGroup
	replies := make([]protocol.Frame, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies[i], errs[i] = tr.SendCommand(protocol.OpGetVIDValue, []byte{byte(10 * (i + 1))}, true, 2*time.Second)
		}(i)
		if i == 0 {
			require.Eventually(t, func() bool { return tr.Pending() == 1 }, time.Second, time.Millisecond)
		}
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, []byte{11}, replies[0].Payload())
	assert.Equal(t, []byte{21}, replies[1].Payload())
	assert.Equal(t, byte(10), <-order)
	assert.Equal(t, byte(20), <-order)
}

func TestSameKeyFailFast(t *testing.T) {
	opts := protocol.DefaultOptions()
	opts.KeyPolicy = protocol.KeyFailFast
	tr, dev, _ := newTestTransport(t, opts)

	firstDone := make(chan error, 1)
	go func() {
		_, err := tr.SendCommand(protocol.OpCheckServo, nil, true, 2*time.Second)
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return tr.Pending() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	_, err := tr.SendCommand(protocol.OpCheckServo, nil, true, 2*time.Second)
	assert.ErrorIs(t, err, protocol.ErrBusy)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	dev.next(t)
	dev.reply(t, protocol.OpCheckServo, []byte{0x01, 0x05})
	assert.NoError(t, <-firstDone)
}

func TestDeviceError(t *testing.T) {
	tr, dev, _ := newTestTransport(t, protocol.DefaultOptions())

	go func() {
		dev.recv()
		_ = dev.send(protocol.OpAck, []byte{0x03})
	}()

	_, err := tr.Send(context.Background(), protocol.Request{
		Op:           protocol.OpWriteFlash,
		ExpectsReply: true,
		ReplyOp:      protocol.OpAck,
	})
	var devErr *protocol.DeviceError
	require.True(t, errors.As(err, &devErr), "got %v", err)
	assert.Equal(t, byte(protocol.OpWriteFlash), devErr.Op)
	assert.Equal(t, byte(0x03), devErr.Code)
	assert.False(t, errors.Is(err, protocol.ErrTimeout))

	go func() {
		dev.recv()
		_ = dev.send(protocol.OpAck, []byte{protocol.AckStatusOK})
	}()
	frame, err := tr.Send(context.Background(), protocol.Request{
		Op:           protocol.OpWriteFlash,
		ExpectsReply: true,
		ReplyOp:      protocol.OpAck,
	})
	require.NoError(t, err)
	assert.Equal(t, byte(protocol.OpAck), frame.Op())
}

func TestWriteFailure(t *testing.T) {
	tr, _, host := newTestTransport(t, protocol.DefaultOptions())
	host.FailWrites(errors.New("usb gone"))

	_, err := tr.SendCommand(protocol.OpAcceleration, nil, true, time.Second)
	assert.ErrorIs(t, err, protocol.ErrWriteFailure)
	var writeErr *protocol.WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, byte(protocol.OpAcceleration), writeErr.Op)
	assert.Equal(t, 0, tr.Pending())

	_, err = tr.SendCommand(protocol.OpWalk, []byte{0, 2, 100, 100}, false, 0)
	assert.ErrorIs(t, err, protocol.ErrWriteFailure)
}

func TestIncompleteWrite(t *testing.T) {
	tr, _, host := newTestTransport(t, protocol.DefaultOptions())
	host.HookWrites(func(b []byte) (int, error) {
		return host.WriteThrough(b[:len(b)-1])
	})

	_, err := tr.SendCommand(protocol.OpWalk, []byte{0, 2, 100, 100}, false, 0)
	var writeErr *protocol.WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, 7, writeErr.Written)
	assert.Equal(t, 8, writeErr.Total)
	assert.ErrorIs(t, err, protocol.ErrWriteFailure)
}

func TestPayloadTooLargeNotSent(t *testing.T) {
	tr, _, host := newTestTransport(t, protocol.DefaultOptions())
	var writes int
	host.HookWrites(func(b []byte) (int, error) {
		writes++
		return host.WriteThrough(b)
	})

	_, err := tr.SendCommand(protocol.OpAngle, make([]byte, protocol.PayloadMax+1), true, time.Second)
	assert.ErrorIs(t, err, protocol.ErrPayloadTooLarge)
	assert.Equal(t, 0, writes)
	assert.Equal(t, 0, tr.Pending())
}

func TestTelemetryAndHooks(t *testing.T) {
	telemetry := make(chan protocol.Frame, 4)
	var mu sync.Mutex
	var sent [][]byte
	var received []protocol.Frame

	opts := protocol.DefaultOptions()
	opts.Telemetry = func(f protocol.Frame) { telemetry <- f }
	opts.OnSend = func(b []byte) {
		mu.Lock()
		defer mu.Unlock()
		sent = append(sent, b)
	}
	opts.OnReceive = func(f protocol.Frame) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, f)
	}
	tr, dev, _ := newTestTransport(t, opts)

	dev.reply(t, protocol.OpAck, []byte{0x00})
	select {
	case f := <-telemetry:
		assert.Equal(t, byte(protocol.OpAck), f.Op())
	case <-time.After(time.Second):
		t.Fatal("unsolicited frame not forwarded")
	}

	_, err := tr.SendCommand(protocol.OpWalk, []byte{0, 2, 200, 100}, false, 0)
	require.NoError(t, err)
	dev.next(t)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sent, 1)
	assert.Equal(t, byte(protocol.OpWalk), sent[0][protocol.PositionOp])
	require.Len(t, received, 1)
	assert.Equal(t, byte(protocol.OpAck), received[0].Op())
}

func TestTelemetryPanicDoesNotStopLoop(t *testing.T) {
	opts := protocol.DefaultOptions()
	opts.Telemetry = func(f protocol.Frame) { panic("bad sink") }
	tr, dev, _ := newTestTransport(t, opts)

	dev.reply(t, protocol.OpAck, nil)

	go func() {
		dev.recv()
		_ = dev.send(protocol.OpAcceleration, []byte{4, 5, 6})
	}()
	frame, err := tr.SendCommand(protocol.OpAcceleration, nil, true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, 5, 6}, frame.Payload())
	assert.Nil(t, tr.Err())
}

func TestCorruptionBeforeReply(t *testing.T) {
	tr, dev, _ := newTestTransport(t, protocol.DefaultOptions())
	before := testutil.ToFloat64(protocol.InvalidFramesCounter())

	go func() {
		dev.recv()
		bad, _ := protocol.Encode(protocol.OpGetVIDValue, []byte{0x99})
		bad[len(bad)-1] ^= 0x01
		_, _ = dev.port.Write([]byte{0x00, 0x13})
		_, _ = dev.port.Write(bad)
		// Split the valid reply across two writes
		good, _ := protocol.Encode(protocol.OpGetVIDValue, []byte{0x22})
		_, _ = dev.port.Write(good[:2])
		time.Sleep(2 * readTimeout)
		_, _ = dev.port.Write(good[2:])
	}()

	frame, err := tr.SendCommand(protocol.OpGetVIDValue, []byte{0xFE}, true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x22}, frame.Payload())
	assert.GreaterOrEqual(t, tr.Decoder().Invalid(), uint64(1))
	assert.Greater(t, testutil.ToFloat64(protocol.InvalidFramesCounter()), before)
}

func TestPeerCloseFailsPending(t *testing.T) {
	tr, dev, _ := newTestTransport(t, protocol.DefaultOptions())

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.SendCommand(protocol.OpCheckServo, nil, true, 10*time.Second)
		errCh <- err
	}()
	dev.next(t)

	require.NoError(t, dev.port.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed after read error")
	}

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("reader did not exit")
	}
	assert.ErrorIs(t, tr.Err(), protocol.ErrConnectionClosed)
}

func TestKeyPolicyParse(t *testing.T) {
	p, err := protocol.ParseKeyPolicy("fail-fast")
	require.NoError(t, err)
	assert.Equal(t, protocol.KeyFailFast, p)
	assert.Equal(t, "fail-fast", p.String())

	p, err = protocol.ParseKeyPolicy("")
	require.NoError(t, err)
	assert.Equal(t, protocol.KeyQueue, p)

	_, err = protocol.ParseKeyPolicy("lifo")
	assert.Error(t, err)
}

func TestRequestMetrics(t *testing.T) {
	tr, dev, _ := newTestTransport(t, protocol.DefaultOptions())
	okBefore := testutil.ToFloat64(protocol.RequestsCounter(protocol.OpServoInfo, "ok"))
	timeoutBefore := testutil.ToFloat64(protocol.RequestsCounter(protocol.OpServoInfo, "timeout"))

	go func() {
		dev.recv()
		_ = dev.send(protocol.OpServoInfo, []byte{0x01, 0x02})
	}()
	_, err := tr.SendCommand(protocol.OpServoInfo, nil, true, time.Second)
	require.NoError(t, err)

	_, err = tr.SendCommand(protocol.OpServoInfo, nil, true, 20*time.Millisecond)
	require.ErrorIs(t, err, protocol.ErrTimeout)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(protocol.RequestsCounter(protocol.OpServoInfo, "ok")))
	assert.Equal(t, timeoutBefore+1, testutil.ToFloat64(protocol.RequestsCounter(protocol.OpServoInfo, "timeout")))
}

func TestSameKeyQueueServesInArrivalOrder(t *testing.T) {
	tr, dev, _ := newTestTransport(t, protocol.DefaultOptions())
	const callers = 5

	// The board echoes the requested VID and holds its first answer until
	// every other caller is queued
	release := make(chan struct{})
	served := make(chan byte, callers)
	go func() {
		for i := 0; i < callers; i++ {
			req, ok := dev.recv()
			if !ok || req.PayloadLen() == 0 {
				return
			}
			if i == 0 {
				<-release
			}
			vid := req.Payload()[0]
			served <- vid
			_ = dev.send(protocol.OpGetVIDValue, []byte{vid})
		}
	}()

	var wg sync.WaitGroup
	replies := make([]protocol.Frame, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies[i], errs[i] = tr.SendCommand(protocol.OpGetVIDValue, []byte{byte(i + 1)}, true, 3*time.Second)
		}(i)
		if i == 0 {
			require.Eventually(t, func() bool { return tr.Pending() == 1 }, time.Second, time.Millisecond)
			continue
		}
		require.Eventually(t, func() bool { return protocol.Queued(tr, protocol.OpGetVIDValue) == i }, time.Second, time.Millisecond)
	}
	close(release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		assert.Equal(t, []byte{byte(i + 1)}, replies[i].Payload(), "caller %d", i)
		assert.Equal(t, byte(i+1), <-served, "service order")
	}
	assert.Equal(t, 0, protocol.Queued(tr, protocol.OpGetVIDValue))
}

func TestQueuedCallerTimesOutWithoutBlockingOthers(t *testing.T) {
	tr, dev, _ := newTestTransport(t, protocol.DefaultOptions())

	first := make(chan error, 1)
	go func() {
		_, err := tr.SendCommand(protocol.OpCheckServo, []byte{1}, true, 2*time.Second)
		first <- err
	}()
	require.Eventually(t, func() bool { return tr.Pending() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, byte(1), dev.next(t).Payload()[0])

	impatient := make(chan error, 1)
	go func() {
		_, err := tr.SendCommand(protocol.OpCheckServo, []byte{2}, true, 50*time.Millisecond)
		impatient <- err
	}()
	require.Eventually(t, func() bool { return protocol.Queued(tr, protocol.OpCheckServo) == 1 }, time.Second, time.Millisecond)

	third := make(chan error, 1)
	go func() {
		_, err := tr.SendCommand(protocol.OpCheckServo, []byte{3}, true, 2*time.Second)
		third <- err
	}()

	assert.ErrorIs(t, <-impatient, protocol.ErrTimeout)
	require.Eventually(t, func() bool { return protocol.Queued(tr, protocol.OpCheckServo) == 1 }, time.Second, time.Millisecond)

	dev.reply(t, protocol.OpCheckServo, nil)
	require.NoError(t, <-first)

	assert.Equal(t, byte(3), dev.next(t).Payload()[0], "timed out caller is skipped")
	dev.reply(t, protocol.OpCheckServo, nil)
	require.NoError(t, <-third)
	assert.Equal(t, 0, tr.Pending())
}

func TestErrorAckFailsSingleQuery(t *testing.T) {
	tr, dev, _ := newTestTransport(t, protocol.DefaultOptions())

	go func() {
		dev.recv()
		_ = dev.send(protocol.OpAck, []byte{0x01})
	}()

	start := time.Now()
	_, err := tr.SendCommand(protocol.OpAcceleration, nil, true, 2*time.Second)
	var devErr *protocol.DeviceError
	require.True(t, errors.As(err, &devErr), "got %v", err)
	assert.Equal(t, byte(protocol.OpAcceleration), devErr.Op)
	assert.Equal(t, byte(0x01), devErr.Code)
	assert.False(t, errors.Is(err, protocol.ErrTimeout))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, tr.Pending())
}

func TestErrorAckWithSeveralQueriesIsUnmatched(t *testing.T) {
	telemetry := make(chan protocol.Frame, 1)
	opts := protocol.DefaultOptions()
	opts.Telemetry = func(f protocol.Frame) { telemetry <- f }
	tr, dev, _ := newTestTransport(t, opts)

	errs := make(chan error, 2)
	for _, op := range []byte{protocol.OpAcceleration, protocol.OpCheckServo} {
		go func(op byte) {
			_, err := tr.SendCommand(op, nil, true, 2*time.Second)
			errs <- err
		}(op)
	}
	require.Eventually(t, func() bool { return tr.Pending() == 2 }, time.Second, time.Millisecond)
	dev.next(t)
	dev.next(t)

	dev.reply(t, protocol.OpAck, []byte{0x01})
	select {
	case f := <-telemetry:
		assert.Equal(t, byte(protocol.OpAck), f.Op())
	case <-time.After(time.Second):
		t.Fatal("ambiguous error ack should reach telemetry")
	}
	assert.Equal(t, 2, tr.Pending())

	dev.reply(t, protocol.OpAcceleration, []byte{1, 2, 3})
	dev.reply(t, protocol.OpCheckServo, nil)
	assert.NoError(t, <-errs)
	assert.NoError(t, <-errs)
}

func TestLateReplyIsTakenByNextRequest(t *testing.T) {
	tr, dev, _ := newTestTransport(t, protocol.DefaultOptions())

	_, err := tr.SendCommand(protocol.OpGetVIDValue, []byte{5}, true, 30*time.Millisecond)
	require.ErrorIs(t, err, protocol.ErrTimeout)
	dev.next(t)

	go func() {
		dev.recv()
		// Answer to the request that already timed out
		_ = dev.send(protocol.OpGetVIDValue, []byte{0x55})
	}()
	frame, err := tr.SendCommand(protocol.OpGetVIDValue, []byte{6}, true, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x55}, frame.Payload())
}

func TestSendWithCancelledContextWritesNothing(t *testing.T) {
	var mu sync.Mutex
	sent := 0
	opts := protocol.DefaultOptions()
	opts.OnSend = func([]byte) {
		mu.Lock()
		defer mu.Unlock()
		sent++
	}
	tr, _, _ := newTestTransport(t, opts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tr.Send(ctx, protocol.Request{Op: protocol.OpWalk, Payload: []byte{0, 2, 100, 100}})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = tr.Send(ctx, protocol.Request{Op: protocol.OpAcceleration, ExpectsReply: true})
	assert.ErrorIs(t, err, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, sent)
	assert.Equal(t, 0, tr.Pending())
}
