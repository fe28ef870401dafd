package serial

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeTransfersBytes(t *testing.T) {
	host, device := Pipe(50 * time.Millisecond)
	defer host.Close()

	n, err := host.Write([]byte{0xFF, 0x67, 0x05, 0xFE, 0x63})
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 3)
	n, err = device.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x67, 0x05}, buf[:n])

	n, err = device.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFE, 0x63}, buf[:n])
}

func TestPipeReadTimeout(t *testing.T) {
	host, _ := Pipe(30 * time.Millisecond)
	defer host.Close()

	start := time.Now()
	n, err := host.Read(make([]byte, 8))
	elapsed := time.Since(start)

	assert.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestPipeReadWakesOnWrite(t *testing.T) {
	host, device := Pipe(time.Second)
	defer host.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = device.Write([]byte{0x21})
	}()

	start := time.Now()
	buf := make([]byte, 4)
	n, err := host.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPipeClose(t *testing.T) {
	host, device := Pipe(time.Second)

	done := make(chan error, 1)
	go func() {
		_, err := host.Read(make([]byte, 4))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, device.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Read did not return after Close")
	}

	_, err := host.Write([]byte{1})
	assert.ErrorIs(t, err, ErrPortClosed)
}

func TestPipeFailWrites(t *testing.T) {
	host, device := Pipe(10 * time.Millisecond)
	defer host.Close()

	boom := errors.New("cable pulled")
	host.FailWrites(boom)
	_, err := host.Write([]byte{1, 2})
	assert.ErrorIs(t, err, boom)

	host.FailWrites(nil)
	_, err = host.Write([]byte{1, 2})
	assert.NoError(t, err)
	assert.Equal(t, 2, device.Buffered())

	require.NoError(t, device.Flush())
	assert.Equal(t, 0, device.Buffered())
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "default", mutate: func(c *Config) {}},
		{name: "bugst driver", mutate: func(c *Config) { c.Driver = DriverBugst }},
		{name: "empty driver", mutate: func(c *Config) { c.Driver = "" }},
		{name: "missing device", mutate: func(c *Config) { c.Device = " " }, wantErr: true},
		{name: "zero baud", mutate: func(c *Config) { c.Baud = 0 }, wantErr: true},
		{name: "blocking reads", mutate: func(c *Config) { c.ReadTimeout = 0 }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Driver = "webserial" }, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig("/dev/ttyUSB0")
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOpenNilConfig(t *testing.T) {
	_, err := Open(nil)
	assert.Error(t, err)
}
