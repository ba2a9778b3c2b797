package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

// simulatedPort feeds scripted lines to a SerialMux and discards writes.
type simulatedPort struct {
	io.Reader
	pw   *io.PipeWriter
	done chan struct{}
	once sync.Once
}

func (p *simulatedPort) Write(b []byte) (int, error) { return len(b), nil }

func (p *simulatedPort) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.pw.Close()
	})
	return nil
}

// NewMockSerialMux returns a SerialMux that emits lines in a loop, one every
// interval, as a stand-in rangefinder for development without hardware.
func NewMockSerialMux(lines []string, interval time.Duration) *SerialMux[SerialPorter] {
	r, w := io.Pipe()
	port := &simulatedPort{Reader: r, pw: w, done: make(chan struct{})}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for i := 0; len(lines) > 0; i++ {
			select {
			case <-port.done:
				return
			case <-ticker.C:
			}
			if _, err := io.WriteString(w, lines[i%len(lines)]+"\n"); err != nil {
				return
			}
		}
	}()

	return NewSerialMux[SerialPorter](port)
}

// TestableSerialPort implements SerialPorter with scripted reads and
// recorded writes.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes Write report one byte fewer than requested
	ShortWrite bool

	// Closed indicates whether Close was called
	Closed bool

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read returns buffered data. With BlockReads it waits for AddReadData or
// Close; otherwise an empty buffer reads as EOF.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	for t.BlockReads && !t.Closed && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	n, err = t.WriteBuffer.Write(p)
	if t.ShortWrite && n > 0 {
		n--
	}
	return n, err
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.WriteBuffer.String()
}
