package serial

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	bugst "go.bug.st/serial"
)

var (
	ErrPortBusy     = errors.New("port busy")
	ErrPortNotFound = errors.New("port not found")
	ErrPermission   = errors.New("permission denied")
	ErrInvalidBaud  = errors.New("invalid baud rate")
	ErrClosed       = errors.New("port closed")
)

// Seams for tests; production uses the go.bug.st driver and flock.
var (
	openDevice = func(path string, mode *bugst.Mode) (bugst.Port, error) {
		return bugst.Open(path, mode)
	}
	lockDevice = lockPath
)

var registry = struct {
	sync.Mutex
	held map[string]struct{}
}{held: map[string]struct{}{}}

// Port is an open serial device. It implements io.ReadWriteCloser.
type Port struct {
	path string
	baud int

	mu     sync.Mutex
	dev    bugst.Port
	unlock func()
	closed bool
}

// Open claims path exclusively and configures it for 8N1 at baud.
func Open(path string, baud int) (*Port, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("open serial: %w: empty path", ErrPortNotFound)
	}
	if baud <= 0 {
		return nil, fmt.Errorf("open serial %s: %w: %d", path, ErrInvalidBaud, baud)
	}

	if !claim(path) {
		return nil, fmt.Errorf("open serial %s: %w", path, ErrPortBusy)
	}
	ok := false
	defer func() {
		if !ok {
			release(path)
		}
	}()

	unlock, err := lockDevice(path)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", path, classify(err))
	}
	defer func() {
		if !ok {
			unlock()
		}
	}()

	dev, err := openDevice(path, &bugst.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s baud=%d: %w", path, baud, classify(err))
	}

	ok = true
	return &Port{path: path, baud: baud, dev: dev, unlock: unlock}, nil
}

func (p *Port) Path() string { return p.path }
func (p *Port) Baud() int    { return p.baud }

func (p *Port) IsOpen() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

func (p *Port) device() (bugst.Port, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	return p.dev, nil
}

func (p *Port) Read(b []byte) (int, error) {
	dev, err := p.device()
	if err != nil {
		return 0, err
	}
	n, err := dev.Read(b)
	if err != nil && !p.IsOpen() {
		return n, ErrClosed
	}
	return n, err
}

func (p *Port) Write(b []byte) (int, error) {
	dev, err := p.device()
	if err != nil {
		return 0, err
	}
	return dev.Write(b)
}

// Close releases the device and the exclusivity claim. It is safe to call on
// a nil or already closed Port, and from several goroutines at once; a blocked
// Read returns ErrClosed.
func (p *Port) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	dev := p.dev
	unlock := p.unlock
	p.mu.Unlock()

	err := dev.Close()
	if unlock != nil {
		unlock()
	}
	release(p.path)
	if err != nil {
		return fmt.Errorf("close serial %s: %w", p.path, err)
	}
	return nil
}

func claim(path string) bool {
	registry.Lock()
	defer registry.Unlock()
	if _, busy := registry.held[path]; busy {
		return false
	}
	registry.held[path] = struct{}{}
	return true
}

func release(path string) {
	registry.Lock()
	delete(registry.held, path)
	registry.Unlock()
}

// classify maps driver errors onto this package's sentinels, keeping the
// original error text.
func classify(err error) error {
	var pe *bugst.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case bugst.PortBusy:
			return fmt.Errorf("%w: %v", ErrPortBusy, err)
		case bugst.PortNotFound:
			return fmt.Errorf("%w: %v", ErrPortNotFound, err)
		case bugst.PermissionDenied:
			return fmt.Errorf("%w: %v", ErrPermission, err)
		case bugst.InvalidSpeed:
			return fmt.Errorf("%w: %v", ErrInvalidBaud, err)
		}
	}
	return err
}
