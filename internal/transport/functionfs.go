// Package transport implements the FunctionFS-backed USB transport
// (spec.md §4.2): one control endpoint for descriptors and kernel
// events, one bulk-out reader, one bulk-in writer, and one interrupt-in
// event writer, coordinated by plain goroutines and channels the same
// way the teacher pairs a reader/writer goroutine per network
// connection.
package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/go-mtp/mtpd/internal/container"
	"github.com/go-mtp/mtpd/internal/logger"
)

// Config locates the FunctionFS gadget mount point and its endpoint
// files (spec.md §4.2, §6 "USB descriptors").
type Config struct {
	MountPoint    string // e.g. /dev/functionfs/mtp
	BulkPacketSize int
}

func (c Config) ep(name string) string { return filepath.Join(c.MountPoint, name) }

// Transport owns the four FunctionFS endpoint files and exposes framed
// container I/O plus a non-blocking cancel query to the responder.
type Transport struct {
	cfg Config

	ep0  *os.File
	in   *os.File // bulk-IN, device -> host
	out  *os.File // bulk-OUT, host -> device
	intr *os.File // interrupt-IN, events

	cancelFlag atomic.Bool
	suspend    chan bool

	frames chan []byte
	outMu  sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
}

// Open opens all four endpoint files and writes the USB descriptor and
// string blobs to ep0 once, the step that makes the kernel expose the
// data endpoints. A failed descriptor write is tolerated with a
// warning, for gadgets whose setup script already configured ep0.
func Open(cfg Config) (*Transport, error) {
	if cfg.BulkPacketSize <= 0 {
		cfg.BulkPacketSize = 64 * 1024
	}
	ep0, err := os.OpenFile(cfg.ep("ep0"), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open ep0: %w", err)
	}
	if _, err := ep0.Write(descriptorsBlob()); err != nil {
		logger.Warn("descriptor write to ep0 failed (assuming pre-configured gadget)", logger.Err(err))
	} else if _, err := ep0.Write(stringsBlob()); err != nil {
		logger.Warn("string write to ep0 failed", logger.Err(err))
	}
	in, err := os.OpenFile(cfg.ep("ep1"), os.O_WRONLY, 0)
	if err != nil {
		ep0.Close()
		return nil, fmt.Errorf("transport: open bulk-in: %w", err)
	}
	out, err := os.OpenFile(cfg.ep("ep2"), os.O_RDONLY, 0)
	if err != nil {
		ep0.Close()
		in.Close()
		return nil, fmt.Errorf("transport: open bulk-out: %w", err)
	}
	intr, err := os.OpenFile(cfg.ep("ep3"), os.O_WRONLY, 0)
	if err != nil {
		ep0.Close()
		in.Close()
		out.Close()
		return nil, fmt.Errorf("transport: open interrupt-in: %w", err)
	}

	t := &Transport{
		cfg:    cfg,
		ep0:    ep0,
		in:     in,
		out:    out,
		intr:   intr,
		frames:  make(chan []byte, 16),
		suspend: make(chan bool, 4),
		done:    make(chan struct{}),
	}
	go t.controlLoop()
	go t.readLoop()
	return t, nil
}

// Frames exposes the channel of complete container byte slices read
// from bulk-out, in arrival order (spec.md §5 "Request containers are
// processed in order of arrival on the bulk-out endpoint").
func (t *Transport) Frames() <-chan []byte { return t.frames }

// Cancelled is polled at segment boundaries by the responder and by
// storage's long-running loops (spec.md §5 "Global cancel").
func (t *Transport) Cancelled() bool { return t.cancelFlag.Load() }

// ClearCancel resets the flag once the engine has returned to Idle
// after handling a cancellation.
func (t *Transport) ClearCancel() { t.cancelFlag.Store(false) }

// WriteBulkIn writes a complete framed container (or one packet of a
// segmented one) to the host.
func (t *Transport) WriteBulkIn(b []byte) error {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	_, err := t.in.Write(b)
	return err
}

// WriteInterrupt sends an Event container on the interrupt-in endpoint.
func (t *Transport) WriteInterrupt(b []byte) error {
	_, err := t.intr.Write(b)
	return err
}

// readLoop blocks on bulk-out, feeding each raw read (FunctionFS
// delivers one USB transfer per Read) into a Reassembler until a full
// container is available.
func (t *Transport) readLoop() {
	buf := make([]byte, t.cfg.BulkPacketSize)
	reasm := container.NewReassembler(t.cfg.BulkPacketSize)
	for {
		n, err := t.out.Read(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			logger.Warn("bulk-out read error", logger.Err(err))
			return
		}
		if n == 0 {
			continue
		}
		done, err := reasm.Feed(buf[:n])
		if err != nil {
			logger.Warn("malformed container on bulk-out", logger.Err(err))
			reasm.Reset()
			continue
		}
		if !done {
			continue
		}
		frame := append([]byte(nil), reasm.Container()...)
		reasm.Reset()
		select {
		case t.frames <- frame:
		case <-t.done:
			return
		}
	}
}

// controlLoop reads class-specific and USB-standard control events from
// ep0 (spec.md §4.2 "BIND, UNBIND, ENABLE, DISABLE, SETUP, SUSPEND,
// RESUME"). FunctionFS delivers these as framed usb_functionfs_event
// structs; SETUP requests for Cancel and DeviceReset and the SUSPEND and
// RESUME tags are acted on, and every other event is ignored without
// logging.
func (t *Transport) controlLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := t.ep0.Read(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			logger.Warn("ep0 read error", logger.Err(err))
			return
		}
		t.handleControlEvent(buf[:n])
	}
}

// Class-specific MTP control requests (spec.md §6, MTP 1.1 §3.2).
const (
	reqCancel              = 0x64
	reqGetExtendedEventData = 0x65
	reqDeviceReset         = 0x66
	reqGetDeviceStatus     = 0x67
)

// usbFunctionFSEvent mirrors struct usb_functionfs_event: a one-byte
// type tag followed by a union whose setup-request arm is a standard 8
// byte USB control request. Tag values follow <linux/usb/functionfs.h>.
const (
	ffsEventBind    = 0
	ffsEventUnbind  = 1
	ffsEventEnable  = 2
	ffsEventDisable = 3
	ffsEventSetup   = 4
	ffsEventSuspend = 5
	ffsEventResume  = 6
)

// Suspended delivers true/false pairs as SUSPEND/RESUME control events
// arrive on ep0.
func (t *Transport) Suspended() <-chan bool { return t.suspend }

func (t *Transport) handleControlEvent(raw []byte) {
	if len(raw) == 0 {
		return
	}
	switch raw[0] {
	case ffsEventSetup:
		if len(raw) < 9 {
			return
		}
		bRequest := raw[2]
		switch bRequest {
		case reqCancel:
			t.cancelFlag.Store(true)
			t.flushDataEndpoints()
			logger.Info("cancel request received on ep0")
		case reqDeviceReset:
			t.cancelFlag.Store(false)
			logger.Info("device reset request received on ep0")
		case reqGetDeviceStatus, reqGetExtendedEventData:
			// Recognized but not answered: no device-status or
			// extended-event-data response is written on ep0, and the
			// responder is not notified.
		}
	case ffsEventSuspend:
		select {
		case t.suspend <- true:
		default:
		}
	case ffsEventResume:
		select {
		case t.suspend <- false:
		default:
		}
	default:
		// BIND/UNBIND/ENABLE/DISABLE are not acted on; they are
		// ignored.
	}
}

// Close shuts down every endpoint file and stops the reader/control
// goroutines.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	var firstErr error
	for _, f := range []*os.File{t.ep0, t.in, t.out, t.intr} {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FunctionFS endpoint ioctls, _IO('g', n) per <linux/usb/functionfs.h>.
const (
	ffsFifoStatus = 0x6701
	ffsFifoFlush  = 0x6702
)

// flushDataEndpoints discards any bytes sitting in the bulk endpoint
// FIFOs after a cancel, so the stale remainder of the cancelled
// transfer never reaches the next transaction.
func (t *Transport) flushDataEndpoints() {
	for _, f := range []*os.File{t.in, t.out} {
		if f == nil {
			continue
		}
		if _, err := unix.IoctlRetInt(int(f.Fd()), ffsFifoFlush); err != nil {
			logger.Debug("endpoint fifo flush failed", logger.Err(err))
		}
	}
}
