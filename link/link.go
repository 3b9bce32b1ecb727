// Package link implements the per-serial-port worker (spec.md §4.2,
// C2): it owns the port, drives the frame decoder, dispatches decoded
// frames to registered command handlers, auto-reconnects on transient
// failure, and can be cancelled deterministically.
package link

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/felixfyx/microlink/frame"
)

// isTimeoutErr classifies a bounded-read error as "nothing available
// yet" rather than a real transport failure. Kept local to this package
// (rather than importing package serial's equivalent) so Link stays
// decoupled from any one transport implementation; fakes used in tests
// need only return the same sentinel kinds.
func isTimeoutErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.ETIMEDOUT) {
		return true
	}
	return strings.Contains(err.Error(), "timeout") || strings.Contains(err.Error(), "timed out")
}

// Port is the transport a Link drives. *serial.Port (package serial)
// satisfies it; tests substitute a serial.OpenPTY peer or a fake.
type Port interface {
	ReadTimeout(data []byte, timeout time.Duration) (int, error)
	Write(data []byte) (int, error)
	Close() error
}

// Opener opens the named port at the given baud rate. Passed to Open so
// the worker can reopen on reconnect without the link package depending
// on the concrete transport package.
type Opener func(portName string, baud int) (Port, error)

// Handler processes one decoded frame's payload for a given command id.
// It runs synchronously on the link's worker goroutine; a Handler that
// panics is recovered and logged, and does not kill the worker.
type Handler func(l *Link, payload []byte)

// DeviceSink lets a Link report loss of connection for whatever logical
// device it has been bound to, without the link package depending on
// package device (spec.md §9, "cyclic references" design note: the
// link stores only the device name and a narrow sink, the registry
// remains sole owner of device records).
type DeviceSink interface {
	MarkDisconnected(name string) error
}

// Config holds the tunables named in spec.md §6.
type Config struct {
	Baud                 int
	MaxBufferSize        int
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	ReadTimeout          time.Duration
	Debug                bool
}

// DefaultConfig returns spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		Baud:                 115200,
		MaxBufferSize:        frame.DefaultMaxBufferSize,
		MaxReconnectAttempts: 5,
		ReconnectDelay:       2 * time.Second,
		ReadTimeout:          1 * time.Second,
	}
}

var (
	// ErrNotOpen is returned by Send/SendRaw when the port is closed.
	ErrNotOpen = fmt.Errorf("link: port not open")

	// ErrUnknownCommand is reported via the handler set with SetErrorHandler
	// when a decoded frame's command id has no registered handler.
	ErrUnknownCommand = fmt.Errorf("link: unknown command")
)

// Link owns one serial port end to end: open/close, the background
// worker, the reconnect policy, the per-command dispatch table, and
// outbound sends.
type Link struct {
	portName string
	cfg      Config
	opener   Opener
	log      *logrus.Entry

	// handlers is written by RegisterCommand before the worker observes
	// any bytes for that command, and is read-only thereafter; per
	// spec.md §3 it is deliberately not mutex-protected.
	handlers map[byte]Handler

	// mu protects the fields shared across goroutines: the open flag,
	// the port handle, the forced-disconnect flag, the reconnect attempt
	// counter, the device binding metadata, and the error handler.
	// Decoder state and the receive buffer are owned solely by the
	// worker goroutine.
	mu               sync.Mutex
	open             bool
	port             Port
	forcedDisconnect bool
	reconnectAttempts int
	deviceName       string
	sink             DeviceSink
	onError          func(error)

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Open constructs a Link for portName, attempts to open the underlying
// port, and spawns its worker goroutine regardless of whether that
// first open succeeded — a failed open just starts the link in the
// reconnect loop (spec.md §4.2).
func Open(portName string, cfg Config, opener Opener, log *logrus.Entry) *Link {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := frame.ValidateMaxBufferSize(cfg.MaxBufferSize); err != nil {
		log.WithField("port", portName).WithError(err).Error("invalid MaxBufferSize, falling back to default")
		cfg.MaxBufferSize = frame.DefaultMaxBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Link{
		portName: portName,
		cfg:      cfg,
		opener:   opener,
		log:      log.WithField("port", portName),
		handlers: make(map[byte]Handler),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	l.tryOpen()
	go l.run()
	return l
}

// PortName returns the link's underlying port name.
func (l *Link) PortName() string { return l.portName }

// RegisterCommand installs or replaces the handler for cmd. Must be
// called before any bytes for cmd arrive on the wire; the dispatch
// table is not safe to mutate concurrently with decoding.
func (l *Link) RegisterCommand(cmd byte, h Handler) {
	l.handlers[cmd] = h
}

// SetDevice binds this link to a logical device name for status
// reporting; sink.MarkDisconnected(name) is invoked on unrecoverable
// I/O error.
func (l *Link) SetDevice(name string, sink DeviceSink) {
	l.mu.Lock()
	l.deviceName = name
	l.sink = sink
	l.mu.Unlock()
	l.log.WithField("device", name).Debug("associated with device")
}

// SetErrorHandler installs fn to receive protocol-level errors this
// link cannot act on itself (ErrUnknownCommand, a registered handshake
// controller's ErrProtocolViolation). nil disables reporting; the
// error is always logged at Debug regardless.
func (l *Link) SetErrorHandler(fn func(error)) {
	l.mu.Lock()
	l.onError = fn
	l.mu.Unlock()
}

// ReportError invokes the installed error handler, if any. Exported so
// handlers registered via RegisterCommand (e.g. package handshake's
// Controller) can surface protocol violations through the same channel
// dispatch uses for unknown commands.
func (l *Link) ReportError(err error) {
	l.mu.Lock()
	fn := l.onError
	l.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// DeviceName returns the name this link is currently bound to, or "".
func (l *Link) DeviceName() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deviceName
}

// IsOpen reports whether the underlying port is currently open.
func (l *Link) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

// Send encodes (cmd, payload) via package frame and writes it to the
// open port.
func (l *Link) Send(cmd byte, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return ErrNotOpen
	}
	encoded, err := frame.Encode(cmd, payload, l.cfg.MaxBufferSize)
	if err != nil {
		return err
	}
	if _, err := l.port.Write(encoded); err != nil {
		l.log.WithError(err).Warn("write failed")
		l.handleConnectionErrorLocked(err)
		return err
	}
	l.log.WithField("bytes", encoded).Trace("sent frame")
	return nil
}

// SendRaw bypasses the encoder and writes already-framed bytes.
func (l *Link) SendRaw(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.open {
		return ErrNotOpen
	}
	if _, err := l.port.Write(data); err != nil {
		l.handleConnectionErrorLocked(err)
		return err
	}
	return nil
}

// Stop is idempotent. It sets the cancellation signal and a
// forced-disconnect flag, closes the port, and joins the worker with
// the given timeout. It must not be called from the worker goroutine
// itself. Returns whether the worker terminated within timeout.
func (l *Link) Stop(timeout time.Duration) bool {
	l.mu.Lock()
	if l.deviceName != "" && l.sink != nil {
		l.sink.MarkDisconnected(l.deviceName)
	}
	l.forcedDisconnect = true
	if l.port != nil {
		l.port.Close()
		l.open = false
	}
	l.mu.Unlock()

	l.cancel()

	select {
	case <-l.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (l *Link) tryOpen() {
	port, err := l.opener(l.portName, l.cfg.Baud)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.log.WithError(err).Debug("open failed")
		l.open = false
		return
	}
	l.port = port
	l.open = true
	l.forcedDisconnect = false
	l.reconnectAttempts = 0
	l.log.Info("port opened")
}

// handleConnectionErrorLocked closes the port and marks the device
// disconnected. Caller must hold l.mu.
func (l *Link) handleConnectionErrorLocked(err error) {
	if l.port != nil {
		l.port.Close()
	}
	l.open = false
	if l.deviceName != "" && l.sink != nil && !l.forcedDisconnect {
		l.sink.MarkDisconnected(l.deviceName)
	}
}

func (l *Link) run() {
	defer close(l.done)
	decoder := frame.NewDecoder(l.cfg.MaxBufferSize)
	if l.cfg.Debug {
		decoder.SetLogger(func(msg string) { l.log.Debug(msg) })
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.ReconnectDelay
	bo.MaxInterval = l.cfg.ReconnectDelay * 4
	bo.MaxElapsedTime = 0 // attempt cap below governs termination, not elapsed time

	buf := make([]byte, l.cfg.MaxBufferSize)

	for {
		if l.ctx.Err() != nil {
			l.log.Debug("worker exiting: cancelled")
			return
		}

		if l.IsOpen() {
			l.readOnce(decoder, buf)
			continue
		}

		l.mu.Lock()
		forced := l.forcedDisconnect
		attempts := l.reconnectAttempts
		l.mu.Unlock()

		if !forced && attempts < l.cfg.MaxReconnectAttempts {
			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				delay = l.cfg.ReconnectDelay
			}
			if !l.sleepInterruptible(delay) {
				return
			}
			l.mu.Lock()
			l.reconnectAttempts++
			l.mu.Unlock()
			l.log.WithField("attempt", attempts+1).Debug("attempting reconnection")
			l.tryOpen()
			if l.IsOpen() {
				bo.Reset()
			}
		} else {
			if !l.sleepInterruptible(10 * time.Millisecond) {
				return
			}
		}
	}
}

// readOnce performs one bounded read and dispatches any frames it
// decodes. It never blocks longer than cfg.ReadTimeout.
func (l *Link) readOnce(decoder *frame.Decoder, buf []byte) {
	l.mu.Lock()
	port := l.port
	l.mu.Unlock()
	if port == nil {
		return
	}

	n, err := port.ReadTimeout(buf, l.cfg.ReadTimeout)
	if n > 0 {
		decoder.FeedBytes(buf[:n], func(ev *frame.Event) {
			if ev.Err != nil {
				l.log.WithError(ev.Err).Debug("frame rejected")
				return
			}
			l.dispatch(ev.Frame.Command, ev.Frame.Payload)
		})
	}
	if err != nil {
		if isTimeoutErr(err) {
			return
		}
		l.log.WithError(err).Warn("read error")
		l.mu.Lock()
		l.handleConnectionErrorLocked(err)
		l.mu.Unlock()
	}
}

func (l *Link) dispatch(cmd byte, payload []byte) {
	h, ok := l.handlers[cmd]
	if !ok {
		l.log.WithField("cmd", cmd).Debug("no handler registered")
		l.ReportError(fmt.Errorf("cmd 0x%02x: %w", cmd, ErrUnknownCommand))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.log.WithField("panic", r).Error("command handler panicked")
		}
	}()
	h(l, payload)
}

// sleepInterruptible sleeps for d in small increments, returning false
// immediately if the link is cancelled mid-sleep.
func (l *Link) sleepInterruptible(d time.Duration) bool {
	const step = 10 * time.Millisecond
	end := time.Now().Add(d)
	for time.Now().Before(end) {
		if l.ctx.Err() != nil {
			return false
		}
		remaining := time.Until(end)
		if remaining > step {
			remaining = step
		}
		time.Sleep(remaining)
	}
	return l.ctx.Err() == nil
}
