package probe

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.bug.st/serial"

	"github.com/gezibash/arc-modem/internal/port"
)

// SerialConfig configures the serial exchanger.
type SerialConfig struct {
	// DevDir is where tty nodes live, usually /dev.
	DevDir string
	// BaudRate for the probe session.
	BaudRate int
	// CommandTimeout bounds a single command/response exchange.
	CommandTimeout time.Duration
}

// DefaultSerialConfig returns the settings used by the daemon.
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		DevDir:         "/dev",
		BaudRate:       115200,
		CommandTimeout: 3 * time.Second,
	}
}

// readPoll is how long a single Read blocks so cancellation is noticed.
const readPoll = 100 * time.Millisecond

// SerialExchanger probes tty ports over a real serial line.
type SerialExchanger struct {
	cfg SerialConfig
}

// NewSerialExchanger creates an exchanger. Zero fields take their default.
func NewSerialExchanger(cfg SerialConfig) *SerialExchanger {
	def := DefaultSerialConfig()
	if cfg.DevDir == "" {
		cfg.DevDir = def.DevDir
	}
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = def.BaudRate
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = def.CommandTimeout
	}
	return &SerialExchanger{cfg: cfg}
}

// Exchange opens the tty, sends one probe command and waits for a reply.
func (s *SerialExchanger) Exchange(ctx context.Context, d port.Descriptor, proto Protocol) (bool, error) {
	var (
		req   []byte
		reply func([]byte) (bool, bool)
	)
	switch proto {
	case ProtocolAT:
		req, reply = atRequest, atReply
	case ProtocolQCDM:
		req, reply = qcdmVersionRequest(), qcdmReply
	default:
		return false, fmt.Errorf("no serial exchange for %s", proto)
	}

	p, err := s.open(ctx, filepath.Join(s.cfg.DevDir, d.Name))
	if err != nil {
		return false, err
	}
	defer p.Close()

	if err := p.SetReadTimeout(readPoll); err != nil {
		return false, fmt.Errorf("set read timeout: %w", err)
	}
	_ = p.ResetInputBuffer()
	if _, err := p.Write(req); err != nil {
		return false, fmt.Errorf("write %s probe: %w", proto, err)
	}

	deadline := time.Now().Add(s.cfg.CommandTimeout)
	var buf bytes.Buffer
	chunk := make([]byte, 256)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		n, err := p.Read(chunk)
		if err != nil {
			return false, fmt.Errorf("read %s reply: %w", proto, err)
		}
		if n == 0 {
			continue
		}
		buf.Write(chunk[:n])
		if ok, done := reply(buf.Bytes()); done {
			return ok, nil
		}
	}
	// Silence within the command window.
	return false, nil
}

// open races serial.Open against ctx, closing a late-opened port.
func (s *SerialExchanger) open(ctx context.Context, path string) (serial.Port, error) {
	type result struct {
		p   serial.Port
		err error
	}
	ch := make(chan result, 1)
	mode := &serial.Mode{BaudRate: s.cfg.BaudRate}
	go func() {
		p, err := serial.Open(path, mode)
		ch <- result{p: p, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil && r.p != nil {
				_ = r.p.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("open %s: %w", path, r.err)
		}
		return r.p, nil
	}
}
