package enumerate

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gezibash/arc-modem/internal/port"
	"github.com/gezibash/arc-modem/pkg/logging"
)

// SysfsConfig configures a SysfsSource.
type SysfsConfig struct {
	Root   string
	DevDir string
	// UdevDir holds the udev database merged into port properties.
	UdevDir string
	// Watch enables hot-plug tracking through DevDir.
	Watch bool
	// Debounce coalesces bursts of device node events into one rescan.
	Debounce time.Duration
	// Rescan forces a periodic rescan; zero disables it. Network interfaces
	// have no device node, so this is the only way to see them come and go
	// without another /dev event.
	Rescan time.Duration
}

// DefaultSysfsConfig returns the settings used on a real host.
func DefaultSysfsConfig() SysfsConfig {
	return SysfsConfig{
		Root:     DefaultSysfsRoot,
		DevDir:   "/dev",
		UdevDir:  DefaultUdevDir,
		Watch:    true,
		Debounce: 250 * time.Millisecond,
	}
}

// SysfsSource reports the devices found in sysfs and, when watching, the
// changes triggered by device nodes appearing in or leaving /dev.
type SysfsSource struct {
	cfg     SysfsConfig
	scanner *Scanner
	log     *logging.Logger
	known   []port.Device
}

// NewSysfsSource creates a source. log may be nil.
func NewSysfsSource(cfg SysfsConfig, log *logging.Logger) *SysfsSource {
	if cfg.DevDir == "" {
		cfg.DevDir = "/dev"
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if log == nil {
		log = logging.New(nil)
	}
	return &SysfsSource{
		cfg:     cfg,
		scanner: NewScanner(cfg.Root, cfg.UdevDir),
		log:     log.WithComponent("enumerate"),
	}
}

func (s *SysfsSource) Run(ctx context.Context, events chan<- Event) error {
	if err := s.rescan(ctx, events); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if !s.cfg.Watch {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(s.cfg.DevDir); err != nil {
		return fmt.Errorf("watch %s: %w", s.cfg.DevDir, err)
	}
	s.log.Info("watching for hot-plug", "dir", s.cfg.DevDir)

	debounce := time.NewTimer(s.cfg.Debounce)
	debounce.Stop()
	defer debounce.Stop()

	var periodic <-chan time.Time
	if s.cfg.Rescan > 0 {
		t := time.NewTicker(s.cfg.Rescan)
		defer t.Stop()
		periodic = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				debounce.Reset(s.cfg.Debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watcher error", "error", err)
		case <-debounce.C:
			if err := s.rescan(ctx, events); err != nil {
				s.log.Warn("rescan failed", "error", err)
			}
		case <-periodic:
			if err := s.rescan(ctx, events); err != nil {
				s.log.Warn("rescan failed", "error", err)
			}
		}
	}
}

func (s *SysfsSource) rescan(ctx context.Context, events chan<- Event) error {
	devs, err := s.scanner.Scan()
	if err != nil {
		return err
	}
	changes := Diff(s.known, devs)
	s.known = devs
	for _, ev := range changes {
		s.log.Debug("device "+ev.Type.String(), "uid", ev.Device.UID, "ports", len(ev.Device.Ports))
		if err := emit(ctx, events, ev); err != nil {
			return err
		}
	}
	return nil
}

func emit(ctx context.Context, events chan<- Event, ev Event) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
