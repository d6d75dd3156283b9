package capture

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
)

// IBus D-Bus names.
const (
	ibusEngineInterface = "org.freedesktop.IBus.Engine"
	ibusEnginePath      = "/org/freedesktop/IBus/Engine"

	// DefaultIBusBusName is the well-known name requested on the session bus.
	DefaultIBusBusName = "dev.phoneguard.IBus"
)

// ibusReleaseMask is set in the modifier state of key release events.
const ibusReleaseMask = 1 << 30

// ErrIBusUnsupported is returned by IBusSource.Run off Linux.
var ErrIBusUnsupported = errors.New("capture: ibus source is only available on linux")

// IBusConfig configures an IBusSource.
type IBusConfig struct {
	// BusName is the name requested on the session bus.
	BusName string
}

// IBusSource observes keyboard and focus activity through an IBus input
// method engine. The engine is pass-through: it never consumes a key.
type IBusSource struct {
	cfg    IBusConfig
	logger *slog.Logger

	mu   sync.RWMutex
	sink Sink
}

// NewIBusSource returns an idle source.
func NewIBusSource(cfg IBusConfig, logger *slog.Logger) *IBusSource {
	if cfg.BusName == "" {
		cfg.BusName = DefaultIBusBusName
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &IBusSource{cfg: cfg, logger: logger}
}

func (s *IBusSource) Name() string { return "ibus" }

func (s *IBusSource) bind(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *IBusSource) emit(k Kind) {
	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink != nil {
		sink.HandleSignal(Signal{Kind: k, Source: s.Name()})
	}
}

// ibusEngine is the object exported on the bus. Its exported methods are the
// IBus engine callbacks.
type ibusEngine struct {
	src *IBusSource
}

// ProcessKeyEvent turns a key press into key_down, followed by text_input when
// the key produces a character. It always returns false so the key reaches the
// application unchanged.
func (e *ibusEngine) ProcessKeyEvent(keyval, keycode, state uint32) (bool, *dbus.Error) {
	if state&ibusReleaseMask != 0 {
		return false, nil
	}
	e.src.emit(KindKeyDown)
	if keyvalToRune(keyval) != 0 {
		e.src.emit(KindTextInput)
	}
	return false, nil
}

func (e *ibusEngine) FocusIn() *dbus.Error {
	e.src.emit(KindFocusGained)
	return nil
}

func (e *ibusEngine) FocusOut() *dbus.Error {
	e.src.emit(KindFocusLost)
	return nil
}

func (e *ibusEngine) SetContentType(purpose, hints uint32) *dbus.Error { return nil }

func (e *ibusEngine) SetSurroundingText(text string, cursorPos, anchorPos uint32) *dbus.Error {
	return nil
}

func (e *ibusEngine) Reset() *dbus.Error { return nil }
func (e *ibusEngine) Enable() *dbus.Error { return nil }
func (e *ibusEngine) Disable() *dbus.Error { return nil }

// keyvalToRune converts an X11 keysym to the character it types, or 0.
func keyvalToRune(keyval uint32) rune {
	switch {
	case keyval >= 0x20 && keyval <= 0x7e:
		return rune(keyval)
	case keyval >= 0xa0 && keyval <= 0xff:
		return rune(keyval)
	case keyval >= 0x01000000:
		return rune(keyval - 0x01000000)
	}
	return 0
}
