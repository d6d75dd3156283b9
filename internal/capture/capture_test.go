package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder is a Sink that keeps every signal it receives.
type recorder struct {
	mu   sync.Mutex
	got  []Signal
	seen chan struct{}
}

func newRecorder() *recorder {
	return &recorder{seen: make(chan struct{}, 64)}
}

func (r *recorder) HandleSignal(s Signal) {
	r.mu.Lock()
	r.got = append(r.got, s)
	r.mu.Unlock()
	select {
	case r.seen <- struct{}{}:
	default:
	}
}

func (r *recorder) signals() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Signal(nil), r.got...)
}

// waitFor blocks until the recorder holds n signals.
func (r *recorder) waitFor(t *testing.T, n int) []Signal {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if got := r.signals(); len(got) >= n {
			return got
		}
		select {
		case <-r.seen:
		case <-deadline:
			t.Fatalf("timed out waiting for %d signals, have %d", n, len(r.signals()))
		}
	}
}

// =============================================================================
// Signal kinds
// =============================================================================

func TestKindClass(t *testing.T) {
	cases := map[Kind]Class{
		KindVisibilityHidden:  ClassSwitchAway,
		KindFocusLost:         ClassSwitchAway,
		KindVisibilityVisible: ClassReturn,
		KindFocusGained:       ClassReturn,
		KindPointerDown:       ClassInteraction,
		KindClick:             ClassInteraction,
		KindKeyDown:           ClassInteraction,
		KindTextInput:         ClassTextInput,
		Kind("shake"):         ClassUnknown,
	}
	for k, want := range cases {
		assert.Equal(t, want, k.Class(), "kind %s", k)
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("  Focus-Lost ")
	require.NoError(t, err)
	assert.Equal(t, KindFocusLost, k)

	_, err = ParseKind("swipe")
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = ParseKind("")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

// =============================================================================
// Hub
// =============================================================================

func TestHubRejectsDuplicateSource(t *testing.T) {
	h := NewHub(newRecorder(), HubOptions{})
	require.NoError(t, h.Register(NewChanSource("phone", 1)))
	err := h.Register(NewChanSource("phone", 1))
	assert.ErrorIs(t, err, ErrDuplicateSource)
	assert.Equal(t, []string{"phone"}, h.Sources())
}

func TestHubForwardsFromSources(t *testing.T) {
	rec := newRecorder()
	var observed []Kind
	var mu sync.Mutex
	h := NewHub(rec, HubOptions{OnSignal: func(s Signal) {
		mu.Lock()
		observed = append(observed, s.Kind)
		mu.Unlock()
	}})

	a := NewChanSource("a", 8)
	b := NewChanSource("b", 8)
	require.NoError(t, h.Register(a))
	require.NoError(t, h.Register(b))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.True(t, a.Send(KindClick))
	require.True(t, b.Send(KindTextInput))
	got := rec.waitFor(t, 2)

	sources := map[string]Kind{}
	for _, s := range got {
		sources[s.Source] = s.Kind
	}
	assert.Equal(t, map[string]Kind{"a": KindClick, "b": KindTextInput}, sources)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is not a failure")
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	mu.Lock()
	assert.Len(t, observed, 2)
	mu.Unlock()

	assert.ErrorIs(t, h.Register(NewChanSource("c", 1)), ErrHubRunning)
}

func TestHubDropsUnknownKinds(t *testing.T) {
	rec := newRecorder()
	h := NewHub(rec, HubOptions{})
	h.HandleSignal(Signal{Kind: "wave"})
	h.HandleSignal(Signal{Kind: KindClick})
	assert.Equal(t, []Signal{{Kind: KindClick}}, rec.signals())
}

type failingSource struct{ err error }

func (f failingSource) Name() string { return "broken" }
func (f failingSource) Run(context.Context, Sink) error { return f.err }

func TestHubJoinsSourceFailures(t *testing.T) {
	boom := errors.New("boom")
	h := NewHub(newRecorder(), HubOptions{})
	require.NoError(t, h.Register(failingSource{err: boom}))
	ok := NewChanSource("ok", 1)
	require.NoError(t, h.Register(ok))
	ok.Close()

	err := h.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "broken")
}

// =============================================================================
// ChanSource
// =============================================================================

func TestChanSourceDrainsOnClose(t *testing.T) {
	src := NewChanSource("chan", 4)
	require.True(t, src.Send(KindClick))
	require.True(t, src.Send(KindKeyDown))
	src.Close()
	assert.False(t, src.Send(KindClick), "closed source refuses signals")

	rec := newRecorder()
	require.NoError(t, src.Run(context.Background(), rec))
	assert.Len(t, rec.signals(), 2)
}

func TestChanSourceFullBuffer(t *testing.T) {
	src := NewChanSource("chan", 1)
	assert.True(t, src.Send(KindClick))
	assert.False(t, src.Send(KindClick))
}

// =============================================================================
// IBus engine
// =============================================================================

func TestIBusEngineKeyEvents(t *testing.T) {
	rec := newRecorder()
	src := NewIBusSource(IBusConfig{}, nil)
	src.bind(rec)
	e := &ibusEngine{src: src}

	handled, derr := e.ProcessKeyEvent('a', 30, 0)
	assert.False(t, handled, "keys pass through")
	assert.Nil(t, derr)

	// Release of the same key is ignored.
	_, _ = e.ProcessKeyEvent('a', 30, ibusReleaseMask)
	// Shift produces no character.
	_, _ = e.ProcessKeyEvent(0xffe1, 42, 0)

	kinds := make([]Kind, 0)
	for _, s := range rec.signals() {
		kinds = append(kinds, s.Kind)
		assert.Equal(t, "ibus", s.Source)
	}
	assert.Equal(t, []Kind{KindKeyDown, KindTextInput, KindKeyDown}, kinds)
}

func TestIBusEngineFocus(t *testing.T) {
	rec := newRecorder()
	src := NewIBusSource(IBusConfig{}, nil)
	src.bind(rec)
	e := &ibusEngine{src: src}

	assert.Nil(t, e.FocusOut())
	assert.Nil(t, e.FocusIn())

	got := rec.signals()
	require.Len(t, got, 2)
	assert.Equal(t, KindFocusLost, got[0].Kind)
	assert.Equal(t, KindFocusGained, got[1].Kind)
}

func TestIBusEngineUnboundIsSilent(t *testing.T) {
	src := NewIBusSource(IBusConfig{}, nil)
	e := &ibusEngine{src: src}
	assert.NotPanics(t, func() { _, _ = e.ProcessKeyEvent('x', 45, 0) })
	assert.Equal(t, DefaultIBusBusName, src.cfg.BusName)
}

func TestKeyvalToRune(t *testing.T) {
	assert.Equal(t, 'a', keyvalToRune('a'))
	assert.Equal(t, 'é', keyvalToRune(0xe9))
	assert.Equal(t, '€', keyvalToRune(0x01000000+0x20ac))
	assert.Equal(t, rune(0), keyvalToRune(0xff0d))
}
