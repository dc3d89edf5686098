package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitRunsAllHandlersEvenWhenOnePanics(t *testing.T) {
	b := New(zerolog.Nop())

	var mu sync.Mutex
	var ran []string

	b.RegisterHandler("klippy:ready", func(args ...any) {
		panic("boom")
	})
	b.RegisterHandler("klippy:ready", func(args ...any) {
		mu.Lock()
		ran = append(ran, "second")
		mu.Unlock()
	})

	b.Emit("klippy:ready")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 1
	}, time.Second, time.Millisecond)
}

func TestRegisterNotificationFansOutToNotifier(t *testing.T) {
	b := New(zerolog.Nop())
	b.RegisterNotification("file_manager:metadata_update", "file_manager:metadata_update")

	done := make(chan struct{})
	var gotMethod string
	var gotArgs []any
	b.SetNotifier(func(method string, args []any) {
		gotMethod = method
		gotArgs = args
		close(done)
	})

	b.Emit("file_manager:metadata_update", map[string]any{"filename": "a.gcode"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notifier never called")
	}
	assert.Equal(t, "file_manager:metadata_update", gotMethod)
	require.Len(t, gotArgs, 1)
}

func TestEventWithNoNotificationMappingStaysInternal(t *testing.T) {
	b := New(zerolog.Nop())
	called := false
	b.SetNotifier(func(method string, args []any) { called = true })

	b.Emit("internal:only")
	time.Sleep(10 * time.Millisecond)
	assert.False(t, called)
}
