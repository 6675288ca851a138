package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for identity event")
		return Event{}
	}
}

func TestHub_SignInSignOut(t *testing.T) {
	h := NewHub()

	ch, cancel := h.Subscribe()
	defer cancel()

	_, active := h.Current()
	require.False(t, active)

	h.SignedIn("u1")
	e := recvEvent(t, ch)
	require.Equal(t, SignedIn, e.Type)
	require.Equal(t, "u1", e.UserID)

	user, active := h.Current()
	require.True(t, active)
	require.Equal(t, "u1", user)

	h.SignedOut()
	require.Equal(t, SignedOut, recvEvent(t, ch).Type)

	_, active = h.Current()
	require.False(t, active)

	// Repeated sign-out emits nothing further
	h.SignedOut()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_UserSwitchEmitsSignOutFirst(t *testing.T) {
	h := NewHub()

	ch, cancel := h.Subscribe()
	defer cancel()

	h.SignedIn("u1")
	require.Equal(t, "u1", recvEvent(t, ch).UserID)

	h.SignedIn("u2")
	first := recvEvent(t, ch)
	require.Equal(t, SignedOut, first.Type)
	second := recvEvent(t, ch)
	require.Equal(t, SignedIn, second.Type)
	require.Equal(t, "u2", second.UserID)
}

func TestHub_LateSubscriberSeesActiveSession(t *testing.T) {
	h := NewHub()
	h.SignedIn("u1")

	ch, cancel := h.Subscribe()
	defer cancel()

	e := recvEvent(t, ch)
	require.Equal(t, SignedIn, e.Type)
	require.Equal(t, "u1", e.UserID)
}

func TestHub_CancelIsIdempotent(t *testing.T) {
	h := NewHub()

	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Broadcasting after cancellation must not panic
	h.SignedIn("u1")
}
