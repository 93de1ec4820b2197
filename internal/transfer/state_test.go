package transfer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from State
		ev   EventKind
		want State
	}{
		{StateIdle, EventBegin, StateConnecting},
		{StateConnecting, EventConnected, StateNegotiating},
		{StateNegotiating, EventResumed, StateStreaming},
		{StateStreaming, EventChunkAcked, StateStreaming},
		{StateStreaming, EventResumed, StateStreaming},
		{StateStreaming, EventAllSent, StateCompleting},
		{StateCompleting, EventResumed, StateStreaming},
		{StateCompleting, EventFinalized, StateCompleted},
		{StateConnecting, EventChannelError, StateRetrying},
		{StateNegotiating, EventChannelError, StateRetrying},
		{StateStreaming, EventChannelError, StateRetrying},
		{StateCompleting, EventChannelError, StateRetrying},
		{StateRetrying, EventRetry, StateConnecting},
		{StateRetrying, EventRetriesExhausted, StateFailed},
		{StateStreaming, EventPeerError, StateFailed},
		{StateNegotiating, EventPeerError, StateFailed},
		{StateIdle, EventAbort, StateFailed},
		{StateRetrying, EventAbort, StateFailed},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			got, err := Transition(tt.from, tt.ev)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestTransitionRejectsInvalidEvents(t *testing.T) {
	tests := []struct {
		from State
		ev   EventKind
	}{
		{StateIdle, EventConnected},
		{StateIdle, EventChannelError},
		{StateConnecting, EventChunkAcked},
		{StateNegotiating, EventAllSent},
		{StateStreaming, EventFinalized},
		{StateRetrying, EventChannelError},
		{StateRetrying, EventResumed},
		{StateCompleted, EventAbort},
		{StateCompleted, EventChannelError},
		{StateFailed, EventRetry},
		{StateFailed, EventPeerError},
	}

	for _, tt := range tests {
		got, err := Transition(tt.from, tt.ev)
		require.ErrorIs(t, err, ErrInvalidTransition, "%s/%s", tt.from, tt.ev)
		require.Equal(t, tt.from, got)
	}
}

func TestTerminalStates(t *testing.T) {
	require.True(t, StateCompleted.Terminal())
	require.True(t, StateFailed.Terminal())
	for _, s := range []State{StateIdle, StateConnecting, StateNegotiating, StateStreaming, StateCompleting, StateRetrying} {
		require.False(t, s.Terminal(), s.String())
	}
}
