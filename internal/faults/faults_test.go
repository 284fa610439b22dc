package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("delete: %w", New(KindServerBusy, "delete", "g1/box1", "instance attached"))
	require.ErrorIs(t, err, ServerBusy)
	require.NotErrorIs(t, err, Unauthorized)
	require.Equal(t, KindServerBusy, KindOf(err))
}

func TestTerminalClassification(t *testing.T) {
	cases := []struct {
		err      error
		terminal bool
	}{
		{New(KindUnauthorized, "", "", ""), true},
		{New(KindQuotaExceeded, "", "", ""), true},
		{New(KindCapacity, "launch", "", ""), true},
		{New(KindConflict, "start", "", ""), false},
		{Wrap(KindTransient, "enqueue", errors.New("boom")), false},
		{errors.New("unclassified"), false},
		{nil, false},
	}
	for _, c := range cases {
		require.Equal(t, c.terminal, IsTerminal(c.err), "%v", c.err)
	}
}

func TestWrapNil(t *testing.T) {
	require.NoError(t, Wrap(KindTransient, "op", nil))
}

func TestErrorString(t *testing.T) {
	err := &Error{Kind: KindConflict, Op: "start", Key: "g1/box1", Err: errors.New("generation moved")}
	require.Equal(t, "[conflict_retry] start g1/box1: generation moved", err.Error())
	require.Contains(t, UserMessage(New(KindInvalidRequest, "", "", "server name too long")), "server name too long")
}
