package node

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juanpablocruz/spindle/pkg/metrics"
)

func TestErrorCodes(t *testing.T) {
	cases := []struct {
		err  error
		code uint32
	}{
		{nil, CodeOK},
		{ErrUnreachable, CodeUnreachable},
		{fmt.Errorf("%w: edge to rank 3 closed", ErrUnreachable), CodeUnreachable},
		{ErrSessionEnded, CodeSessionEnded},
		{ErrIO, CodeIO},
		{errors.New("disk on fire"), CodeIO},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, ErrorCode(tc.err), "%v", tc.err)
	}

	assert.ErrorIs(t, errorFromCode(CodeUnreachable), ErrUnreachable)
	assert.ErrorIs(t, errorFromCode(CodeSessionEnded), ErrSessionEnded)
	err := errorFromCode(13)
	assert.ErrorIs(t, err, ErrIO)
	assert.Contains(t, err.Error(), "13")
}

func TestResultCode(t *testing.T) {
	assert.Equal(t, CodeOK, Result{Found: true, LocalPath: "/x"}.Code())
	assert.Equal(t, CodeNotFound, Result{}.Code())
	assert.Equal(t, CodeUnreachable, Result{Err: ErrUnreachable}.Code())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Pull ")
	require.NoError(t, err)
	assert.Equal(t, ModePull, m)
	m, err = ParseMode("push")
	require.NoError(t, err)
	assert.Equal(t, ModePush, m)
	_, err = ParseMode("broadcast")
	assert.Error(t, err)
	assert.Equal(t, "mode(9)", Mode(9).String())
}

func TestStaticFabric(t *testing.T) {
	f := StaticFabric{Hosts: []string{"a", "b", "c"}}
	info, err := f.Exchange(context.Background(), "c", 0)
	require.NoError(t, err)
	assert.Equal(t, FabricInfo{Rank: 2, Size: 3, Hosts: []string{"a", "b", "c"}}, info)
	info.Hosts[0] = "z"
	assert.Equal(t, "a", f.Hosts[0])

	_, err = f.Exchange(context.Background(), "d", 0)
	assert.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
	_, err = New("a", WithPorts(0, 4))
	assert.Error(t, err)
	_, err = New("a", WithMode(Mode(7)))
	assert.Error(t, err)
	_, err = New("a", WithHosts([]string{"b", "a"}))
	assert.Error(t, err)

	n, err := New("a", WithHosts([]string{"a", "b"}), WithLogger(nil))
	require.NoError(t, err)
	id := n.Identity()
	assert.Equal(t, noRank, id.Rank)
	assert.Equal(t, "a", id.Hostname)
	assert.Equal(t, StateUnstarted, n.State())
}

func TestCheckRank(t *testing.T) {
	n, err := New("a", WithRank(3))
	require.NoError(t, err)
	assert.NoError(t, n.checkRank(3))
	assert.ErrorIs(t, n.checkRank(2), ErrRankMismatch)

	n.wantRank = -1
	n.extRank = 4
	assert.ErrorIs(t, n.checkRank(3), ErrRankMismatch)
	n.extRank = -1
	n.rank = 1
	assert.ErrorIs(t, n.checkRank(3), ErrRankMismatch)
	assert.NoError(t, n.checkRank(1))
}

func TestEventFeedsMetrics(t *testing.T) {
	var s metrics.Sample = Event{Node: "n1", Type: EventSendData, Fields: map[string]any{"bytes": 42, "to": int32(3)}}
	assert.Equal(t, "send_data", s.GetType())
	assert.Equal(t, "n1", s.Source())
	assert.Equal(t, int64(42), s.Int("bytes"))
	assert.Equal(t, int64(3), s.Int("to"))
	assert.Zero(t, s.Int("missing"))
}
