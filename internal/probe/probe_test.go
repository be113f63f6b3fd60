package probe

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestSystem_DetectsOwnListener(t *testing.T) {
	_, port := listen(t)
	obs, err := NewSystem().Probe(context.Background(), port)
	require.NoError(t, err)
	assert.True(t, obs.Listening)
	if obs.OwnerPID != 0 {
		assert.Equal(t, os.Getpid(), obs.OwnerPID)
	}
}

func TestSystem_FreePortAfterClose(t *testing.T) {
	ln, port := listen(t)
	require.NoError(t, ln.Close())
	obs, err := NewSystem().Probe(context.Background(), port)
	require.NoError(t, err)
	assert.False(t, obs.Listening)
	assert.Contains(t, obs.String(), "free")
}

func TestSystem_TableOwnerAndUnknown(t *testing.T) {
	s := NewSystem()
	s.Table = func(context.Context) ([]psnet.ConnectionStat, error) {
		return []psnet.ConnectionStat{
			{Status: "ESTABLISHED", Laddr: psnet.Addr{Port: 7000}, Pid: 11},
			{Status: "LISTEN", Laddr: psnet.Addr{IP: "::", Port: 7001}, Pid: 0},
			{Status: "LISTEN", Laddr: psnet.Addr{IP: "0.0.0.0", Port: 7001}, Pid: int32(os.Getpid())},
			{Status: "LISTEN", Laddr: psnet.Addr{Port: 7002}, Pid: 0},
		}, nil
	}
	got, err := s.ProbeAll(context.Background(), []int{7000, 7001, 7002})
	require.NoError(t, err)

	assert.False(t, got[7000].Listening, "established sockets are not listeners")
	assert.True(t, got[7001].OwnerKnown())
	assert.Equal(t, os.Getpid(), got[7001].OwnerPID)
	assert.True(t, got[7002].Listening, "unknown owner must still report occupied")
	assert.False(t, got[7002].OwnerKnown())
	assert.Equal(t, "table", got[7002].Method)
}

func TestSystem_FallsBackToDial(t *testing.T) {
	_, port := listen(t)
	s := NewSystem()
	s.Table = func(context.Context) ([]psnet.ConnectionStat, error) {
		return nil, errors.New("permission denied")
	}
	obs, err := s.Probe(context.Background(), port)
	require.NoError(t, err)
	assert.True(t, obs.Listening)
	assert.Equal(t, 0, obs.OwnerPID)
	assert.Equal(t, "dial", obs.Method)
}

func TestSystem_DialFindsIPv6OnlyListener(t *testing.T) {
	ln, err := net.Listen("tcp", "[::1]:0")
	if err != nil {
		t.Skip("no IPv6 loopback")
	}
	defer func() { _ = ln.Close() }()
	port := ln.Addr().(*net.TCPAddr).Port

	s := NewSystem()
	s.Table = func(context.Context) ([]psnet.ConnectionStat, error) {
		return nil, errors.New("permission denied")
	}
	obs, err := s.Probe(context.Background(), port)
	require.NoError(t, err)
	assert.True(t, obs.Listening, "a listener on ::1 only must not be reported free")
	assert.Equal(t, "dial", obs.Method)

	s.Hosts = []string{"127.0.0.1"}
	obs, err = s.Probe(context.Background(), port)
	require.NoError(t, err)
	assert.False(t, obs.Listening)
}

func TestSystem_RejectsInvalidPort(t *testing.T) {
	_, err := NewSystem().Probe(context.Background(), 0)
	assert.Error(t, err)
}
