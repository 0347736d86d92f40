package port

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocate(t *testing.T) {
	p, err := Allocate()
	require.NoError(t, err)
	require.Greater(t, p, 0)
	require.LessOrEqual(t, p, 65535)

	// the port is released again and can be bound by the server
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

func TestAllocateDistinct(t *testing.T) {
	held := make([]net.Listener, 0, 5)
	defer func() {
		for _, l := range held {
			l.Close()
		}
	}()
	seen := map[int]bool{}
	for i := 0; i < 5; i++ {
		p, err := Allocate()
		require.NoError(t, err)
		require.False(t, seen[p], "port %d handed out twice while still bound", p)
		seen[p] = true
		l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
		require.NoError(t, err)
		held = append(held, l)
	}
}
