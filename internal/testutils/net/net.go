// Package net hands out free TCP ports for the tests.
package net

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// SharedPortManager makes sure that tests running in parallel do not get the same port.
var SharedPortManager = &PortManager{used: make(map[int]struct{})}

type PortManager struct {
	mu   sync.Mutex
	used map[int]struct{}
}

// GetFreePort returns localhost TCP port which is free and hasn't been handed out before.
func (pm *PortManager) GetFreePort() (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for i := 0; i < 100; i++ {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return 0, err
		}
		port := l.Addr().(*net.TCPAddr).Port
		if err := l.Close(); err != nil {
			return 0, err
		}
		if _, ok := pm.used[port]; !ok {
			pm.used[port] = struct{}{}
			return port, nil
		}
	}
	return 0, errors.New("no free port found")
}

func (pm *PortManager) GetRandomFreePort(t testing.TB) int {
	port, err := pm.GetFreePort()
	require.NoError(t, err)
	return port
}
