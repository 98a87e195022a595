// Package portutil provides loopback port allocation helpers.
package portutil

import (
	"fmt"
	"net"
	"time"
)

// AllocatePort allocates an available port using OS assignment.
// This approach is thread-safe and avoids port conflicts.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// IsFree reports whether the given loopback port can currently be bound.
func IsFree(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// WaitReachable blocks until a TCP connection to 127.0.0.1:port succeeds
// or the deadline elapses. Used as the first stage of worker readiness.
func WaitReachable(port int, deadline time.Time) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for {
		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("port %d not reachable before deadline", port)
		}
		time.Sleep(100 * time.Millisecond)
	}
}
