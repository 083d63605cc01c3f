package client

import (
	"errors"
	"io"
	"net"
	"strings"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrTimeout      = errors.New("timeout waiting for radio response")
	ErrNoResponse   = errors.New("no response from radio")
	ErrRejected     = errors.New("radio rejected command")

	errIdle = errors.New("no frame before the idle timeout")
)

var lostConnectionMarkers = []string{
	"eof",
	"broken pipe",
	"connection reset",
	"use of closed network connection",
	"not connected",
	"connection refused",
}

// IsConnectionLost reports whether err means the transport is gone and
// the worker should reconnect. Timeouts and rejected commands are not.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrRejected) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range lostConnectionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
