// Package netutil provides the TCP listener behind the agency's HTTP
// endpoint.
package netutil

import (
	"net"
	"time"
)

type keepAliveConn interface {
	SetKeepAlive(bool) error
	SetKeepAlivePeriod(d time.Duration) error
}

// keepAliveListener enables TCP keep-alives on every accepted
// connection, so half-dead agents are detected by the kernel instead
// of holding sockets open forever.
type keepAliveListener struct {
	net.Listener
	period time.Duration
}

func (l *keepAliveListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if ka, ok := c.(keepAliveConn); ok {
		ka.SetKeepAlive(true)
		ka.SetKeepAlivePeriod(l.period)
	}
	return c, nil
}

// NewKeepAliveListener listens on addr with keep-alive probing every
// period.
func NewKeepAliveListener(addr string, period time.Duration) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &keepAliveListener{Listener: l, period: period}, nil
}
