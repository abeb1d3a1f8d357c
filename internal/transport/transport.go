// Package transport opens the duplex byte stream to a Neovim instance.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
)

// ErrAddressNotFound is returned when an address is neither an ipv4:port
// literal nor an existing local socket path.
var ErrAddressNotFound = errors.New("transport: address not found")

var tcpAddress = regexp.MustCompile(`^([0-9]+\.[0-9]+\.[0-9]+\.[0-9]+):([0-9]+)$`)

// Kind names the binding chosen for an address.
type Kind string

const (
	KindTCP  Kind = "tcp"
	KindUnix Kind = "unix"
	KindPipe Kind = "pipe"
)

// Resolve picks the binding for address without connecting.
func Resolve(address string) (Kind, error) {
	if tcpAddress.MatchString(address) {
		return KindTCP, nil
	}
	return resolveLocal(address)
}

// Dial connects to address. An ipv4:port literal selects TCP; anything else
// is a filesystem path to a unix domain socket or, on Windows, a named pipe.
func Dial(ctx context.Context, address string) (net.Conn, error) {
	kind, err := Resolve(address)
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	switch kind {
	case KindTCP:
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", address)
	default:
		conn, err = dialLocal(ctx, address)
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s %s: %w", kind, address, err)
	}
	return conn, nil
}
