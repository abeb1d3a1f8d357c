//go:build !windows

package transport

import (
	"context"
	"fmt"
	"net"
	"os"
)

func resolveLocal(address string) (Kind, error) {
	if _, err := os.Stat(address); err != nil {
		return "", fmt.Errorf("%w: %s", ErrAddressNotFound, address)
	}
	return KindUnix, nil
}

func dialLocal(ctx context.Context, path string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", path)
}
