//go:build windows

package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/Microsoft/go-winio"
)

const pipePrefix = `\\.\pipe\`

func resolveLocal(address string) (Kind, error) {
	if strings.HasPrefix(strings.ToLower(address), pipePrefix) {
		return KindPipe, nil
	}
	if _, err := os.Stat(address); err != nil {
		return "", fmt.Errorf("%w: %s", ErrAddressNotFound, address)
	}
	// Neovim on Windows listens on named pipes only.
	return KindPipe, nil
}

func dialLocal(ctx context.Context, path string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, path)
}
