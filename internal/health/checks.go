package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os/exec"
)

// Executable returns a [Checker] that passes when file resolves to an
// executable, either as a path or through PATH.
func Executable(name, file string) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			if file == "" {
				return errors.New("no executable configured")
			}
			if _, err := exec.LookPath(file); err != nil {
				return err
			}
			return nil
		},
	}
}

// Reachable returns a [Checker] that passes when a TCP connection to the
// host of rawURL can be established. Only the connection is tested; nothing
// is sent. A URL without a port uses the scheme's default.
func Reachable(name, rawURL string) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			addr, err := dialAddr(rawURL)
			if err != nil {
				return err
			}
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}
}

func dialAddr(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host", rawURL)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	switch u.Scheme {
	case "https", "wss":
		return net.JoinHostPort(u.Hostname(), "443"), nil
	case "http", "ws":
		return net.JoinHostPort(u.Hostname(), "80"), nil
	}
	return "", fmt.Errorf("url %q: unsupported scheme %q", rawURL, u.Scheme)
}
