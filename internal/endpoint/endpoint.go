// Package endpoint resolves listen and dial targets for the codesession
// control plane. Supported forms: http://host:port, https://host:port,
// host:port (listen only), unix://path, or an absolute socket path.
package endpoint

import (
	"fmt"
	"os"
	"strings"
)

const (
	DefaultListenAddr = "127.0.0.1:8787"

	hostEnv = "CODESESSION_HOST"
)

type Endpoint struct {
	Scheme  string // "http", "https", or "unix"
	Address string // host:port or socket path
	BaseURL string // base for HTTP requests
}

func defaultEndpoint() Endpoint {
	return Endpoint{
		Scheme:  "http",
		Address: DefaultListenAddr,
		BaseURL: "http://" + DefaultListenAddr,
	}
}

// ResolveListen resolves an endpoint for server-side listening.
func ResolveListen(raw string) (Endpoint, error) {
	return resolve(raw, true)
}

// Resolve resolves an endpoint for client-side dialing.
func Resolve(raw string) (Endpoint, error) {
	return resolve(raw, false)
}

func resolve(raw string, listen bool) (Endpoint, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = strings.TrimSpace(os.Getenv(hostEnv))
	}
	if value == "" {
		return defaultEndpoint(), nil
	}

	switch {
	case strings.HasPrefix(value, "unix://"):
		path := strings.TrimPrefix(value, "unix://")
		if path == "" {
			return Endpoint{}, fmt.Errorf("invalid unix endpoint %q", value)
		}
		return Endpoint{Scheme: "unix", Address: path, BaseURL: "http://unix"}, nil
	case strings.HasPrefix(value, "http://"):
		return Endpoint{Scheme: "http", Address: strings.TrimPrefix(value, "http://"), BaseURL: value}, nil
	case strings.HasPrefix(value, "https://"):
		return Endpoint{Scheme: "https", Address: strings.TrimPrefix(value, "https://"), BaseURL: value}, nil
	case strings.HasPrefix(value, "/"):
		return Endpoint{Scheme: "unix", Address: value, BaseURL: "http://unix"}, nil
	case listen && strings.Contains(value, ":"):
		return Endpoint{Scheme: "http", Address: value, BaseURL: "http://" + value}, nil
	default:
		expected := "http://, https://, unix://, or absolute unix socket path"
		if listen {
			expected = "host:port, " + expected
		}
		return Endpoint{}, fmt.Errorf("unsupported endpoint %q (expected %s)", value, expected)
	}
}

// WebsocketURL derives the ws:// or wss:// form of the endpoint's base URL.
func (e Endpoint) WebsocketURL() string {
	switch {
	case strings.HasPrefix(e.BaseURL, "https://"):
		return "wss://" + strings.TrimPrefix(e.BaseURL, "https://")
	case strings.HasPrefix(e.BaseURL, "http://"):
		return "ws://" + strings.TrimPrefix(e.BaseURL, "http://")
	default:
		return e.BaseURL
	}
}
