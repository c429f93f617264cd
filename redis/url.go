package redis

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const defaultPort = "6379"

// Options is the parsed form of a store connection URL.
type Options struct {
	Addr     string // host:port
	Password string // empty means no AUTH step
	DB       int    // namespace index, SELECTed when non-zero
}

// ParseURL parses a connection URL of the form
//
//	redis://[:password@]host[:port][/db]
//
// The port defaults to the store's well-known port and the namespace
// index defaults to 0.
func ParseURL(raw string) (Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Options{}, fmt.Errorf("redis: invalid url %q: %w", raw, err)
	}
	if u.Scheme != "redis" {
		return Options{}, fmt.Errorf("redis: unsupported scheme %q in %q", u.Scheme, raw)
	}
	if u.Hostname() == "" {
		return Options{}, fmt.Errorf("redis: missing host in %q", raw)
	}

	port := u.Port()
	if port == "" {
		port = defaultPort
	}

	opts := Options{
		Addr: net.JoinHostPort(u.Hostname(), port),
	}
	if u.User != nil {
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		} else {
			// redis://secret@host is accepted as a bare password too.
			opts.Password = u.User.Username()
		}
	}

	if path := strings.TrimPrefix(u.Path, "/"); path != "" {
		db, err := strconv.Atoi(path)
		if err != nil || db < 0 {
			return Options{}, fmt.Errorf("redis: invalid namespace index %q in %q", path, raw)
		}
		opts.DB = db
	}
	return opts, nil
}
