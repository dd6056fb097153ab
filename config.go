package armi

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the handful of knobs a Hub needs before it can accept
// connections or place outbound calls. Values follow the teacher's
// config.go convention of sane defaults overridable by environment
// variables, rather than a flags package or config file parser: this
// runtime has three knobs total, not enough to justify either.
type Config struct {
	// ListenHostPort is the address AcceptRemoteClients binds when called
	// with an empty string.
	ListenHostPort string

	// CallTimeout is the default watchdog duration for an outbound call
	// when the caller does not specify one.
	CallTimeout time.Duration

	// ConnectTimeout bounds how long dialing a new peer may take.
	ConnectTimeout time.Duration
}

// DefaultConfig returns the out-of-the-box configuration, then applies any
// ARMI_LISTEN, ARMI_CALL_TIMEOUT, and ARMI_CONNECT_TIMEOUT overrides found
// in the environment.
func DefaultConfig() Config {
	cfg := Config{
		// HostPort{Port: DefaultPort}.String() renders "*:1441", which is
		// correct for display (matching HostPort.java's toString()) but not
		// usable as a literal bind address: net.Listen treats "*" as a
		// hostname to resolve, not a wildcard. An empty host is Go's
		// spelling of "all interfaces".
		ListenHostPort: fmt.Sprintf(":%d", DefaultPort),
		CallTimeout:    DefaultCallTimeout,
		ConnectTimeout: 10 * time.Second,
	}
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("ARMI_LISTEN"); v != "" {
		c.ListenHostPort = v
	}
	if v := os.Getenv("ARMI_CALL_TIMEOUT"); v != "" {
		if d, err := parseDurationSeconds(v); err == nil {
			c.CallTimeout = d
		} else {
			hubLog.WithField("value", v).Warn("ignoring malformed ARMI_CALL_TIMEOUT")
		}
	}
	if v := os.Getenv("ARMI_CONNECT_TIMEOUT"); v != "" {
		if d, err := parseDurationSeconds(v); err == nil {
			c.ConnectTimeout = d
		} else {
			hubLog.WithField("value", v).Warn("ignoring malformed ARMI_CONNECT_TIMEOUT")
		}
	}
}

// parseDurationSeconds accepts either a plain integer (seconds) or a
// Go duration string like "5s", matching the tolerant style of numeric
// environment overrides elsewhere in the corpus.
func parseDurationSeconds(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}
