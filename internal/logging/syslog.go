// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"fmt"
	"net"
	"time"

	npfwerrors "grimm.is/npfw/internal/errors"
)

// SyslogConfig configures forwarding of the master/G-C logger to a remote
// syslog collector. It is entirely optional ambient infrastructure; the
// packet path never touches it.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // "udp" or "tcp"
	Tag      string
	Facility int
}

// DefaultSyslogConfig returns the disabled-by-default configuration.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Enabled:  false,
		Port:     514,
		Protocol: "udp",
		Tag:      "npfw",
		Facility: 1,
	}
}

// SyslogWriter forwards log lines to a remote syslog collector over a
// plain UDP or TCP connection using RFC 3164 framing.
type SyslogWriter struct {
	conn     net.Conn
	tag      string
	facility int
}

// NewSyslogWriter dials cfg.Host:cfg.Port and returns a writer that frames
// each Write as one syslog message. Missing fields are defaulted the way
// DefaultSyslogConfig defaults them.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, npfwerrors.New(npfwerrors.KindValidation, "syslog: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "npfw"
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	conn, err := net.DialTimeout(cfg.Protocol, addr, 5*time.Second)
	if err != nil {
		return nil, npfwerrors.Wrapf(err, npfwerrors.KindUnavailable, "syslog: dial %s", addr)
	}

	return &SyslogWriter{conn: conn, tag: cfg.Tag, facility: cfg.Facility}, nil
}

// Write implements io.Writer, framing p as a single syslog message with
// priority = facility*8 + severity(informational).
func (w *SyslogWriter) Write(p []byte) (int, error) {
	const severityInfo = 6
	pri := w.facility*8 + severityInfo
	msg := fmt.Sprintf("<%d>%s %s: %s", pri, time.Now().Format(time.Stamp), w.tag, p)
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying connection.
func (w *SyslogWriter) Close() error {
	return w.conn.Close()
}
