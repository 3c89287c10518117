// Package svcfields centralises the structured logging fields shared by every
// slotd component.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// Field keys used across components so log queries stay stable.
const (
	KeyRemote   = "remote"
	KeyConn     = "conn"
	KeyIdentity = "identity"
	KeySlot     = "slot"
)

// Ensure returns logger when non-nil, otherwise a disabled logger.
func Ensure(logger pslog.Logger) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	return logger
}

// Subsystem builds a dot-delimited subsystem path from the supplied parts while
// skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
