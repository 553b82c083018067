package systemd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/dbus"
)

// UnitStatus is the subset of unit properties the CLI shows.
type UnitStatus struct {
	Name        string
	Active      string // active, inactive, failed, ...
	SubState    string // running, dead, ...
	LoadState   string // loaded, not-found, ...
	Description string
	MainPID     uint32
	Memory      uint64
	ActiveSince time.Time
	StateChange time.Time
}

// Running reports whether the unit is active.
func (s UnitStatus) Running() bool { return s.Active == "active" }

// QueryUnit reads a unit's state from the system bus. A missing unit is not
// an error; it comes back with LoadState "not-found".
func QueryUnit(ctx context.Context, unit string) (UnitStatus, error) {
	unit = UnitName(unit)
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return UnitStatus{}, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		if isNoSuchUnitErr(err) {
			return notFound(unit), nil
		}
		return UnitStatus{}, fmt.Errorf("failed to get status for %s: %w", unit, err)
	}
	return statusFromProps(unit, props), nil
}

// UnitName appends ".service" when no unit type is given.
func UnitName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, ".") {
		return s
	}
	return s + ".service"
}

func notFound(unit string) UnitStatus {
	return UnitStatus{Name: unit, Active: "unknown", SubState: "not-found", LoadState: "not-found"}
}

func statusFromProps(unit string, props map[string]interface{}) UnitStatus {
	if str(props, "LoadState") == "not-found" {
		return notFound(unit)
	}
	st := UnitStatus{
		Name:        unit,
		Active:      str(props, "ActiveState"),
		SubState:    str(props, "SubState"),
		LoadState:   str(props, "LoadState"),
		Description: str(props, "Description"),
		ActiveSince: timestamp(props, "ActiveEnterTimestamp"),
		StateChange: timestamp(props, "StateChangeTimestamp"),
	}
	if pid, ok := props["MainPID"].(uint32); ok {
		st.MainPID = pid
	}
	// MemoryCurrent is MaxUint64 when accounting is off.
	if mem, ok := props["MemoryCurrent"].(uint64); ok && mem > 0 && mem != ^uint64(0) {
		st.Memory = mem
	}
	return st
}

func str(props map[string]interface{}, key string) string {
	s, _ := props[key].(string)
	return s
}

// timestamp decodes systemd's microseconds since the Unix epoch.
func timestamp(props map[string]interface{}, key string) time.Time {
	if ts, ok := props[key].(uint64); ok && ts > 0 {
		return time.UnixMicro(int64(ts))
	}
	return time.Time{}
}

func isNoSuchUnitErr(err error) bool {
	es := err.Error()
	// org.freedesktop.systemd1.NoSuchUnit
	return strings.Contains(es, "NoSuchUnit") || strings.Contains(es, "not-found")
}
