package systemd

import (
	"errors"
	"testing"
	"time"

	logx "reposentinel/pkg/logx"
)

func TestStatusFromProps(t *testing.T) {
	t.Parallel()
	since := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st := statusFromProps("sentinel.service", map[string]interface{}{
		"ActiveState":          "active",
		"SubState":             "running",
		"LoadState":            "loaded",
		"Description":          "repository sentinel",
		"MainPID":              uint32(4242),
		"MemoryCurrent":        uint64(32 << 20),
		"ActiveEnterTimestamp": uint64(since.UnixMicro()),
	})
	if !st.Running() || st.SubState != "running" || st.MainPID != 4242 || st.Memory != 32<<20 {
		t.Fatalf("status = %+v", st)
	}
	if !st.ActiveSince.Equal(since) {
		t.Fatalf("since = %v, want %v", st.ActiveSince, since)
	}
}

func TestStatusFromPropsNotFound(t *testing.T) {
	t.Parallel()
	st := statusFromProps("x.service", map[string]interface{}{"LoadState": "not-found", "MemoryCurrent": ^uint64(0)})
	if st.Running() || st.LoadState != "not-found" || st.Memory != 0 {
		t.Fatalf("status = %+v", st)
	}
}

func TestUnitName(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{
		"sentinel":         "sentinel.service",
		" sentinel.timer ": "sentinel.timer",
		"":                 "",
	} {
		if got := UnitName(in); got != want {
			t.Fatalf("UnitName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNotifierSends(t *testing.T) {
	t.Parallel()
	var got []string
	n := NewNotifier(logx.Nop())
	n.notify = func(state string) (bool, error) {
		got = append(got, state)
		if state == "STOPPING=1" {
			return false, errors.New("socket gone")
		}
		return true, nil
	}
	n.Ready()
	n.Status("idle")
	n.Stopping()
	want := []string{"READY=1", "STATUS=idle", "STOPPING=1"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
