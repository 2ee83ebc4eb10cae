package main

import (
	"fmt"
	"strings"

	"github.com/gezibash/arc-modem/internal/arbiter"
	"github.com/gezibash/arc-modem/internal/cli"
	"github.com/gezibash/arc-modem/internal/history"
	"github.com/gezibash/arc-modem/internal/history/physical"
	"github.com/gezibash/arc-modem/internal/modem"
	"github.com/gezibash/arc-modem/internal/port"
	"github.com/gezibash/arc-modem/internal/storage"
)

func claimedPorts(ports []modem.Claimed) []string {
	out := make([]string, 0, len(ports))
	for _, c := range ports {
		out = append(out, fmt.Sprintf("%s=%s", c.Port.Key(), c.Role))
	}
	return out
}

func storedPorts(ports []history.Port) []string {
	out := make([]string, 0, len(ports))
	for _, p := range ports {
		out = append(out, p.Port+"="+p.Role)
	}
	return out
}

func probesTable(out *cli.Output, outcomes []arbiter.Outcome) *cli.Table {
	tbl := out.Table("probes", "UID", "Port", "Driver", "State", "Flags", "Error").
		Title("Probes").
		Empty("no ports probed")
	for _, o := range outcomes {
		for _, r := range o.Probes {
			tbl.AddRow(o.Device.UID, r.Port.Key(), r.Port.Driver, r.State, probeFlags(r), r.Err)
		}
	}
	return tbl
}

// probeFlags lists confirmed flags, then denied ones prefixed with "!".
func probeFlags(r port.ProbeResult) []string {
	var out []string
	if r.Flags != 0 {
		out = append(out, r.Flags.String())
	}
	if r.Denied != 0 {
		out = append(out, "!"+r.Denied.String())
	}
	return out
}

func modemsTable(out *cli.Output, outcomes []arbiter.Outcome) *cli.Table {
	tbl := out.Table("modems", "UID", "Device", "Plugin", "Kind", "Ports").
		Title("Modems").
		Empty("no modems")
	for _, o := range outcomes {
		if o.State != arbiter.StateReady || o.Modem == nil {
			continue
		}
		tbl.AddRow(o.Device.UID, o.Device.IDs(), o.Plugin, o.Modem.Kind(), claimedPorts(o.Modem.Ports()))
	}
	return tbl
}

func failuresTable(out *cli.Output, outcomes []arbiter.Outcome) *cli.Table {
	tbl := out.Table("failures", "UID", "State", "Kind", "Reason").
		Title("Failures").
		Empty("no failures")
	for _, o := range outcomes {
		switch {
		case o.Idle():
			tbl.AddRow(o.Device.UID, "idle", "", "no candidate ports")
		case o.Err != nil:
			tbl.AddRow(o.Device.UID, o.State, o.Err.Kind, o.Err.Reason)
		}
		for _, s := range o.Skipped {
			tbl.AddRow(o.Device.UID, "skipped", s.Kind, skipReason(s))
		}
	}
	return tbl
}

func skipReason(e *arbiter.Error) string {
	if e.Port.Name == "" {
		return e.Reason
	}
	return e.Port.String() + ": " + e.Reason
}

func recordsTable(out *cli.Output, recs []history.Record) *cli.Table {
	tbl := out.Table("history", "Time", "UID", "Event", "Plugin", "Kind", "Ports", "Reason").
		Empty("no history")
	for _, r := range recs {
		kind := r.Kind
		if r.ErrorKind != "" {
			kind = r.ErrorKind
		}
		tbl.AddRow(r.Time, r.UID, string(r.Event), r.Plugin, kind, storedPorts(r.Ports), firstLine(r.Reason))
	}
	return tbl
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func backendsTable(out *cli.Output) *cli.Table {
	tbl := out.Table("history-backends", "Name", "Defaults").Title("History Backends")
	for _, name := range physical.Backends() {
		tbl.AddRow(name, storage.Describe(physical.Defaults(name)))
	}
	return tbl
}
