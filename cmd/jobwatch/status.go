package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/loykin/jobwatch/internal/monitor"
	"github.com/olekukonko/tablewriter"
)

func printStatus(out io.Writer, s monitor.Snapshot) error {
	table := tablewriter.NewWriter(out)
	table.Header("Field", "Value")

	session := "absent"
	if s.SessionPresent {
		session = "present"
	}
	pids := make([]string, 0, len(s.PIDs))
	for _, p := range s.PIDs {
		pids = append(pids, strconv.Itoa(int(p)))
	}
	memory := fmt.Sprintf("%d%%", s.MemoryPercent)
	if s.MemoryOver {
		memory += " (over threshold)"
	}
	lastOutput := "never"
	if !s.LastOutput.IsZero() {
		lastOutput = s.LastOutput.Format(time.RFC3339)
	}

	rows := [][]string{
		{"session", s.Session + " (" + session + ")"},
		{"status", string(s.Status)},
		{"pids", strings.Join(pids, ",")},
		{"memory", memory},
		{"last output", lastOutput},
	}
	if s.LastCycle != nil {
		outcome := "failed"
		if s.LastCycle.Succeeded {
			outcome = "succeeded"
		}
		rows = append(rows, []string{"last restart", fmt.Sprintf("%s, %d attempt(s)", outcome, len(s.LastCycle.Attempts))})
	}
	if s.Held {
		rows = append(rows, []string{"held", "killed; restart to resume"})
	}
	for _, r := range rows {
		if err := table.Append(r); err != nil {
			return err
		}
	}
	return table.Render()
}
