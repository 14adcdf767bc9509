package security

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

type ReportWindow struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Hours int       `json:"hours"`
}

type AddressCount struct {
	Address string `json:"address"`
	Count   int    `json:"count"`
}

type Report struct {
	Total               int               `json:"total_events"`
	ByType              map[EventType]int `json:"events_by_type"`
	ByThreat            map[Threat]int    `json:"events_by_threat"`
	ByAction            map[Action]int    `json:"events_by_action"`
	TopBlockedAddresses []AddressCount    `json:"top_blocked_addresses"`
	Window              ReportWindow      `json:"time_window"`
}

const topBlockedLimit = 10

// BuildReport aggregates events that fall inside window.
func BuildReport(events []Event, window ReportWindow) Report {
	report := Report{
		ByType:              map[EventType]int{},
		ByThreat:            map[Threat]int{},
		ByAction:            map[Action]int{},
		TopBlockedAddresses: []AddressCount{},
		Window:              window,
	}
	blocked := map[string]int{}
	for _, event := range events {
		if event.Timestamp.Before(window.From) || event.Timestamp.After(window.To) {
			continue
		}
		report.Total++
		report.ByType[event.Type]++
		report.ByThreat[event.Threat]++
		report.ByAction[event.Action]++
		if event.Verdict == VerdictBlocked && event.Address != "" {
			blocked[event.Address]++
		}
	}
	for address, count := range blocked {
		report.TopBlockedAddresses = append(report.TopBlockedAddresses, AddressCount{Address: address, Count: count})
	}
	sort.Slice(report.TopBlockedAddresses, func(i, j int) bool {
		a, b := report.TopBlockedAddresses[i], report.TopBlockedAddresses[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Address < b.Address
	})
	if len(report.TopBlockedAddresses) > topBlockedLimit {
		report.TopBlockedAddresses = report.TopBlockedAddresses[:topBlockedLimit]
	}
	return report
}

var csvHeader = []string{"id", "timestamp", "event_type", "caller", "address", "verdict", "action", "rule", "threat_level", "excerpt"}

// ExportEvents writes events as a JSON array or CSV with a header row.
func ExportEvents(w io.Writer, events []Event, format string) error {
	switch format {
	case "", "json":
		if events == nil {
			events = []Event{}
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(events); err != nil {
			return fmt.Errorf("encode events json: %w", err)
		}
		return nil
	case "csv":
		writer := csv.NewWriter(w)
		if err := writer.Write(csvHeader); err != nil {
			return fmt.Errorf("write events csv header: %w", err)
		}
		for _, event := range events {
			record := []string{
				strconv.FormatInt(event.ID, 10),
				event.Timestamp.UTC().Format(time.RFC3339Nano),
				string(event.Type),
				event.Caller,
				event.Address,
				string(event.Verdict),
				string(event.Action),
				event.Rule,
				string(event.Threat),
				event.Excerpt,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("write events csv row: %w", err)
			}
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			return fmt.Errorf("flush events csv: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}
