package audit

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

type exportFunc func(w io.Writer, events []*Event) error

func exporterFor(format ExportFormat) (exportFunc, error) {
	switch format {
	case ExportFormatJSON, "":
		return exportJSON, nil
	case ExportFormatNDJSON:
		return exportNDJSON, nil
	case ExportFormatCSV:
		return exportCSV, nil
	}
	return nil, fmt.Errorf("unsupported export format %q", format)
}

// exportJSON writes audit events as a JSON array
func exportJSON(w io.Writer, events []*Event) error {
	if events == nil {
		events = []*Event{}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(events)
}

// exportNDJSON writes audit events as newline-delimited JSON
func exportNDJSON(w io.Writer, events []*Event) error {
	encoder := json.NewEncoder(w)
	for _, event := range events {
		if err := encoder.Encode(event); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}

var csvHeader = []string{
	"ID",
	"Timestamp",
	"EventType",
	"Status",
	"TenantID",
	"UserID",
	"StoreID",
	"Resource",
	"Action",
	"InstanceID",
	"RequestID",
	"Message",
	"Cause",
}

// exportCSV writes audit events as CSV; metadata is left out
func exportCSV(w io.Writer, events []*Event) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, event := range events {
		row := []string{
			event.ID,
			event.Timestamp.UTC().Format(time.RFC3339),
			string(event.EventType),
			string(event.Status),
			event.TenantID,
			event.UserID,
			event.StoreID,
			event.Resource,
			event.Action,
			event.InstanceID,
			event.RequestID,
			event.Message,
			event.Cause,
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}
