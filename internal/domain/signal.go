package domain

import "time"

// Signal bus channels and streams.
const (
	ChannelOpportunity = "ch:opportunity"
	ChannelScan        = "ch:scan"
	StreamScanRuns     = "stream:scan_runs"
)

// OpportunityEvent is published when an opportunity is first detected.
type OpportunityEvent struct {
	Type        string      `json:"type"` // "opportunity_detected"
	Opportunity Opportunity `json:"opportunity"`
	ScanID      string      `json:"scan_id"`
	At          time.Time   `json:"at"`
}

// ScanEvent is published when a scan pass finishes.
type ScanEvent struct {
	Type   string  `json:"type"` // "scan_completed" or "scan_failed"
	Run    ScanRun `json:"run"`
	Reason string  `json:"reason,omitempty"`
}

// ScannerStatus is a summary of the scanner's current operational state.
type ScannerStatus struct {
	Mode          string
	CatalogSize   int
	Threshold     string
	Running       bool
	UptimeSeconds int64
	LastRun       *ScanRun
}
