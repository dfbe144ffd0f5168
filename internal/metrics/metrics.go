// Package metrics records pipeline counters and latencies.
package metrics

import "time"

// Counter and latency names recorded by the pipeline.
const (
	TagsRead         = "tag_read"
	TagParseErrors   = "tag_parse_error"
	PreflightChecks  = "preflight_check"
	SettlementsOK    = "settlement_success"
	SettlementsError = "settlement_error"
	ApprovalLatency  = "approval_confirm"
	PaymentLatency   = "payment_confirm"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
