package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	EnvelopesReceived  atomic.Int64
	EnvelopesFailed    atomic.Int64
	EventsAccepted     atomic.Int64
	EventsDuplicate    atomic.Int64
	EventsRejected     atomic.Int64
	EventsSkipped      atomic.Int64
	EventsNotStarted   atomic.Int64
	ZoneTransitions    atomic.Int64
	DispatchFailures   atomic.Int64
	NotifyQueueDrops   atomic.Int64
	StateQueueDrops    atomic.Int64
	StatePublishErrors atomic.Int64
	HistoryPurged      atomic.Int64
)

func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "tracker_envelopes_received_total %d\n", EnvelopesReceived.Load())
	fmt.Fprintf(w, "tracker_envelopes_failed_total %d\n", EnvelopesFailed.Load())
	fmt.Fprintf(w, "tracker_events_accepted_total %d\n", EventsAccepted.Load())
	fmt.Fprintf(w, "tracker_events_duplicate_total %d\n", EventsDuplicate.Load())
	fmt.Fprintf(w, "tracker_events_rejected_total %d\n", EventsRejected.Load())
	fmt.Fprintf(w, "tracker_events_skipped_total %d\n", EventsSkipped.Load())
	fmt.Fprintf(w, "tracker_events_not_started_total %d\n", EventsNotStarted.Load())
	fmt.Fprintf(w, "tracker_zone_transitions_total %d\n", ZoneTransitions.Load())
	fmt.Fprintf(w, "tracker_dispatch_failures_total %d\n", DispatchFailures.Load())
	fmt.Fprintf(w, "tracker_notify_queue_drops_total %d\n", NotifyQueueDrops.Load())
	fmt.Fprintf(w, "tracker_state_queue_drops_total %d\n", StateQueueDrops.Load())
	fmt.Fprintf(w, "tracker_state_publish_errors_total %d\n", StatePublishErrors.Load())
	fmt.Fprintf(w, "tracker_history_purged_total %d\n", HistoryPurged.Load())
}
