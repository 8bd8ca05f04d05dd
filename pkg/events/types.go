// Package events delivers pipeline stage events to WebSocket clients,
// using PostgreSQL NOTIFY/LISTEN so every pod sees events published by
// any pod.
//
// Each analysis run has its own channel ("run:{analysis_id}"). A client
// subscribes to the run it is watching and receives one stage event per
// completed pipeline node, ending with a terminal decision event that
// carries the full response. Stage events are persisted to the events
// table before broadcast, so a client that reconnects mid-run can catch
// up from its last seen event id.
//
// A separate global channel ("runs") carries transient copies of
// terminal events for list views. Those are NOTIFY-only and may be
// missed across reconnects; list pages refresh over REST.
package events

// Event types carried in the envelope "type" field.
const (
	// EventTypeStageCompleted is published after each non-terminal
	// pipeline node finishes. Persisted and broadcast.
	EventTypeStageCompleted = "stage.completed"

	// EventTypeRunCompleted is the terminal event for a run. It carries
	// the full analysis response. Persisted and broadcast on the run
	// channel, with a transient copy on the global runs channel.
	EventTypeRunCompleted = "run.completed"
)

// GlobalRunsChannel carries transient terminal events for every run.
const GlobalRunsChannel = "runs"

// RunChannel returns the channel name for a single run's events.
// Format: "run:{analysis_id}"
func RunChannel(analysisID string) string {
	return "run:" + analysisID
}

// ClientMessage is the JSON structure for client to server WebSocket
// messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // channel name (e.g. "run:abc-123")
	LastEventID *int   `json:"last_event_id,omitempty"` // for catchup
}
