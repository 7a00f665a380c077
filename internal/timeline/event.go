package timeline

import "fmt"

// Kind names an event type. Attribute schemas differ between kinds.
type Kind string

// Known event kinds. Recorder streams additionally emit "<stream>_start" and
// "<stream>_stop"; see StreamStart and StreamStop.
const (
	KindSessionCreated   Kind = "session_created"
	KindPhaseStart       Kind = "phase_start"
	KindPhaseEnd         Kind = "phase_end"
	KindPhaseSkip        Kind = "phase_skip"
	KindPhaseRestart     Kind = "phase_restart"
	KindChecklist        Kind = "checklist_toggle"
	KindConnectAttempt   Kind = "connect_attempt"
	KindConnectSuccess   Kind = "connect_success"
	KindConnectFail      Kind = "connect_fail"
	KindStartSuccess     Kind = "start_success"
	KindStartFail        Kind = "start_fail"
	KindStopSuccess      Kind = "stop_success"
	KindStopFail         Kind = "stop_fail"
	KindKeepAliveFail    Kind = "keepalive_fail"
	KindDeviceDropped    Kind = "device_dropped"
	KindDisconnect       Kind = "disconnect"
	KindCapture          Kind = "capture"
	KindCaptureFail      Kind = "capture_fail"
	KindPause            Kind = "pause"
	KindResume           Kind = "resume"
	KindOperatorCommand  Kind = "operator_command"
	KindOperatorPrompt   Kind = "operator_prompt"
	KindBiosensorSummary Kind = "biosensor_summary"
	KindTeardownStart    Kind = "teardown_start"
	KindTeardownComplete Kind = "teardown_complete"
)

// StreamStart is the kind recorded when the named recorder stream starts.
func StreamStart(stream string) Kind { return Kind(stream + "_start") }

// StreamStop is the kind recorded when the named recorder stream stops.
func StreamStop(stream string) Kind { return Kind(stream + "_stop") }

// Event is a single immutable timeline entry. WallTime is seconds since the
// Unix epoch at microsecond resolution. Seq is the append order, starting at 1,
// and breaks ties between events sharing a WallTime.
type Event struct {
	Kind       Kind           `json:"kind"`
	WallTime   float64        `json:"wall_time"`
	Seq        uint64         `json:"seq"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Attrs is shorthand for event attribute maps.
type Attrs = map[string]any

// String returns the attribute as a string, or "" when absent.
func (e Event) String(key string) string {
	v, ok := e.Attributes[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Float returns a numeric attribute as float64. Events decoded from JSON carry
// float64 numbers while in-memory events may carry any integer type.
func (e Event) Float(key string) (float64, bool) {
	switch v := e.Attributes[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}

func copyAttrs(attrs Attrs) Attrs {
	if len(attrs) == 0 {
		return nil
	}
	out := make(Attrs, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
