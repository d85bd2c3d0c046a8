package serialmux

import "strings"

const (
	EventTypeSync    = "sync"
	EventTypeMark    = "mark"
	EventTypeJSON    = "json"
	EventTypeUnknown = "unknown"
)

// ClassifyPayload inspects a line from the signal device and returns an event
// type token. It only looks at the shape of the line; field validation is
// left to the consumer.
//
//	S <session> <external_time>        sync pulse
//	M <session> <class> [external_time] ground-truth mark
//	{...}                              JSON event
func ClassifyPayload(payload string) string {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "{") {
		return EventTypeJSON
	}
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return EventTypeUnknown
	}
	switch strings.ToUpper(fields[0]) {
	case "S":
		if len(fields) == 3 {
			return EventTypeSync
		}
	case "M":
		if len(fields) == 3 || len(fields) == 4 {
			return EventTypeMark
		}
	}
	return EventTypeUnknown
}
