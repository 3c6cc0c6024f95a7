package models

import "time"

// IdempotencyRecord is one (event_id, handler_name) row (spec.md §3).
type IdempotencyRecord struct {
	EventID     string
	HandlerName string
	FirstSeenAt time.Time
	ResultHash  *string
}
