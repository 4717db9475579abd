// Package bridge implements the per-channel rendezvous state machine: one
// request slot and one reply slot per channel, a long-poll dequeue protocol
// with a single-reader interlock, and daily traffic counters.
package bridge

// Direction selects which of a channel's two mailboxes an operation targets.
// The kernel peer enqueues requests and dequeues replies; the browser peer
// does the opposite.
type Direction string

const (
	Request Direction = "request"
	Reply   Direction = "reply"
)

// Slot record fields as persisted in the store.
const (
	fieldMessage       = "message"
	fieldPostedTime    = "posted_time"
	fieldPickupTime    = "pickup_time"
	fieldDequeueBusy   = "dequeue_busy"
	fieldFastPollsLeft = "reply_fast_polls_left"
)

// dequeue_busy values.
const (
	busyStatus = "busy"
	idleStatus = "idle"
)

// Key prefixes for the daily counter records.
const (
	statPrefix  = "stat"
	countPrefix = "count"
)

// SlotKey returns the store key for a channel's slot in one direction,
// e.g. "8a61...:request".
func SlotKey(channel string, dir Direction) string {
	return channel + ":" + string(dir)
}

// Slot is a decoded view of one mailbox record. A message set to the empty
// string is still a pending message; HasMessage carries the distinction.
type Slot struct {
	Message       string
	HasMessage    bool
	PostedTime    string
	PickupTime    string
	Busy          bool
	FastPollsLeft string
}

func slotFromFields(fields map[string]string) Slot {
	message, hasMessage := fields[fieldMessage]
	return Slot{
		Message:       message,
		HasMessage:    hasMessage,
		PostedTime:    fields[fieldPostedTime],
		PickupTime:    fields[fieldPickupTime],
		Busy:          fields[fieldDequeueBusy] == busyStatus,
		FastPollsLeft: fields[fieldFastPollsLeft],
	}
}
