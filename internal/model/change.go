package model

// ChangeEventType is the kind of write observed on the commands table
type ChangeEventType string

const (
	ChangeEventInsert ChangeEventType = "INSERT"
	ChangeEventModify ChangeEventType = "MODIFY"
	ChangeEventRemove ChangeEventType = "REMOVE"
)

// ChangeEvent is one committed write delivered by a change stream.
// Delivery is at-least-once; consumers must tolerate duplicates.
type ChangeEvent struct {
	EventType ChangeEventType `json:"eventType"`
	New       *CommandRecord  `json:"new,omitempty"`
	Old       *CommandRecord  `json:"old,omitempty"`
}

// Record returns the most recent image carried by the event
func (e ChangeEvent) Record() *CommandRecord {
	if e.New != nil {
		return e.New
	}
	return e.Old
}
