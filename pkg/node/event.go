package node

import (
	"time"

	"github.com/juanpablocruz/spindle/pkg/metrics"
)

type EventType string

const (
	EventLookup      EventType = metrics.TypeLookup
	EventCacheHit    EventType = metrics.TypeCacheHit
	EventBackingRead EventType = metrics.TypeBackingRead
	EventNotFound    EventType = metrics.TypeNotFound
	EventSendData    EventType = metrics.TypeSendData
	EventStoreData   EventType = metrics.TypeStoreData
	EventForwardReq  EventType = metrics.TypeForwardReq
	EventBroadcast   EventType = metrics.TypeBroadcast
	EventConnChange  EventType = metrics.TypeConnChange
	EventWarn        EventType = metrics.TypeWarn

	EventState EventType = "state"
	EventEnd   EventType = "end"
)

type Event struct {
	Time   time.Time
	Node   string
	Type   EventType
	Fields map[string]any
}

func (e Event) GetType() string { return string(e.Type) }
func (e Event) Source() string  { return e.Node }

// Int reads an integer field, 0 when absent.
func (e Event) Int(key string) int64 {
	switch v := e.Fields[key].(type) {
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint32:
		return int64(v)
	default:
		return 0
	}
}
