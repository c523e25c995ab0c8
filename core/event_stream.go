package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"paylock/core/types"
)

const eventHistoryLimit = 256

// EventUpdate wraps a published ledger observation with a monotonic sequence
// so stream consumers can resume from a cursor after a disconnect.
type EventUpdate struct {
	Sequence uint64      `json:"sequence"`
	Cursor   string      `json:"cursor"`
	Event    types.Event `json:"event"`
}

func cloneEventUpdate(update EventUpdate) EventUpdate {
	cloned := update
	if update.Event.Attributes != nil {
		attrs := make(map[string]string, len(update.Event.Attributes))
		for key, value := range update.Event.Attributes {
			attrs[key] = value
		}
		cloned.Event.Attributes = attrs
	}
	return cloned
}

func (n *Node) publishEventUpdate(event types.Event) {
	n.streamMu.Lock()
	if n.streamSubs == nil {
		n.streamSubs = make(map[uint64]chan EventUpdate)
	}
	n.streamSeq++
	update := EventUpdate{
		Sequence: n.streamSeq,
		Cursor:   strconv.FormatUint(n.streamSeq, 10),
		Event:    event,
	}
	n.streamHistory = append(n.streamHistory, cloneEventUpdate(update))
	if len(n.streamHistory) > eventHistoryLimit {
		excess := len(n.streamHistory) - eventHistoryLimit
		trimmed := make([]EventUpdate, eventHistoryLimit)
		copy(trimmed, n.streamHistory[excess:])
		n.streamHistory = trimmed
	}
	subscribers := make([]chan EventUpdate, 0, len(n.streamSubs))
	for _, ch := range n.streamSubs {
		subscribers = append(subscribers, ch)
	}
	n.streamMu.Unlock()

	broadcast := cloneEventUpdate(update)
	for _, ch := range subscribers {
		select {
		case ch <- broadcast:
		default:
		}
	}
}

// EventsSubscribe registers a subscriber for ledger observations starting
// after the supplied cursor. The backlog holds retained history past the
// cursor; live updates follow on the channel until cancel is called or the
// context ends.
func (n *Node) EventsSubscribe(ctx context.Context, cursor string) (<-chan EventUpdate, func(), []EventUpdate, error) {
	if n == nil {
		return nil, nil, nil, fmt.Errorf("node not initialised")
	}
	updates := make(chan EventUpdate, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid cursor %q", cursor)
		}
		since = parsed
	}

	n.streamMu.Lock()
	if n.streamSubs == nil {
		n.streamSubs = make(map[uint64]chan EventUpdate)
	}
	id := n.streamNextID
	n.streamNextID++
	n.streamSubs[id] = updates
	history := make([]EventUpdate, len(n.streamHistory))
	copy(history, n.streamHistory)
	n.streamMu.Unlock()

	backlog := make([]EventUpdate, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneEventUpdate(entry))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.streamMu.Lock()
			sub, ok := n.streamSubs[id]
			if ok {
				delete(n.streamSubs, id)
				close(sub)
			}
			n.streamMu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}
