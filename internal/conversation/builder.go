package conversation

import (
	"strings"
	"sync"

	"github.com/switchyard-ai/switchyard/internal/protocol"
)

// Builder accumulates one session's conversation history. Turns are
// append-only; the entry agent is the node that starts first in the session
// and is never re-derived until a reset.
type Builder struct {
	mu         sync.RWMutex
	entryAgent string
	turns      []Turn
}

// NewBuilder creates an empty session history.
func NewBuilder() *Builder {
	return &Builder{turns: make([]Turn, 0)}
}

// RecordHuman appends the operator prompt for the turn being dispatched.
func (b *Builder) RecordHuman(content string) {
	if b == nil {
		return
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = append(b.turns, Turn{Role: RoleHuman, Content: content})
}

// ObserveEvent folds one decoded workflow event into the history. The first
// node_start fixes the session's entry agent; completed stops of that agent
// append entry_agent turns. All other events pass through untouched.
func (b *Builder) ObserveEvent(event protocol.Event) {
	if b == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch event.Type {
	case protocol.EventNodeStart:
		if b.entryAgent == "" {
			b.entryAgent = strings.TrimSpace(event.NodeID)
		}
	case protocol.EventNodeStop:
		if event.Status != protocol.StatusCompleted {
			return
		}
		if b.entryAgent == "" || strings.TrimSpace(event.NodeID) != b.entryAgent {
			return
		}
		response := strings.TrimSpace(event.Response)
		if response == "" {
			return
		}
		b.turns = append(b.turns, Turn{Role: RoleEntryAgent, Content: response})
	}
}

// EntryAgent returns the session's entry agent id, empty until the first
// node_start arrives.
func (b *Builder) EntryAgent() string {
	if b == nil {
		return ""
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.entryAgent
}

// BuildContext snapshots the history for the next turn. It returns nil when
// no turns exist, which is how turn one omits the context argument entirely.
func (b *Builder) BuildContext() *Context {
	if b == nil {
		return nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.turns) == 0 {
		return nil
	}
	turns := make([]Turn, len(b.turns))
	copy(turns, b.turns)
	return &Context{EntryAgent: b.entryAgent, Turns: turns}
}

// Len returns the number of recorded turns.
func (b *Builder) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.turns)
}

// Reset clears the history and the entry agent binding. Callers reset when
// the session identity changes or the operator asks for a fresh start.
func (b *Builder) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entryAgent = ""
	b.turns = b.turns[:0]
}
