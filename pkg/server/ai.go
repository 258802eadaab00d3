package server

import (
	"context"
	"sync"

	"github.com/aeolun/parley/pkg/wire"
)

// busyNotice is sent to a requester whose message arrives while the room's
// completion call is still outstanding. The message is dropped, not queued.
const busyNotice = "The bot is still answering a previous message. Please wait."

// botUnavailable prefixes the synthetic reply broadcast when the completion
// service fails.
const botUnavailable = "Bot is currently unavailable. Error: "

// AIGate serializes completion requests per room: at most one outstanding
// call per room, with the busy flag always cleared when the call finishes,
// succeeds or not. The requesting session never blocks on the network call.
type AIGate struct {
	rooms   *Rooms
	llm     Completer
	metrics *Metrics

	mu   sync.Mutex
	busy map[int64]bool

	wg sync.WaitGroup
}

// NewAIGate creates the per-room dispatch gate.
func NewAIGate(rooms *Rooms, llm Completer, metrics *Metrics) *AIGate {
	return &AIGate{
		rooms:   rooms,
		llm:     llm,
		metrics: metrics,
		busy:    make(map[int64]bool),
	}
}

// Busy reports whether a completion call is outstanding for the room.
func (g *AIGate) Busy(roomID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.busy[roomID]
}

// Submit dispatches an AI-room message. If the room's gate is busy the
// requester alone gets a notice and the message is dropped. Otherwise the
// whole pipeline (seed prompt, broadcast the user's message, completion
// call, broadcast the reply) runs detached from the session's read loop.
func (g *AIGate) Submit(roomID int64, text, token string, requester *wire.Writer) {
	g.mu.Lock()
	if g.busy[roomID] {
		g.mu.Unlock()
		g.metrics.RecordAIRejectedBusy()
		if requester != nil {
			if err := requester.WriteLine(busyNotice); err != nil {
				debugLog.Printf("Room %d: busy notice failed: %v", roomID, err)
			}
		}
		return
	}
	g.busy[roomID] = true
	g.mu.Unlock()

	g.metrics.RecordAIDispatched()

	g.wg.Add(1)
	go g.dispatch(roomID, text, token)
}

// dispatch runs one completion exchange. The busy flag is released on every
// exit path.
func (g *AIGate) dispatch(roomID int64, text, token string) {
	defer g.wg.Done()

	failed := false
	defer func() {
		g.mu.Lock()
		g.busy[roomID] = false
		g.mu.Unlock()
		g.metrics.RecordAIDone(failed)
	}()

	room, ok := g.rooms.Get(roomID)
	if !ok {
		failed = true
		errorLog.Printf("AI dispatch for unknown room %d", roomID)
		return
	}

	if room.Prompt != "" {
		g.rooms.SeedConversation(roomID, "System: "+room.Prompt)
	}

	// The user's message reaches the room immediately, before the
	// (potentially slow) completion call.
	g.rooms.Broadcast(roomID, token, text, false)

	history := g.rooms.History(roomID)
	reply, err := g.llm.Complete(context.Background(), text, history, room.Prompt)
	if err != nil {
		failed = true
		errorLog.Printf("Room %d: completion failed: %v", roomID, err)
		g.rooms.Broadcast(roomID, "", botUnavailable+err.Error(), false)
		return
	}

	g.rooms.Broadcast(roomID, "", reply, false)
}

// Wait blocks until all in-flight completion tasks finish. Used on shutdown
// and in tests.
func (g *AIGate) Wait() {
	g.wg.Wait()
}
