package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aeolun/parley/pkg/store"
	"github.com/aeolun/parley/pkg/wire"
)

var (
	// ErrRoomExists indicates a duplicate room name on creation.
	ErrRoomExists = errors.New("room name is already used")
	// ErrRoomNotFound indicates an id outside the catalog.
	ErrRoomNotFound = errors.New("room not found")
)

// BotName is the display name used for non-user senders, e.g. AI replies.
const BotName = "Bot"

// Room is an entry in the room catalog.
type Room struct {
	ID     int64
	Name   string
	AI     bool
	Prompt string
}

// Label renders the room for listings.
func (r *Room) Label() string {
	if r.AI {
		return r.Name + " [AI]"
	}
	return r.Name
}

// Rooms is the room registry: catalog, membership, conversation logs and
// broadcast fan-out. Each concern has its own lock. Fan-out snapshots the
// member list under the membership lock but delivers outside it, serialized
// per room, so one stalled channel cannot block joins or broadcasts in
// other rooms.
type Rooms struct {
	registry *Registry
	persist  Persistence
	metrics  *Metrics

	catalogMu sync.RWMutex
	catalog   map[int64]*Room

	memberMu   sync.Mutex
	memberRoom map[string]int64      // token -> room id
	members    map[int64][]string    // room id -> member tokens in join order
	sends      map[int64]*sync.Mutex // room id -> fan-out serialization

	convMu        sync.Mutex
	conversations map[int64][]string // room id -> append-only log
}

// NewRooms creates an empty room registry.
func NewRooms(registry *Registry, persist Persistence, metrics *Metrics) *Rooms {
	return &Rooms{
		registry:      registry,
		persist:       persist,
		metrics:       metrics,
		catalog:       make(map[int64]*Room),
		memberRoom:    make(map[string]int64),
		members:       make(map[int64][]string),
		sends:         make(map[int64]*sync.Mutex),
		conversations: make(map[int64][]string),
	}
}

// Load installs persisted rooms and their conversations, then creates any
// seed rooms the catalog doesn't have yet. Called once at boot, before the
// listener starts.
func (r *Rooms) Load(rooms []*store.Room, conversations map[int64][]string, seeds []SeedRoom) {
	r.catalogMu.Lock()
	for _, sr := range rooms {
		r.catalog[sr.ID] = &Room{ID: sr.ID, Name: sr.Name, AI: sr.AI, Prompt: sr.Prompt}
	}
	r.catalogMu.Unlock()

	r.convMu.Lock()
	for id, log := range conversations {
		r.conversations[id] = append([]string(nil), log...)
	}
	r.convMu.Unlock()

	for _, seed := range seeds {
		if _, err := r.Create(seed.Name, seed.AI, seed.Prompt); err != nil && !errors.Is(err, ErrRoomExists) {
			errorLog.Printf("Failed to seed room %q: %v", seed.Name, err)
		}
	}
}

// Get returns a catalog entry by id.
func (r *Rooms) Get(id int64) (*Room, bool) {
	r.catalogMu.RLock()
	defer r.catalogMu.RUnlock()

	room, ok := r.catalog[id]
	return room, ok
}

// List returns one formatted line per room, ordered by id.
func (r *Rooms) List() []string {
	r.catalogMu.RLock()
	ids := make([]int64, 0, len(r.catalog))
	for id := range r.catalog {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, fmt.Sprintf("%d. %s", id, r.catalog[id].Label()))
	}
	r.catalogMu.RUnlock()

	return lines
}

// Create adds a room with the next id (max existing + 1, starting at 1).
// Duplicate names are rejected. The new room is queued for persistence.
func (r *Rooms) Create(name string, ai bool, prompt string) (int64, error) {
	r.catalogMu.Lock()
	for _, room := range r.catalog {
		if room.Name == name {
			r.catalogMu.Unlock()
			return 0, ErrRoomExists
		}
	}

	var id int64 = 1
	for existing := range r.catalog {
		if existing >= id {
			id = existing + 1
		}
	}
	room := &Room{ID: id, Name: name, AI: ai, Prompt: prompt}
	r.catalog[id] = room
	r.catalogMu.Unlock()

	r.persist.SaveRoom(store.Room{ID: id, Name: name, AI: ai, Prompt: prompt})

	return id, nil
}

// Join records membership for a token, replacing any previous membership.
// Member order is join order; rejoining moves the token to the end.
func (r *Rooms) Join(token string, id int64) (*Room, error) {
	room, ok := r.Get(id)
	if !ok {
		return nil, ErrRoomNotFound
	}

	r.memberMu.Lock()
	if old, ok := r.memberRoom[token]; ok {
		r.members[old] = removeToken(r.members[old], token)
	}
	r.memberRoom[token] = id
	r.members[id] = append(removeToken(r.members[id], token), token)
	r.memberMu.Unlock()

	return room, nil
}

// Member returns the room a token is currently in.
func (r *Rooms) Member(token string) (int64, bool) {
	r.memberMu.Lock()
	defer r.memberMu.Unlock()

	id, ok := r.memberRoom[token]
	return id, ok
}

// Leave removes a token's membership. No-op if absent.
func (r *Rooms) Leave(token string) {
	r.memberMu.Lock()
	if id, ok := r.memberRoom[token]; ok {
		r.members[id] = removeToken(r.members[id], token)
		delete(r.memberRoom, token)
	}
	r.memberMu.Unlock()
}

// History returns a snapshot of a room's conversation log.
func (r *Rooms) History(id int64) []string {
	r.convMu.Lock()
	defer r.convMu.Unlock()

	return append([]string(nil), r.conversations[id]...)
}

// SeedConversation appends a system line when the log is empty. Used by the
// AI gate to install a room's prompt before the first exchange.
func (r *Rooms) SeedConversation(id int64, line string) {
	r.convMu.Lock()
	empty := len(r.conversations[id]) == 0
	if empty {
		r.conversations[id] = append(r.conversations[id], line)
	}
	r.convMu.Unlock()

	if empty {
		r.persist.AppendMessage(id, line)
	}
}

// Broadcast formats and delivers a message to every member of a room with a
// live channel. Members without one miss live delivery and catch up through
// the history replay on reconnect. Chat messages (info=false) are appended
// to the conversation log and queued for persistence; notices are not.
// Lines over the wire limit are truncated before delivery, so the log never
// holds a line the codec refuses to replay.
//
// The sender's display name comes from the registry; unknown senders (the
// AI pipeline) fall back to BotName.
func (r *Rooms) Broadcast(id int64, senderToken, text string, info bool) {
	name, ok := r.registry.Username(senderToken)
	if !ok {
		name = BotName
	}

	var line string
	if info {
		line = name + text
	} else {
		line = fmt.Sprintf("[%s]: %s", name, text)
	}
	line = truncateLine(line)

	r.memberMu.Lock()
	members := append([]string(nil), r.members[id]...)
	send := r.sends[id]
	if send == nil {
		send = &sync.Mutex{}
		r.sends[id] = send
	}
	r.memberMu.Unlock()

	// The per-room send lock keeps broadcasts within a room in order while
	// the slow part, writing to member channels, runs without the
	// membership lock.
	send.Lock()
	delivered := 0
	for _, member := range members {
		w, ok := r.registry.Writer(member)
		if !ok {
			continue
		}
		if err := w.WriteLine(line); err != nil {
			debugLog.Printf("Room %d: delivery to member failed: %v", id, err)
			continue
		}
		delivered++
	}

	if !info {
		r.convMu.Lock()
		r.conversations[id] = append(r.conversations[id], line)
		fmt.Printf("ZZDEBUG appended to conversations[%d], len=%d\n", id, len(r.conversations[id]))
		r.convMu.Unlock()

		fmt.Printf("ZZDEBUG calling persist.AppendMessage(%d)\n", id)
		r.persist.AppendMessage(id, line)
		fmt.Printf("ZZDEBUG persist.AppendMessage(%d) returned\n", id)
	}
	send.Unlock()

	r.metrics.RecordBroadcast(delivered)
}

// truncateLine caps a formatted line at the wire limit. Inbound frames are
// length-checked at the session layer; this covers the formatting overhead
// the sender's display name adds.
func truncateLine(line string) string {
	if utf8.RuneCountInString(line) <= wire.MaxLineLen {
		return line
	}
	return string([]rune(line)[:wire.MaxLineLen])
}

// removeToken returns the slice without the given token, preserving order.
func removeToken(tokens []string, token string) []string {
	for i, t := range tokens {
		if t == token {
			return append(tokens[:i:i], tokens[i+1:]...)
		}
	}
	return tokens
}
