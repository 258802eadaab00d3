package store

import (
	"log"
	"sync"
	"time"
)

// Writer batches room upserts and message appends so callers never wait on
// disk. Failures are logged and dropped; in-memory state stays authoritative
// for the process lifetime.
type Writer struct {
	db            *DB
	flushInterval time.Duration

	mu           sync.Mutex
	roomUpserts  map[int64]*Room
	messageQueue []pendingMessage

	shutdown chan struct{}
	wg       sync.WaitGroup
}

type pendingMessage struct {
	roomID    int64
	content   string
	timestamp int64
}

// NewWriter creates a write queue flushing on the given interval.
func NewWriter(db *DB, flushInterval time.Duration) *Writer {
	w := &Writer{
		db:            db,
		flushInterval: flushInterval,
		roomUpserts:   make(map[int64]*Room),
		messageQueue:  make([]pendingMessage, 0, 100),
		shutdown:      make(chan struct{}),
	}

	w.wg.Add(1)
	go w.flushLoop()

	return w
}

// SaveRoom queues a room create/update.
func (w *Writer) SaveRoom(room Room) {
	w.mu.Lock()
	w.roomUpserts[room.ID] = &room
	w.mu.Unlock()
}

// AppendMessage queues a conversation log append.
func (w *Writer) AppendMessage(roomID int64, content string) {
	w.mu.Lock()
	w.messageQueue = append(w.messageQueue, pendingMessage{
		roomID:    roomID,
		content:   content,
		timestamp: time.Now().UnixMilli(),
	})
	w.mu.Unlock()
}

// Close flushes anything pending and stops the loop.
func (w *Writer) Close() {
	close(w.shutdown)
	w.wg.Wait()
	w.flush()
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.shutdown:
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

// flush writes everything queued in a single transaction on the dedicated
// write connection.
func (w *Writer) flush() {
	w.mu.Lock()
	roomUpserts := w.roomUpserts
	messageQueue := w.messageQueue
	w.roomUpserts = make(map[int64]*Room)
	w.messageQueue = make([]pendingMessage, 0, 100)
	w.mu.Unlock()

	if len(roomUpserts) == 0 && len(messageQueue) == 0 {
		return
	}

	tx, err := w.db.writeConn.Begin()
	if err != nil {
		log.Printf("store: failed to begin transaction: %v", err)
		return
	}
	defer tx.Rollback()

	for _, room := range roomUpserts {
		isAI := 0
		if room.AI {
			isAI = 1
		}
		_, err := tx.Exec(
			`INSERT INTO Room (id, name, is_ai, prompt, created_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET name = excluded.name, is_ai = excluded.is_ai, prompt = excluded.prompt`,
			room.ID, room.Name, isAI, room.Prompt, time.Now().UnixMilli(),
		)
		if err != nil {
			log.Printf("store: failed to save room %d: %v", room.ID, err)
		}
	}

	if len(messageQueue) > 0 {
		stmt, err := tx.Prepare(`INSERT INTO Message (room_id, content, created_at) VALUES (?, ?, ?)`)
		if err != nil {
			log.Printf("store: failed to prepare message insert: %v", err)
		} else {
			defer stmt.Close()
			for _, msg := range messageQueue {
				if _, err := stmt.Exec(msg.roomID, msg.content, msg.timestamp); err != nil {
					log.Printf("store: failed to append message for room %d: %v", msg.roomID, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("store: failed to commit: %v", err)
	}
}
