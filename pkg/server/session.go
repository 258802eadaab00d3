package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/aeolun/parley/pkg/auth"
	"github.com/aeolun/parley/pkg/wire"
)

// sessionState tracks where a connection is in the menu flow.
type sessionState int

const (
	stateReconnectMenu sessionState = iota
	stateAuthenticate
	stateChatsMenu
	stateChat
	stateExit
)

// session owns one client connection from accept to teardown. All reads and
// writes to the connection happen on the session goroutine; room broadcasts
// reach it through the wire.Writer bound in the registry, which serializes
// concurrent writers.
type session struct {
	id   uint64
	srv  *Server
	conn net.Conn
	r    *wire.Reader
	w    *wire.Writer

	state       sessionState
	token       string
	currentRoom *int64 // last joined room, survives token expiry for reauth resume
	sendRooms   bool
}

func newSession(id uint64, srv *Server, conn net.Conn) *session {
	return &session{
		id:    id,
		srv:   srv,
		conn:  conn,
		r:     wire.NewReader(conn),
		w:     wire.NewWriter(conn),
		state: stateReconnectMenu,
	}
}

// readLine reads one protocol line, arming the idle deadline first. A client
// that stays silent past the idle timeout is disconnected.
func (s *session) readLine() (string, error) {
	if s.srv.config.IdleTimeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.srv.config.IdleTimeout)); err != nil {
			return "", err
		}
	}
	return s.r.ReadLine()
}

// run drives the session until the client exits or the connection drops.
func (s *session) run() {
	defer s.teardown()

	debugLog.Printf("Session %d: connected from %s", s.id, s.conn.RemoteAddr())

	if err := s.w.WriteLine("Welcome to the Parley chat server"); err != nil {
		return
	}

	if err := s.reconnectMenu(); err != nil {
		if !isDisconnect(err) {
			errorLog.Printf("Session %d: %v", s.id, err)
		}
		return
	}

	for s.state != stateExit {
		if err := s.step(); err != nil {
			if !isDisconnect(err) {
				errorLog.Printf("Session %d: %v", s.id, err)
			}
			return
		}
	}
}

// reconnectMenu runs the entry menu: authenticate fresh, resume a prior
// session by token, or leave.
func (s *session) reconnectMenu() error {
	if err := s.w.WriteBlock([]string{
		"Options: ",
		"1. Authenticate",
		"2. Reconnect",
		"3. Exit",
		"Select an option: ",
	}); err != nil {
		return err
	}

	choice, err := s.readLine()
	if err != nil {
		return err
	}

	switch strings.TrimSpace(choice) {
	case "1":
		if err := s.authenticate(); err != nil {
			return err
		}
		s.state = stateChatsMenu
		s.sendRooms = true
		return nil
	case "2":
		return s.reconnect()
	case "3":
		s.state = stateExit
		return s.w.WriteLine("Bye!")
	default:
		s.state = stateExit
		return s.w.WriteLine("Invalid option")
	}
}

// reconnect resumes a session from a surviving token. When the token is
// still a member of a room the client is dropped straight back into it, with
// the full history replayed so nothing said while it was gone is lost.
func (s *session) reconnect() error {
	if err := s.w.WriteLine("Token: "); err != nil {
		return err
	}
	token, err := s.readLine()
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)

	username, err := s.srv.registry.Reconnect(token, s.w)
	if err != nil {
		s.state = stateExit
		return s.w.WriteLine("Token not found")
	}
	s.token = token
	s.srv.metrics.RecordReconnect()
	debugLog.Printf("Session %d: reconnected as %s", s.id, username)

	if err := s.w.WriteLine("Reconnected: " + username); err != nil {
		return err
	}

	roomID, member := s.srv.rooms.Member(token)
	if !member {
		if err := s.w.WriteLine("false"); err != nil {
			return err
		}
		s.state = stateChatsMenu
		s.sendRooms = true
		return nil
	}

	if err := s.w.WriteLine("true"); err != nil {
		return err
	}
	room, ok := s.srv.rooms.Get(roomID)
	if !ok {
		s.state = stateChatsMenu
		s.sendRooms = true
		return nil
	}
	if err := s.w.WriteLine("Room: " + room.Label()); err != nil {
		return err
	}
	if err := s.replayHistory(roomID); err != nil {
		return err
	}
	s.srv.rooms.Broadcast(roomID, token, " reconnected to the room", true)
	s.currentRoom = &roomID
	s.state = stateChat
	return nil
}

// authenticate runs the credential loop until the client signs in or the
// connection fails. On success the bearer token is handed to the client in a
// Token:<token> frame.
func (s *session) authenticate() error {
	for {
		if err := s.w.WriteLine("Username: "); err != nil {
			return err
		}
		username, err := s.readLine()
		if err != nil {
			return err
		}
		if err := s.w.WriteLine("Password: "); err != nil {
			return err
		}
		password, err := s.readLine()
		if err != nil {
			return err
		}

		token, err := s.srv.registry.Authenticate(strings.TrimSpace(username), strings.TrimSpace(password), s.w)
		switch {
		case err == nil:
			s.token = token
			debugLog.Printf("Session %d: authenticated as %s", s.id, strings.TrimSpace(username))
			return s.w.WriteLine("Token:" + token)
		case errors.Is(err, auth.ErrBadCredentials):
			if err := s.w.WriteLine("Bad credentials. Try Again"); err != nil {
				return err
			}
		case errors.Is(err, ErrAlreadyOnline):
			if err := s.w.WriteLine("Bad credentials. Try Again"); err != nil {
				return err
			}
		default:
			if werr := s.w.WriteLine("Internal Server Error!"); werr != nil {
				return werr
			}
			return err
		}
	}
}

// step handles one inbound frame in the post-auth phase. Every frame is
// token:payload; a frame with no separator is either an in-band REAUTH or a
// protocol violation.
func (s *session) step() error {
	line, err := s.readLine()
	if err != nil {
		return err
	}

	if utf8.RuneCountInString(line) > wire.MaxLineLen {
		return s.w.WriteLine("ERROR: Message is too large")
	}

	token, payload, ok := wire.Split(line)
	if !ok {
		if strings.TrimSpace(line) == "REAUTH" {
			return s.reauth()
		}
		return s.w.WriteLine("ERROR: Invalid format")
	}

	if !s.srv.registry.IsValid(token) {
		s.srv.metrics.RecordExpiredToken()
		s.srv.rooms.Leave(token)
		debugLog.Printf("Session %d: expired token on inbound frame", s.id)
		return s.w.WriteLine("SESSION_EXPIRED")
	}
	s.token = token

	switch s.state {
	case stateChat:
		err = s.handleChat(payload)
	case stateChatsMenu:
		err = s.handleChatsMenu(payload)
	default:
		err = s.w.WriteLine("ERROR: Invalid format")
	}
	if err != nil {
		return err
	}

	// Activity on a valid token slides its expiry forward.
	s.srv.registry.Refresh(s.token)
	return nil
}

// reauth re-runs the credential dialog on the live connection after a
// SESSION_EXPIRED, then drops the client back where it was: the room it was
// chatting in (with history replayed under the fresh token) or the rooms
// menu.
func (s *session) reauth() error {
	if err := s.authenticate(); err != nil {
		return err
	}

	if s.currentRoom != nil {
		roomID := *s.currentRoom
		if room, err := s.srv.rooms.Join(s.token, roomID); err == nil {
			if err := s.w.WriteLine("Room: " + room.Label()); err != nil {
				return err
			}
			if err := s.replayHistory(roomID); err != nil {
				return err
			}
			s.srv.rooms.Broadcast(roomID, s.token, " reconnected to the room", true)
			s.state = stateChat
			return nil
		}
		s.currentRoom = nil
	}

	s.state = stateChatsMenu
	s.sendRooms = true
	return nil
}

// handleChat routes a message inside a room: the exit command, an AI
// exchange, or a plain broadcast.
func (s *session) handleChat(text string) error {
	roomID, ok := s.srv.rooms.Member(s.token)
	if !ok {
		// Membership was dropped out from under us (e.g. expiry on another
		// path); fall back to the menu.
		s.currentRoom = nil
		s.state = stateChatsMenu
		s.sendRooms = true
		return s.sendRoomList()
	}

	if text == "exitRoom" {
		s.srv.rooms.Broadcast(roomID, s.token, " left the room", true)
		s.srv.rooms.Leave(s.token)
		s.currentRoom = nil
		s.state = stateChatsMenu
		s.sendRooms = true
		return s.w.WriteLine("You exited the room successfully. Press enter to continue")
	}

	room, found := s.srv.rooms.Get(roomID)
	if found && room.AI {
		s.srv.gate.Submit(roomID, text, s.token, s.w)
		return nil
	}

	s.srv.rooms.Broadcast(roomID, s.token, text, false)
	return nil
}

// handleChatsMenu routes a rooms-menu selection: a room id to join, or a
// letter for a special option.
func (s *session) handleChatsMenu(choice string) error {
	if s.sendRooms {
		s.sendRooms = false
		if err := s.sendRoomList(); err != nil {
			return err
		}
		// The frame that arrived with the menu pending is just the client
		// advancing; the actual selection comes next.
		return nil
	}

	choice = strings.TrimSpace(choice)
	if choice == "a" {
		if err := s.createChat(); err != nil {
			return err
		}
		s.sendRooms = true
		return nil
	}

	id, err := strconv.ParseInt(choice, 10, 64)
	if err != nil {
		return s.w.WriteLine("Please send a number!")
	}
	return s.joinRoom(id)
}

// joinRoom enters a catalog room: membership, label, full history replay and
// a join notice to everyone already there.
func (s *session) joinRoom(id int64) error {
	room, err := s.srv.rooms.Join(s.token, id)
	if err != nil {
		return s.w.WriteLine(fmt.Sprintf("Invalid ID: %d", id))
	}

	if err := s.w.WriteLine("Room: " + room.Label()); err != nil {
		return err
	}
	if err := s.replayHistory(id); err != nil {
		return err
	}
	s.srv.rooms.Broadcast(id, s.token, " joined the Room", true)
	s.currentRoom = &id
	s.state = stateChat
	return nil
}

// createChat runs the room-creation dialog: name, AI flag, and the initial
// prompt for AI rooms. Replies arrive as token:value frames; the token is
// re-verified before the room is created.
func (s *session) createChat() error {
	for {
		if err := s.w.WriteLine("Please enter the chat name:"); err != nil {
			return err
		}
		name, err := s.readField()
		if err != nil {
			return err
		}

		if err := s.w.WriteLine("Is this an AI room? (yes/no):"); err != nil {
			return err
		}
		aiAnswer, err := s.readField()
		if err != nil {
			return err
		}
		ai := strings.EqualFold(strings.TrimSpace(aiAnswer), "yes")

		var prompt string
		if ai {
			if err := s.w.WriteLine("Enter the initial prompt for the AI room:"); err != nil {
				return err
			}
			prompt, err = s.readField()
			if err != nil {
				return err
			}
		}

		if !s.srv.registry.IsValid(s.token) {
			s.srv.metrics.RecordExpiredToken()
			s.srv.rooms.Leave(s.token)
			return s.w.WriteLine("SESSION_EXPIRED")
		}

		_, err = s.srv.rooms.Create(strings.TrimSpace(name), ai, strings.TrimSpace(prompt))
		if errors.Is(err, ErrRoomExists) {
			if err := s.w.WriteLine("Name is already used. Press Enter to continue"); err != nil {
				return err
			}
			if _, err := s.readLine(); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		return s.w.WriteLine("New Chat room created successfully. Press Enter to continue")
	}
}

// readField reads the payload of the next token:value frame, tolerating a
// bare value from clients that drop the token on dialog replies.
func (s *session) readField() (string, error) {
	line, err := s.readLine()
	if err != nil {
		return "", err
	}
	if _, payload, ok := wire.Split(line); ok {
		return payload, nil
	}
	return line, nil
}

// sendRoomList sends the rooms menu as one block.
func (s *session) sendRoomList() error {
	lines := append([]string{"Available Rooms:"}, s.srv.rooms.List()...)
	lines = append(lines,
		"a. Create a new room",
		"Enter room id to enter or letter to select a special option",
	)
	return s.w.WriteBlock(lines)
}

// replayHistory sends the room's full conversation log as one block.
func (s *session) replayHistory(roomID int64) error {
	history := s.srv.rooms.History(roomID)
	if len(history) == 0 {
		return nil
	}
	return s.w.WriteBlock(append([]string{"Previous messages in this room:"}, history...))
}

// teardown closes the connection and removes the session from the server:
// a leave notice to the room, then membership, channel binding and token,
// all gone together. If a newer connection already rebound the token (the
// client reconnected while this one was still considered live), the whole
// teardown is a no-op and the new session keeps the state.
func (s *session) teardown() {
	s.conn.Close()
	s.srv.metrics.RecordSessionClosed(s.srv.registry.OnlineCount())
	debugLog.Printf("Session %d: closed", s.id)

	if s.token == "" {
		return
	}
	if w, ok := s.srv.registry.Writer(s.token); !ok || w != s.w {
		return
	}
	if roomID, ok := s.srv.rooms.Member(s.token); ok {
		s.srv.rooms.Broadcast(roomID, s.token, " left the room", true)
	}
	if s.srv.registry.Teardown(s.token, s.w) {
		s.srv.rooms.Leave(s.token)
	}
}

// isDisconnect reports whether an error is an ordinary connection end rather
// than something worth logging.
func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
