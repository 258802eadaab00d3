package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/parley/pkg/wire"
)

// ErrNotConnected is returned from Send before Connect or after Close.
var ErrNotConnected = errors.New("not connected")

// DefaultReplyTimeout bounds how long a sent line may go unanswered before
// the connection is considered dead.
const DefaultReplyTimeout = 60 * time.Second

// Options controls how the connection is established.
type Options struct {
	// TLS dials with TLS when set. InsecureSkipVerify disables certificate
	// verification, for servers on self-signed certificates.
	TLS                bool
	InsecureSkipVerify bool

	// ReplyTimeout is armed after every sent line and cleared when the next
	// server line arrives. Zero means DefaultReplyTimeout.
	ReplyTimeout time.Duration
}

// Connection is a client connection to a chat server. It owns the bearer
// token lifecycle: the Token: frame from the server is captured instead of
// surfaced, outgoing messages are framed with the current token, and
// replies to credential prompts go out raw.
type Connection struct {
	addr string
	opts Options

	mu        sync.Mutex
	conn      net.Conn
	w         *wire.Writer
	token     string
	rawReply  bool // next user input answers a credential prompt
	connected bool

	lines chan string
	errs  chan error
	wg    sync.WaitGroup
}

// NewConnection creates a connection to the given address. Call Connect to
// dial.
func NewConnection(addr string, opts Options) *Connection {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	return &Connection{
		addr:  addr,
		opts:  opts,
		lines: make(chan string, 100),
		errs:  make(chan error, 1),
	}
}

// Connect dials the server and starts the read loop. Server lines arrive on
// Lines; a read failure lands on Errors and closes Lines.
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return fmt.Errorf("already connected to %s", c.addr)
	}

	var conn net.Conn
	var err error
	if c.opts.TLS {
		conn, err = tls.Dial("tcp", c.addr, &tls.Config{
			InsecureSkipVerify: c.opts.InsecureSkipVerify,
		})
	} else {
		conn, err = net.Dial("tcp", c.addr)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}

	c.conn = conn
	c.w = wire.NewWriter(conn)
	c.connected = true

	c.wg.Add(1)
	go c.readLoop(conn, wire.NewReader(conn))

	return nil
}

// readLoop pumps server lines to the Lines channel, intercepting the frames
// the connection handles itself. Each received line disarms the reply
// deadline Send set.
func (c *Connection) readLoop(conn net.Conn, r *wire.Reader) {
	defer c.wg.Done()
	defer close(c.lines)

	for {
		line, err := r.ReadLine()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				err = fmt.Errorf("timed out waiting for server response: %w", err)
			}
			c.errs <- err
			return
		}
		conn.SetReadDeadline(time.Time{})

		switch {
		case strings.HasPrefix(line, "Token:") && !strings.HasSuffix(line, ": "):
			c.mu.Lock()
			c.token = strings.TrimPrefix(line, "Token:")
			c.rawReply = false
			c.mu.Unlock()
			continue
		case isCredentialPrompt(line):
			c.mu.Lock()
			c.rawReply = true
			c.mu.Unlock()
		case line == "SESSION_EXPIRED":
			// Recover in-band: the server re-runs the credential dialog on
			// this connection and we resume with a fresh token.
			c.lines <- line
			if err := c.writeRaw("REAUTH"); err != nil {
				c.errs <- err
				return
			}
			continue
		}

		c.lines <- line
	}
}

// isCredentialPrompt reports whether a server line expects a raw reply
// rather than a token-framed one.
func isCredentialPrompt(line string) bool {
	switch line {
	case "Username: ", "Password: ", "Token: ", "Select an option: ":
		return true
	}
	return false
}

// Lines returns the channel of server lines. Closed when the read loop
// ends.
func (c *Connection) Lines() <-chan string {
	return c.lines
}

// Errors returns the channel carrying the read loop's terminal error.
func (c *Connection) Errors() <-chan error {
	return c.errs
}

// Send transmits one user input. Replies to credential prompts go raw;
// everything after authentication is framed as token:text. A bare enter
// press is normalized to the literal "next", the advance-the-menu signal.
func (c *Connection) Send(text string) error {
	text = wire.Sanitize(text)
	if text == "" {
		text = "next"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	line := text
	if !c.rawReply && c.token != "" {
		line = wire.Format(c.token, text)
	}
	c.rawReply = false
	if err := c.w.WriteLine(line); err != nil {
		return err
	}
	c.conn.SetReadDeadline(time.Now().Add(c.opts.ReplyTimeout))
	return nil
}

// writeRaw sends a line without token framing, from the read loop.
func (c *Connection) writeRaw(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if err := c.w.WriteLine(line); err != nil {
		return err
	}
	c.conn.SetReadDeadline(time.Now().Add(c.opts.ReplyTimeout))
	return nil
}

// Token returns the current bearer token, empty before authentication.
func (c *Connection) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.token
}

// SetToken installs a previously saved token, for the reconnect flow.
func (c *Connection) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = token
}

// Close shuts the connection down and waits for the read loop to exit.
func (c *Connection) Close() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	conn := c.conn
	c.mu.Unlock()

	err := conn.Close()
	c.wg.Wait()
	return err
}
