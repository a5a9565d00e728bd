// Package client is a Go client for the chat protocol. It speaks the
// text encoding over TCP, surfaces server pushes on a channel, and can
// fail over to another cluster member using the membership list the
// server broadcasts.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatd/models"
	"chatd/protocol"
)

var ErrDisconnected = errors.New("connection closed")

const (
	dialTimeout  = 5 * time.Second
	replyTimeout = 10 * time.Second
)

// Conversation is one page of history with a peer.
type Conversation struct {
	ViewerFirst bool
	Unread      int
	Msgs        []protocol.ChatMessage
}

type Client struct {
	mu      sync.Mutex // serializes request/response round trips
	conn    net.Conn
	reader  *bufio.Reader
	resp    chan []string
	done    chan struct{}
	pending struct {
		sync.Mutex
		op protocol.Opcode
	}

	// Events carries server pushes. The owner must drain it or pushes
	// are dropped.
	Events chan protocol.PushEvent

	memMu   sync.Mutex
	members []models.Member

	username string
	digest   string
}

func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	c := &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		resp:   make(chan []string, 1),
		done:   make(chan struct{}),
		Events: make(chan protocol.PushEvent, 32),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Members returns the most recent membership list pushed by the server.
func (c *Client) Members() []models.Member {
	c.memMu.Lock()
	defer c.memMu.Unlock()
	out := make([]models.Member, len(c.members))
	copy(out, c.members)
	return out
}

// Reconnect dials cluster members from the cached list, primary first,
// and logs back in with the credentials from the last Create/Login.
// It replaces the client's connection in place.
func (c *Client) Reconnect() error {
	if c.username == "" {
		return errors.New("no credentials to reconnect with")
	}

	candidates := c.Members()
	ordered := make([]string, 0, len(candidates))
	for _, m := range candidates {
		if m.Role == models.RolePrimary {
			ordered = append(ordered, m.Addr)
		}
	}
	for _, m := range candidates {
		if m.Role != models.RolePrimary {
			ordered = append(ordered, m.Addr)
		}
	}

	var lastErr error
	for _, addr := range ordered {
		conn, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		c.mu.Lock()
		c.conn.Close()
		c.conn = conn
		c.reader = bufio.NewReader(conn)
		c.done = make(chan struct{})
		c.resp = make(chan []string, 1)
		c.mu.Unlock()
		go c.readLoop()
		if _, err := c.Login(c.username, c.digest); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no cluster members known")
	}
	return fmt.Errorf("reconnecting: %w", lastErr)
}

// Create registers a new account and returns the conversation listing.
// The digest should come from HashPassword.
func (c *Client) Create(username, digest string) ([]models.ConvoEntry, error) {
	return c.hello(protocol.OpCreate, username, digest)
}

// Login authenticates and returns the conversation listing: unread
// counterparts by recency first, then the remaining accounts.
func (c *Client) Login(username, digest string) ([]models.ConvoEntry, error) {
	return c.hello(protocol.OpLogin, username, digest)
}

func (c *Client) hello(op protocol.Opcode, username, digest string) ([]models.ConvoEntry, error) {
	tokens, err := c.roundTrip(op, fmt.Sprintf("%s %s %s %s", protocol.VersionText, op, username, digest))
	if err != nil {
		return nil, err
	}
	if len(tokens) < 3 || tokens[1] != "USERS" {
		return nil, fmt.Errorf("unexpected reply to %s: %s", op, strings.Join(tokens, " "))
	}
	c.username = username
	c.digest = digest
	return parseUsers(tokens[3:])
}

// History fetches up to limit messages with peer older than oldestID,
// and tells the server this conversation is now the active one.
// oldestID below zero means the most recent page.
func (c *Client) History(peer string, oldestID int64, limit int) (*Conversation, error) {
	frame := fmt.Sprintf("%s %s %s %s %d", protocol.VersionText, protocol.OpRead, c.username, peer, oldestID)
	if limit > 0 {
		frame += " " + strconv.Itoa(limit)
	}
	tokens, err := c.roundTrip(protocol.OpRead, frame)
	if err != nil {
		return nil, err
	}
	if len(tokens) < 4 || tokens[1] != "MSGS" {
		return nil, fmt.Errorf("unexpected reply to READ: %s", strings.Join(tokens, " "))
	}
	viewerFirst := tokens[2] == "1"
	unread, err := strconv.Atoi(tokens[3])
	if err != nil {
		return nil, fmt.Errorf("parsing unread count: %w", err)
	}
	msgs, err := parseRuns(tokens[4:], viewerFirst)
	if err != nil {
		return nil, err
	}
	return &Conversation{ViewerFirst: viewerFirst, Unread: unread, Msgs: msgs}, nil
}

// Send delivers text to recipient and returns the assigned message id,
// or protocol.SentinelID when the recipient's account is deactivated.
// When the server refuses the write as a backup, or the connection is
// gone, the send is retried exactly once after failing over to the
// current primary.
func (c *Client) Send(recipient, text string) (int64, error) {
	id, err := c.send(recipient, text)
	if err == nil || !retryable(err) {
		return id, err
	}
	if rerr := c.Reconnect(); rerr != nil {
		return 0, errors.Join(err, rerr)
	}
	return c.send(recipient, text)
}

func retryable(err error) bool {
	var werr *protocol.WireError
	if errors.As(err, &werr) {
		return werr.Code == protocol.ErrDBError && werr.Detail == protocol.DetailNotPrimary
	}
	return errors.Is(err, ErrDisconnected)
}

func (c *Client) send(recipient, text string) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %s", protocol.VersionText, protocol.OpSend, c.username, recipient)
	writeCounted(&b, text)
	tokens, err := c.roundTrip(protocol.OpSend, b.String())
	if err != nil {
		return 0, err
	}
	if len(tokens) != 3 || tokens[1] != "ACK" {
		return 0, fmt.Errorf("unexpected reply to SEND: %s", strings.Join(tokens, " "))
	}
	return strconv.ParseInt(tokens[2], 10, 64)
}

// AckRead reports count messages in the active conversation as read.
// The server sends no reply.
func (c *Client) AckRead(count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeFrame(fmt.Sprintf("%s %s %d", protocol.VersionText, protocol.OpReadAck, count))
}

// DeleteMessages removes messages by id for both participants and
// returns a per-id result in request order.
func (c *Client) DeleteMessages(ids ...int64) ([]protocol.DeleteResult, error) {
	var b strings.Builder
	b.WriteString(protocol.VersionText)
	b.WriteByte(' ')
	b.WriteString(string(protocol.OpDelMsg))
	for _, id := range ids {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(id, 10))
	}
	tokens, err := c.roundTrip(protocol.OpDelMsg, b.String())
	if err != nil {
		return nil, err
	}
	if len(tokens) < 2 || tokens[1] != "DEL_MSG" || len(tokens)%2 != 0 {
		return nil, fmt.Errorf("unexpected reply to DEL_MSG: %s", strings.Join(tokens, " "))
	}
	results := make([]protocol.DeleteResult, 0, (len(tokens)-2)/2)
	for i := 2; i < len(tokens); i += 2 {
		id, err := strconv.ParseInt(tokens[i], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing deleted id: %w", err)
		}
		errno, err := strconv.Atoi(tokens[i+1])
		if err != nil {
			return nil, fmt.Errorf("parsing delete errno: %w", err)
		}
		results = append(results, protocol.DeleteResult{ID: id, Errno: errno})
	}
	return results, nil
}

// DeleteAccount deactivates the logged-in account. The connection is
// unbound but stays open.
func (c *Client) DeleteAccount() error {
	frame := fmt.Sprintf("%s %s %s", protocol.VersionText, protocol.OpDelAcc, c.username)
	tokens, err := c.roundTrip(protocol.OpDelAcc, frame)
	if err != nil {
		return err
	}
	if len(tokens) != 2 || tokens[1] != "DEL_ACC" {
		return fmt.Errorf("unexpected reply to DEL_ACC: %s", strings.Join(tokens, " "))
	}
	c.username = ""
	c.digest = ""
	return nil
}

func (c *Client) writeFrame(frame string) error {
	c.conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	_, err := c.conn.Write([]byte(frame + "\n"))
	return err
}

func (c *Client) roundTrip(op protocol.Opcode, frame string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending.Lock()
	c.pending.op = op
	c.pending.Unlock()
	defer func() {
		c.pending.Lock()
		c.pending.op = ""
		c.pending.Unlock()
	}()

	if err := c.writeFrame(frame); err != nil {
		return nil, err
	}
	select {
	case tokens, ok := <-c.resp:
		if !ok {
			return nil, ErrDisconnected
		}
		if len(tokens) >= 3 && tokens[1] == "ERROR" {
			code, err := strconv.Atoi(tokens[2])
			if err != nil {
				return nil, fmt.Errorf("malformed error frame: %s", strings.Join(tokens, " "))
			}
			return nil, &protocol.WireError{Code: code, Detail: strings.Join(tokens[3:], " ")}
		}
		return tokens, nil
	case <-time.After(replyTimeout):
		return nil, errors.New("timed out waiting for reply")
	case <-c.done:
		return nil, ErrDisconnected
	}
}

// readLoop pins the connection's reader and channels at start: after a
// Reconnect swaps them out, the superseded loop keeps draining only its
// own dead connection.
func (c *Client) readLoop() {
	reader, resp, done := c.reader, c.resp, c.done
	defer close(done)
	defer close(resp)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		tokens := strings.Fields(line)
		if len(tokens) < 2 || tokens[0] != protocol.VersionText {
			continue
		}
		if push, ok := c.parsePush(tokens); ok {
			select {
			case c.Events <- push:
			default:
			}
			continue
		}
		select {
		case resp <- tokens:
		default:
		}
	}
}

// parsePush classifies an inbound frame. DEL_MSG is the one ambiguous
// tag: it is the reply to our own DEL_MSG request and also the push
// telling us a peer deleted a message. The reply has numeric id/errno
// pairs, the push leads with a sender name, so a non-numeric third
// token always means push; a numeric one is a reply only while a
// DEL_MSG request is in flight.
func (c *Client) parsePush(tokens []string) (protocol.PushEvent, bool) {
	switch tokens[1] {
	case "PUSH_MSG":
		if len(tokens) < 5 {
			return protocol.PushEvent{}, false
		}
		id, err := strconv.ParseInt(tokens[3], 10, 64)
		if err != nil {
			return protocol.PushEvent{}, false
		}
		text, rest, err := parseCounted(tokens[4:])
		if err != nil || len(rest) != 0 {
			return protocol.PushEvent{}, false
		}
		return protocol.PushEvent{Kind: protocol.PushMsg, Sender: tokens[2], MsgID: id, Text: text}, true

	case "PUSH_USER":
		if len(tokens) != 3 {
			return protocol.PushEvent{}, false
		}
		return protocol.PushEvent{Kind: protocol.PushUser, Username: tokens[2]}, true

	case "DEL_MSG":
		if _, err := strconv.ParseInt(tokens[2], 10, 64); err == nil {
			c.pending.Lock()
			inFlight := c.pending.op == protocol.OpDelMsg
			c.pending.Unlock()
			if inFlight {
				return protocol.PushEvent{}, false
			}
		}
		if len(tokens) != 5 {
			return protocol.PushEvent{}, false
		}
		id, err := strconv.ParseInt(tokens[3], 10, 64)
		if err != nil {
			return protocol.PushEvent{}, false
		}
		return protocol.PushEvent{
			Kind:      protocol.PushDelMsg,
			Sender:    tokens[2],
			MsgID:     id,
			WasUnread: tokens[4] == "1",
		}, true

	case "MEMBERS":
		members, err := parseMembers(tokens[2:])
		if err != nil {
			return protocol.PushEvent{}, false
		}
		c.memMu.Lock()
		c.members = members
		c.memMu.Unlock()
		return protocol.PushEvent{Kind: protocol.PushMembers, Members: members}, true
	}
	return protocol.PushEvent{}, false
}

func parseUsers(tokens []string) ([]models.ConvoEntry, error) {
	if len(tokens)%2 != 0 {
		return nil, errors.New("odd user listing")
	}
	entries := make([]models.ConvoEntry, 0, len(tokens)/2)
	for i := 0; i < len(tokens); i += 2 {
		unread, err := strconv.Atoi(tokens[i+1])
		if err != nil {
			return nil, fmt.Errorf("parsing unread count for %s: %w", tokens[i], err)
		}
		entries = append(entries, models.ConvoEntry{Username: tokens[i], Unread: unread})
	}
	return entries, nil
}

// parseRuns decodes the run-grouped history format: runs alternate
// direction starting from viewerFirst, each run being its length then
// "id wordcount words..." per message.
func parseRuns(tokens []string, viewerFirst bool) ([]protocol.ChatMessage, error) {
	var msgs []protocol.ChatMessage
	fromViewer := viewerFirst
	for len(tokens) > 0 {
		n, err := strconv.Atoi(tokens[0])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("parsing run length %q", tokens[0])
		}
		tokens = tokens[1:]
		for i := 0; i < n; i++ {
			if len(tokens) == 0 {
				return nil, errors.New("truncated history run")
			}
			id, err := strconv.ParseInt(tokens[0], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parsing message id %q", tokens[0])
			}
			var text string
			text, tokens, err = parseCounted(tokens[1:])
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, protocol.ChatMessage{ID: id, FromViewer: fromViewer, Text: text})
		}
		fromViewer = !fromViewer
	}
	return msgs, nil
}

func parseMembers(tokens []string) ([]models.Member, error) {
	if len(tokens) == 0 {
		return nil, errors.New("empty members frame")
	}
	n, err := strconv.Atoi(tokens[0])
	if err != nil || len(tokens) != 1+2*n {
		return nil, errors.New("malformed members frame")
	}
	members := make([]models.Member, 0, n)
	for i := 1; i < len(tokens); i += 2 {
		members = append(members, models.Member{Addr: tokens[i], Role: models.Role(tokens[i+1])})
	}
	return members, nil
}

func parseCounted(tokens []string) (string, []string, error) {
	if len(tokens) == 0 {
		return "", nil, errors.New("missing word count")
	}
	n, err := strconv.Atoi(tokens[0])
	if err != nil || n < 0 || len(tokens) < 1+n {
		return "", nil, errors.New("malformed counted body")
	}
	return strings.Join(tokens[1:1+n], " "), tokens[1+n:], nil
}

func writeCounted(b *strings.Builder, text string) {
	words := strings.Fields(text)
	b.WriteByte(' ')
	b.WriteString(strconv.Itoa(len(words)))
	for _, w := range words {
		b.WriteByte(' ')
		b.WriteString(w)
	}
}
