package server

import (
	"errors"
	"log"

	"chatd/models"
	"chatd/protocol"
	"chatd/store"
)

// Replicator is the coordinator surface the command processor needs:
// whether this node may accept writes, and how to ship a committed
// write to the backups.
type Replicator interface {
	IsPrimary() bool
	// ForwardAppend ships a stored message off the request path.
	ForwardAppend(m models.Message)
	// ForwardMarkRead ships a read acknowledgement off the request path.
	ForwardMarkRead(viewer, peer string, count int)
	// ForwardDelete ships completed deletions off the request path.
	ForwardDelete(ids []int64)
	// ForwardAccount ships an account create/deactivate. When the
	// coordinator is configured for synchronous account replication it
	// blocks until a backup confirms and reports failure to do so.
	ForwardAccount(username, digest string, deactivate bool) error
}

// Processor holds the per-opcode business logic. Handlers are pure with
// respect to (request, registry snapshot): all side effects go through
// the store and the returned push events; only the connection manager
// delivers pushes.
type Processor struct {
	store    *store.Store
	registry *Registry
	rep      Replicator
}

func NewProcessor(st *store.Store, registry *Registry, rep Replicator) *Processor {
	return &Processor{store: st, registry: registry, rep: rep}
}

// Handle dispatches one decoded request. sessionUser is the username
// bound to the connection, empty before login. A nil response means the
// opcode requires no reply.
func (p *Processor) Handle(req *protocol.Request, sessionUser string) (*protocol.Response, []protocol.PushEvent) {
	switch req.Op {
	case protocol.OpCreate:
		return p.handleCreate(req)
	case protocol.OpLogin:
		return p.handleLogin(req)
	case protocol.OpRead:
		return p.handleRead(req)
	case protocol.OpSend:
		return p.handleSend(req)
	case protocol.OpReadAck:
		return p.handleReadAck(req, sessionUser)
	case protocol.OpDelMsg:
		return p.handleDeleteMessages(req, sessionUser)
	case protocol.OpDelAcc:
		return p.handleDeleteAccount(req)
	default:
		return protocol.ErrorResponse(protocol.ErrUnspecifiedCommand, string(req.Op)), nil
	}
}

func (p *Processor) handleCreate(req *protocol.Request) (*protocol.Response, []protocol.PushEvent) {
	if req.Username == "" || req.Password == "" {
		return protocol.ErrorResponse(protocol.ErrUnspecifiedCommand, "CREATE"), nil
	}
	if resp := p.requirePrimary(); resp != nil {
		return resp, nil
	}

	if err := p.store.CreateAccount(req.Username, req.Password); err != nil {
		return domainError(err), nil
	}
	if err := p.rep.ForwardAccount(req.Username, req.Password, false); err != nil {
		log.Printf("Account replication for %s: %v", req.Username, err)
	}

	resp, err := p.usersListing(req.Username)
	if err != nil {
		return domainError(err), nil
	}

	// Everyone online learns about the new user.
	return resp, []protocol.PushEvent{{Kind: protocol.PushUser, Username: req.Username}}
}

func (p *Processor) handleLogin(req *protocol.Request) (*protocol.Response, []protocol.PushEvent) {
	if req.Username == "" || req.Password == "" {
		return protocol.ErrorResponse(protocol.ErrUnspecifiedCommand, "LOGIN"), nil
	}

	if err := p.store.Authenticate(req.Username, req.Password); err != nil {
		return domainError(err), nil
	}

	resp, err := p.usersListing(req.Username)
	if err != nil {
		return domainError(err), nil
	}
	return resp, nil
}

func (p *Processor) handleRead(req *protocol.Request) (*protocol.Response, []protocol.PushEvent) {
	// Opening a conversation makes it the caller's active one; incoming
	// messages for it will be pushed instead of counted unread.
	p.registry.SetActivePeer(req.Username, req.Peer)

	msgs, viewerFirst, err := p.store.History(req.Username, req.Peer, req.OldestID, req.Limit)
	if err != nil {
		return domainError(err), nil
	}
	unread, err := p.store.Unread(req.Username, req.Peer)
	if err != nil {
		return domainError(err), nil
	}

	chat := make([]protocol.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		chat = append(chat, protocol.ChatMessage{
			ID:         m.ID,
			FromViewer: m.Sender == req.Username,
			Text:       m.Text,
		})
	}

	return &protocol.Response{
		Kind:        protocol.RespMsgs,
		ViewerFirst: viewerFirst,
		Unread:      unread,
		Msgs:        chat,
	}, nil
}

func (p *Processor) handleSend(req *protocol.Request) (*protocol.Response, []protocol.PushEvent) {
	if req.Username == "" || req.Peer == "" || req.Text == "" {
		return protocol.ErrorResponse(protocol.ErrUnspecifiedCommand, "SEND"), nil
	}
	if resp := p.requirePrimary(); resp != nil {
		return resp, nil
	}

	active, err := p.store.IsActive(req.Peer)
	if err != nil {
		return domainError(err), nil
	}
	if !active {
		// The client already committed to sending: ack with the
		// sentinel id, store nothing.
		return &protocol.Response{Kind: protocol.RespAck, AckID: protocol.SentinelID}, nil
	}

	viewing := p.registry.Online(req.Peer) && p.registry.ActivePeer(req.Peer) == req.Username
	m, err := p.store.Append(req.Username, req.Peer, req.Text, viewing)
	if err != nil {
		return domainError(err), nil
	}
	p.rep.ForwardAppend(m)

	var pushes []protocol.PushEvent
	if p.registry.Online(req.Peer) {
		pushes = append(pushes, protocol.PushEvent{
			Kind:   protocol.PushMsg,
			To:     req.Peer,
			Sender: req.Username,
			MsgID:  m.ID,
			Text:   m.Text,
		})
	}

	return &protocol.Response{Kind: protocol.RespAck, AckID: m.ID}, pushes
}

func (p *Processor) handleReadAck(req *protocol.Request, sessionUser string) (*protocol.Response, []protocol.PushEvent) {
	// The caller reports how many of the messages just shown were
	// actually read; zero (or no open conversation) means nothing was.
	if sessionUser == "" || req.Count == 0 {
		return nil, nil
	}
	peer := p.registry.ActivePeer(sessionUser)
	if peer == "" {
		return nil, nil
	}
	if resp := p.requirePrimary(); resp != nil {
		return resp, nil
	}

	if err := p.store.MarkRead(sessionUser, peer, req.Count); err != nil {
		return domainError(err), nil
	}
	p.rep.ForwardMarkRead(sessionUser, peer, req.Count)
	return nil, nil
}

func (p *Processor) handleDeleteMessages(req *protocol.Request, sessionUser string) (*protocol.Response, []protocol.PushEvent) {
	if resp := p.requirePrimary(); resp != nil {
		return resp, nil
	}

	outcomes, err := p.store.Delete(req.IDs)
	if err != nil {
		return domainError(err), nil
	}

	results := make([]protocol.DeleteResult, 0, len(outcomes))
	var deleted []int64
	var pushes []protocol.PushEvent
	for _, out := range outcomes {
		if !out.Found {
			results = append(results, protocol.DeleteResult{ID: out.ID, Errno: protocol.ErrIDDNE})
			continue
		}
		results = append(results, protocol.DeleteResult{ID: out.ID})
		deleted = append(deleted, out.ID)

		// The deletion is visible to both participants; the one who did
		// not ask for it hears about it, with the unread flag so it can
		// fix its own counter.
		for _, participant := range []string{out.Sender, out.Recipient} {
			if participant == sessionUser || !p.registry.Online(participant) {
				continue
			}
			pushes = append(pushes, protocol.PushEvent{
				Kind:      protocol.PushDelMsg,
				To:        participant,
				Sender:    out.Sender,
				MsgID:     out.ID,
				WasUnread: out.WasUnread,
			})
		}
	}
	if len(deleted) > 0 {
		p.rep.ForwardDelete(deleted)
	}

	return &protocol.Response{Kind: protocol.RespDeleted, Deleted: results}, pushes
}

func (p *Processor) handleDeleteAccount(req *protocol.Request) (*protocol.Response, []protocol.PushEvent) {
	if req.Username == "" {
		return protocol.ErrorResponse(protocol.ErrUnspecifiedCommand, "DEL_ACC"), nil
	}
	if resp := p.requirePrimary(); resp != nil {
		return resp, nil
	}

	if err := p.store.DeactivateAccount(req.Username); err != nil {
		return domainError(err), nil
	}
	if err := p.rep.ForwardAccount(req.Username, "", true); err != nil {
		log.Printf("Account replication for %s: %v", req.Username, err)
	}

	return &protocol.Response{Kind: protocol.RespDelAcc}, nil
}

func (p *Processor) usersListing(username string) (*protocol.Response, error) {
	entries, err := p.store.Conversations(username)
	if err != nil {
		return nil, err
	}
	return &protocol.Response{Kind: protocol.RespUsers, Username: username, Users: entries}, nil
}

func (p *Processor) requirePrimary() *protocol.Response {
	if p.rep.IsPrimary() {
		return nil
	}
	return protocol.ErrorResponse(protocol.ErrDBError, protocol.DetailNotPrimary)
}

// domainError maps store errors to wire errors. Domain errors are the
// caller's problem; only storage failures are logged as server faults.
func domainError(err error) *protocol.Response {
	switch {
	case errors.Is(err, store.ErrUserTaken):
		return protocol.ErrorResponse(protocol.ErrUserTaken, "")
	case errors.Is(err, store.ErrUserDNE):
		return protocol.ErrorResponse(protocol.ErrUserDNE, "")
	case errors.Is(err, store.ErrWrongPass):
		return protocol.ErrorResponse(protocol.ErrWrongPass, "")
	case errors.Is(err, store.ErrIDAbsent):
		return protocol.ErrorResponse(protocol.ErrIDDNE, "")
	default:
		log.Printf("Store error: %v", err)
		return protocol.ErrorResponse(protocol.ErrDBError, "")
	}
}
