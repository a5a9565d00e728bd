// Package cluster keeps multiple server instances consistent: a primary
// fans committed writes out to backups, heartbeats detect dead members,
// and survivors elect a replacement primary deterministically.
package cluster

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"chatd/models"
	"chatd/store"
)

type State string

const (
	StatePrimary  State = "primary"
	StateBackup   State = "backup"
	StateElecting State = "electing"
)

// Op kinds replicated from primary to backups.
const (
	OpAppend     = "append"
	OpMarkRead   = "mark_read"
	OpDelete     = "delete"
	OpCreateAcc  = "create_account"
	OpDeactivate = "deactivate_account"
)

// Op is one logical write shipped over the replication channel. The ID
// is the idempotence key for everything except appends, which are keyed
// by their message id.
type Op struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`

	Message *models.Message `json:"message,omitempty"`

	Viewer string `json:"viewer,omitempty"`
	Peer   string `json:"peer,omitempty"`
	Count  int    `json:"count,omitempty"`

	MsgIDs []int64 `json:"msg_ids,omitempty"`

	Username string `json:"username,omitempty"`
	Digest   string `json:"digest,omitempty"`
}

type Options struct {
	Interval     time.Duration
	MaxMissed    int
	SyncAccounts bool
	// OnMembership receives every adopted or recomputed membership
	// list; the connection layer uses it to broadcast to clients.
	OnMembership func([]models.Member)
}

// Coordinator is the replication state machine for one node. Time is
// driven through Sweep, which the heartbeat ticker calls with the real
// clock and tests call directly.
type Coordinator struct {
	self  string
	store *store.Store

	mu      sync.Mutex
	state   State
	members map[string]models.Member
	missed  map[string]int
	applied map[string]bool

	opts       Options
	probe      func(addr string) error
	httpClient *http.Client

	ops  chan Op
	stop chan struct{}
	wg   sync.WaitGroup
}

func New(self string, st *store.Store, opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.MaxMissed <= 0 {
		opts.MaxMissed = 3
	}

	c := &Coordinator{
		self:       self,
		store:      st,
		state:      StateElecting,
		members:    make(map[string]models.Member),
		missed:     make(map[string]int),
		applied:    make(map[string]bool),
		opts:       opts,
		httpClient: &http.Client{Timeout: 2 * time.Second},
		ops:        make(chan Op, 256),
		stop:       make(chan struct{}),
	}
	c.probe = c.healthCheck
	return c
}

// SetProbe overrides the health probe. Tests use it to simulate member
// failures without sockets.
func (c *Coordinator) SetProbe(probe func(addr string) error) {
	c.probe = probe
}

func (c *Coordinator) Self() string { return c.self }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) IsPrimary() bool {
	return c.State() == StatePrimary
}

// Members returns the membership list ordered by address.
func (c *Coordinator) Members() []models.Member {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.membersLocked()
}

func (c *Coordinator) membersLocked() []models.Member {
	list := make([]models.Member, 0, len(c.members))
	for _, m := range c.members {
		list = append(list, m)
	}
	slices.SortFunc(list, func(a, b models.Member) int {
		switch {
		case a.Addr < b.Addr:
			return -1
		case a.Addr > b.Addr:
			return 1
		default:
			return 0
		}
	})
	return list
}

func (c *Coordinator) primaryLocked() (models.Member, bool) {
	for _, m := range c.members {
		if m.Role == models.RolePrimary {
			return m, true
		}
	}
	return models.Member{}, false
}

// Bootstrap either starts a fresh primary (no peer) or joins an
// existing cluster through peer, adopting its membership and a full
// state snapshot.
func (c *Coordinator) Bootstrap(peer string) error {
	if peer == "" {
		c.mu.Lock()
		c.state = StatePrimary
		c.members[c.self] = models.Member{Addr: c.self, Role: models.RolePrimary, LastHeartbeat: time.Now()}
		c.mu.Unlock()
		log.Printf("Bootstrapped as primary at %s", c.self)
		return nil
	}
	return c.join(peer)
}

// Start runs the heartbeat ticker and the replication sender until Stop.
func (c *Coordinator) Start() {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.Sweep(time.Now())
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stop:
				return
			case op := <-c.ops:
				c.fanout(op)
			}
		}
	}()
}

func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()
}

// Sweep is one heartbeat tick. Backups probe the primary; the primary
// probes its backups; a node stuck electing retries the election.
func (c *Coordinator) Sweep(now time.Time) {
	c.mu.Lock()
	state := c.state
	primary, hasPrimary := c.primaryLocked()
	members := c.membersLocked()
	c.mu.Unlock()

	switch state {
	case StateBackup:
		if !hasPrimary {
			c.elect(now)
			return
		}
		if c.probeMember(primary.Addr, now) {
			return
		}
		log.Printf("Primary %s unreachable, starting election", primary.Addr)
		c.mu.Lock()
		delete(c.members, primary.Addr)
		delete(c.missed, primary.Addr)
		c.state = StateElecting
		c.mu.Unlock()
		c.elect(now)

	case StatePrimary:
		changed := false
		for _, m := range members {
			if m.Addr == c.self {
				continue
			}
			if !c.probeMember(m.Addr, now) {
				log.Printf("Backup %s unreachable, dropping from membership", m.Addr)
				c.mu.Lock()
				delete(c.members, m.Addr)
				delete(c.missed, m.Addr)
				c.mu.Unlock()
				changed = true
			}
		}
		if changed {
			c.broadcastMembership()
		}

	case StateElecting:
		c.elect(now)
	}
}

// probeMember runs one health probe and reports whether the member is
// still considered reachable (true until MaxMissed consecutive misses).
func (c *Coordinator) probeMember(addr string, now time.Time) bool {
	err := c.probe(addr)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.missed[addr]++
		log.Printf("Health probe %s failed (%d/%d): %v", addr, c.missed[addr], c.opts.MaxMissed, err)
		return c.missed[addr] < c.opts.MaxMissed
	}
	c.missed[addr] = 0
	if m, ok := c.members[addr]; ok {
		m.LastHeartbeat = now
		c.members[addr] = m
	}
	return true
}

// elect deterministically picks the member with the lexicographically
// smallest address as the new primary. Addresses are unique, so there
// is no tie to break and no voting round.
func (c *Coordinator) elect(now time.Time) {
	c.mu.Lock()
	if len(c.members) == 0 {
		// Nobody reachable, not even self in a membership list: stay
		// electing and retry on the next sweep.
		c.state = StateElecting
		c.mu.Unlock()
		log.Printf("Election found no candidates; retrying next sweep")
		return
	}

	addrs := make([]string, 0, len(c.members))
	for addr := range c.members {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)
	winner := addrs[0]

	for addr, m := range c.members {
		if addr == winner {
			m.Role = models.RolePrimary
		} else {
			m.Role = models.RoleBackup
		}
		m.LastHeartbeat = now
		c.members[addr] = m
	}
	if winner == c.self {
		c.state = StatePrimary
	} else {
		c.state = StateBackup
	}
	c.mu.Unlock()

	log.Printf("Elected %s as primary (self=%s, state=%s)", winner, c.self, c.State())
	c.broadcastMembership()
}

// Replication forwarding (primary side)

func (c *Coordinator) ForwardAppend(m models.Message) {
	c.enqueue(Op{ID: uuid.NewString(), Kind: OpAppend, Message: &m})
}

func (c *Coordinator) ForwardMarkRead(viewer, peer string, count int) {
	c.enqueue(Op{ID: uuid.NewString(), Kind: OpMarkRead, Viewer: viewer, Peer: peer, Count: count})
}

func (c *Coordinator) ForwardDelete(ids []int64) {
	c.enqueue(Op{ID: uuid.NewString(), Kind: OpDelete, MsgIDs: ids})
}

// ForwardAccount replicates an account create or deactivate. Identity
// writes replicate synchronously when configured, blocking until at
// least one backup confirms, to keep a failover from resurrecting or
// duplicating an account.
func (c *Coordinator) ForwardAccount(username, digest string, deactivate bool) error {
	op := Op{ID: uuid.NewString(), Username: username, Digest: digest}
	if deactivate {
		op.Kind = OpDeactivate
	} else {
		op.Kind = OpCreateAcc
	}

	if !c.opts.SyncAccounts {
		c.enqueue(op)
		return nil
	}

	backups := c.backupAddrs()
	if len(backups) == 0 {
		return nil
	}
	var lastErr error
	confirmed := false
	for _, addr := range backups {
		if err := PostJSON(c.httpClient, addr, "/replicate", op, nil); err != nil {
			lastErr = err
			continue
		}
		confirmed = true
	}
	if !confirmed {
		return fmt.Errorf("no backup confirmed %s for %s: %w", op.Kind, username, lastErr)
	}
	return nil
}

func (c *Coordinator) enqueue(op Op) {
	select {
	case c.ops <- op:
	default:
		// The sender is far behind; shipping inline keeps the write
		// from being lost at the cost of request-path latency.
		c.fanout(op)
	}
}

func (c *Coordinator) backupAddrs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var addrs []string
	for addr := range c.members {
		if addr != c.self {
			addrs = append(addrs, addr)
		}
	}
	slices.Sort(addrs)
	return addrs
}

func (c *Coordinator) fanout(op Op) {
	for _, addr := range c.backupAddrs() {
		if err := PostJSON(c.httpClient, addr, "/replicate", op, nil); err != nil {
			// Never surfaced to the original client; the heartbeat
			// sweep decides whether the backup is gone.
			log.Printf("Replicating %s to %s: %v", op.Kind, addr, err)
		}
	}
}

// Apply executes one replicated op on this node, idempotently: appends
// are keyed by message id, everything else by op id.
func (c *Coordinator) Apply(op Op) error {
	c.mu.Lock()
	if c.applied[op.ID] {
		c.mu.Unlock()
		return nil
	}
	c.applied[op.ID] = true
	c.mu.Unlock()

	switch op.Kind {
	case OpAppend:
		if op.Message == nil {
			return errors.New("append op without message")
		}
		return c.store.ApplyReplica(*op.Message)
	case OpMarkRead:
		return c.store.MarkRead(op.Viewer, op.Peer, op.Count)
	case OpDelete:
		_, err := c.store.Delete(op.MsgIDs)
		return err
	case OpCreateAcc:
		err := c.store.CreateAccount(op.Username, op.Digest)
		if errors.Is(err, store.ErrUserTaken) {
			return nil
		}
		return err
	case OpDeactivate:
		err := c.store.DeactivateAccount(op.Username)
		if errors.Is(err, store.ErrUserDNE) {
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown replication op %q", op.Kind)
	}
}

// Membership bookkeeping

// AddMember records a newly joined backup and returns the updated list.
func (c *Coordinator) AddMember(addr string, now time.Time) []models.Member {
	c.mu.Lock()
	c.members[addr] = models.Member{Addr: addr, Role: models.RoleBackup, LastHeartbeat: now}
	list := c.membersLocked()
	c.mu.Unlock()
	return list
}

// AdoptMembership replaces the local list with a broadcast one and
// realigns this node's role with its own entry.
func (c *Coordinator) AdoptMembership(list []models.Member) {
	c.mu.Lock()
	c.members = make(map[string]models.Member, len(list))
	for _, m := range list {
		c.members[m.Addr] = m
	}
	if m, ok := c.members[c.self]; ok {
		if m.Role == models.RolePrimary {
			c.state = StatePrimary
		} else {
			c.state = StateBackup
		}
	}
	c.mu.Unlock()

	if c.opts.OnMembership != nil {
		c.opts.OnMembership(list)
	}
}

func (c *Coordinator) broadcastMembership() {
	list := c.Members()
	for _, m := range list {
		if m.Addr == c.self {
			continue
		}
		if err := PostJSON(c.httpClient, m.Addr, "/membership", list, nil); err != nil {
			log.Printf("Membership broadcast to %s: %v", m.Addr, err)
		}
	}
	if c.opts.OnMembership != nil {
		c.opts.OnMembership(list)
	}
}
