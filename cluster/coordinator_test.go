package cluster

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatd/db"
	"chatd/models"
	"chatd/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "chatd-test-*.db")
	require.NoError(t, err)
	tmpfile.Close()
	os.Remove(tmpfile.Name())

	database, err := db.New(tmpfile.Name())
	require.NoError(t, err)
	t.Cleanup(func() {
		database.Close()
		os.Remove(tmpfile.Name())
	})

	st, err := store.New(database)
	require.NoError(t, err)
	return st
}

// newTestNode wires a coordinator to an httptest server so other nodes
// can actually reach it. The returned coordinator's self address is the
// test server's host:port.
func newTestNode(t *testing.T, opts Options) (*Coordinator, *store.Store) {
	t.Helper()

	st := newTestStore(t)
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	addr := strings.TrimPrefix(server.URL, "http://")
	c := New(addr, st, opts)
	c.Routes(mux)
	return c, st
}

func TestBootstrapFreshPrimary(t *testing.T) {
	c := New("127.0.0.1:9001", newTestStore(t), Options{})
	require.NoError(t, c.Bootstrap(""))

	assert.True(t, c.IsPrimary())
	members := c.Members()
	require.Len(t, members, 1)
	assert.Equal(t, models.RolePrimary, members[0].Role)
}

func TestJoinAdoptsSnapshotAndMembership(t *testing.T) {
	primary, primaryStore := newTestNode(t, Options{})
	require.NoError(t, primary.Bootstrap(""))

	require.NoError(t, primaryStore.CreateAccount("henro", "d1"))
	require.NoError(t, primaryStore.CreateAccount("bridget", "d2"))
	_, err := primaryStore.Append("henro", "bridget", "pre-join traffic", false)
	require.NoError(t, err)

	backup, backupStore := newTestNode(t, Options{})
	require.NoError(t, backup.Bootstrap(primary.Self()))

	assert.Equal(t, StateBackup, backup.State())
	assert.Len(t, backup.Members(), 2)
	assert.Len(t, primary.Members(), 2)

	// The joined node carries the full pre-join state.
	assert.NoError(t, backupStore.Authenticate("henro", "d1"))
	msgs, _, err := backupStore.History("bridget", "henro", -1, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	count, err := backupStore.Unread("bridget", "henro")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReplicationReachesBackup(t *testing.T) {
	primary, primaryStore := newTestNode(t, Options{SyncAccounts: true})
	require.NoError(t, primary.Bootstrap(""))

	backup, backupStore := newTestNode(t, Options{})
	require.NoError(t, backup.Bootstrap(primary.Self()))

	// Account writes replicate synchronously.
	require.NoError(t, primaryStore.CreateAccount("henro", "d1"))
	require.NoError(t, primary.ForwardAccount("henro", "d1", false))
	require.NoError(t, primaryStore.CreateAccount("bridget", "d2"))
	require.NoError(t, primary.ForwardAccount("bridget", "d2", false))

	assert.NoError(t, backupStore.Authenticate("henro", "d1"))

	// Message writes replicate through the same channel; fan out
	// directly instead of going through the async sender.
	m, err := primaryStore.Append("henro", "bridget", "replicate me", false)
	require.NoError(t, err)
	primary.fanout(Op{ID: "op-1", Kind: OpAppend, Message: &m})

	msgs, _, err := backupStore.History("bridget", "henro", -1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "replicate me", msgs[0].Text)
}

func TestApplyIsIdempotentPerOp(t *testing.T) {
	st := newTestStore(t)
	c := New("127.0.0.1:9001", st, Options{})

	require.NoError(t, st.CreateAccount("henro", "d1"))
	require.NoError(t, st.CreateAccount("bridget", "d2"))
	_, err := st.Append("henro", "bridget", "one", false)
	require.NoError(t, err)
	_, err = st.Append("henro", "bridget", "two", false)
	require.NoError(t, err)

	op := Op{ID: "mark-1", Kind: OpMarkRead, Viewer: "bridget", Peer: "henro", Count: 1}
	require.NoError(t, c.Apply(op))
	require.NoError(t, c.Apply(op))

	count, err := st.Unread("bridget", "henro")
	require.NoError(t, err)
	assert.Equal(t, 1, count, "redelivered op must not apply twice")
}

func TestApplyCreateAccountToleratesReplay(t *testing.T) {
	st := newTestStore(t)
	c := New("127.0.0.1:9001", st, Options{})

	require.NoError(t, c.Apply(Op{ID: "acc-1", Kind: OpCreateAcc, Username: "henro", Digest: "d1"}))
	// A distinct op for the same username can happen after a primary
	// retry; it must not fail the replication channel.
	require.NoError(t, c.Apply(Op{ID: "acc-2", Kind: OpCreateAcc, Username: "henro", Digest: "d1"}))

	assert.NoError(t, st.Authenticate("henro", "d1"))
}

func TestApplyUnknownOpFails(t *testing.T) {
	c := New("127.0.0.1:9001", newTestStore(t), Options{})
	assert.Error(t, c.Apply(Op{ID: "x", Kind: "frobnicate"}))
}

func TestBackupElectsItselfWhenPrimaryDies(t *testing.T) {
	var adopted [][]models.Member
	c := New("127.0.0.1:9002", newTestStore(t), Options{
		MaxMissed: 3,
		OnMembership: func(m []models.Member) {
			adopted = append(adopted, m)
		},
	})
	c.AdoptMembership([]models.Member{
		{Addr: "127.0.0.1:9001", Role: models.RolePrimary},
		{Addr: "127.0.0.1:9002", Role: models.RoleBackup},
		{Addr: "127.0.0.1:9003", Role: models.RoleBackup},
	})
	require.Equal(t, StateBackup, c.State())

	c.SetProbe(func(addr string) error { return errors.New("connection refused") })

	now := time.Now()
	c.Sweep(now)
	c.Sweep(now)
	assert.Equal(t, StateBackup, c.State(), "two missed probes are not enough")

	// Third consecutive miss drops the primary and runs the election:
	// 9002 is the lowest surviving address, so this node takes over.
	c.Sweep(now)
	assert.Equal(t, StatePrimary, c.State())

	members := c.Members()
	require.Len(t, members, 2)
	assert.Equal(t, "127.0.0.1:9002", members[0].Addr)
	assert.Equal(t, models.RolePrimary, members[0].Role)
	assert.Equal(t, models.RoleBackup, members[1].Role)

	require.NotEmpty(t, adopted)
	assert.Len(t, adopted[len(adopted)-1], 2)
}

func TestBackupDefersToLowerAddress(t *testing.T) {
	c := New("127.0.0.1:9003", newTestStore(t), Options{MaxMissed: 1})
	c.AdoptMembership([]models.Member{
		{Addr: "127.0.0.1:9001", Role: models.RolePrimary},
		{Addr: "127.0.0.1:9002", Role: models.RoleBackup},
		{Addr: "127.0.0.1:9003", Role: models.RoleBackup},
	})

	// Only the primary is unreachable.
	c.SetProbe(func(addr string) error {
		if addr == "127.0.0.1:9001" {
			return errors.New("connection refused")
		}
		return nil
	})

	c.Sweep(time.Now())
	assert.Equal(t, StateBackup, c.State(), "9002 outranks 9003 for primary")

	members := c.Members()
	require.Len(t, members, 2)
	assert.Equal(t, "127.0.0.1:9002", members[0].Addr)
	assert.Equal(t, models.RolePrimary, members[0].Role)
}

func TestSuccessfulProbeResetsMissedCount(t *testing.T) {
	c := New("127.0.0.1:9002", newTestStore(t), Options{MaxMissed: 2})
	c.AdoptMembership([]models.Member{
		{Addr: "127.0.0.1:9001", Role: models.RolePrimary},
		{Addr: "127.0.0.1:9002", Role: models.RoleBackup},
	})

	healthy := false
	c.SetProbe(func(addr string) error {
		if healthy {
			return nil
		}
		return errors.New("connection refused")
	})

	now := time.Now()
	c.Sweep(now)
	healthy = true
	c.Sweep(now)
	healthy = false
	c.Sweep(now)
	assert.Equal(t, StateBackup, c.State(), "a successful probe must reset the miss count")

	c.Sweep(now)
	assert.Equal(t, StatePrimary, c.State())
}

func TestPrimaryDropsDeadBackups(t *testing.T) {
	var lists [][]models.Member
	c := New("127.0.0.1:9001", newTestStore(t), Options{
		MaxMissed: 2,
		OnMembership: func(m []models.Member) {
			lists = append(lists, m)
		},
	})
	require.NoError(t, c.Bootstrap(""))
	c.AddMember("127.0.0.1:9002", time.Now())

	c.SetProbe(func(addr string) error { return errors.New("connection refused") })

	now := time.Now()
	c.Sweep(now)
	assert.Len(t, c.Members(), 2, "one missed probe keeps the backup")

	c.Sweep(now)
	members := c.Members()
	require.Len(t, members, 1)
	assert.Equal(t, "127.0.0.1:9001", members[0].Addr)
	assert.True(t, c.IsPrimary())
	require.NotEmpty(t, lists)
}
