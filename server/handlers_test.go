package server

import (
	"os"
	"strconv"
	"testing"

	"chatd/db"
	"chatd/models"
	"chatd/protocol"
	"chatd/store"
)

// fakeReplicator records forwards so tests can assert the processor
// ships every committed write.
type fakeReplicator struct {
	primary  bool
	appends  []models.Message
	marks    []string
	deletes  [][]int64
	accounts []string
}

func (f *fakeReplicator) IsPrimary() bool { return f.primary }

func (f *fakeReplicator) ForwardAppend(m models.Message) {
	f.appends = append(f.appends, m)
}

func (f *fakeReplicator) ForwardMarkRead(viewer, peer string, count int) {
	f.marks = append(f.marks, viewer+"|"+peer)
}

func (f *fakeReplicator) ForwardDelete(ids []int64) {
	f.deletes = append(f.deletes, ids)
}

func (f *fakeReplicator) ForwardAccount(username, digest string, deactivate bool) error {
	f.accounts = append(f.accounts, username)
	return nil
}

func newTestProcessor(t *testing.T) (*Processor, *Registry, *fakeReplicator) {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "chatd-test-*.db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tmpfile.Close()
	os.Remove(tmpfile.Name())

	database, err := db.New(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
		os.Remove(tmpfile.Name())
	})

	st, err := store.New(database)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	registry := NewRegistry()
	rep := &fakeReplicator{primary: true}
	return NewProcessor(st, registry, rep), registry, rep
}

func stubConn() *Conn {
	return newConn("test", func(string) error { return nil }, func() error { return nil }, protocol.TextCodec{})
}

func handle(t *testing.T, p *Processor, sessionUser, frame string) (*protocol.Response, []protocol.PushEvent) {
	t.Helper()
	codec, rest, err := protocol.ForFrame(frame)
	if err != nil {
		t.Fatalf("ForFrame(%q): %v", frame, err)
	}
	req, err := codec.Decode(rest)
	if err != nil {
		t.Fatalf("Decode(%q): %v", frame, err)
	}
	return p.Handle(req, sessionUser)
}

func TestCreateReturnsListingAndAnnounces(t *testing.T) {
	p, _, rep := newTestProcessor(t)

	resp, pushes := handle(t, p, "", "1.0 CREATE henro digest")
	if resp.Kind != protocol.RespUsers || resp.Username != "henro" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Users) != 0 {
		t.Errorf("first account should see an empty listing, got %v", resp.Users)
	}
	if len(pushes) != 1 || pushes[0].Kind != protocol.PushUser || pushes[0].Username != "henro" {
		t.Errorf("expected a broadcast announcing henro, got %v", pushes)
	}
	if len(rep.accounts) != 1 {
		t.Errorf("account create was not forwarded to backups")
	}
}

func TestCreateTakenUsername(t *testing.T) {
	p, _, _ := newTestProcessor(t)

	handle(t, p, "", "1.0 CREATE henro digest")
	resp, _ := handle(t, p, "", "1.0 CREATE henro other")
	if resp.Kind != protocol.RespError || resp.Errno != protocol.ErrUserTaken {
		t.Fatalf("expected USER_TAKEN, got %+v", resp)
	}
}

func TestLoginErrors(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	handle(t, p, "", "1.0 CREATE henro digest")

	resp, _ := handle(t, p, "", "1.0 LOGIN henro wrong")
	if resp.Errno != protocol.ErrWrongPass {
		t.Errorf("wrong password: got %+v", resp)
	}
	resp, _ = handle(t, p, "", "1.0 LOGIN nobody digest")
	if resp.Errno != protocol.ErrUserDNE {
		t.Errorf("unknown user: got %+v", resp)
	}
}

func TestSendToOfflineRecipientCountsUnread(t *testing.T) {
	p, _, rep := newTestProcessor(t)
	handle(t, p, "", "1.0 CREATE henro d1")
	handle(t, p, "", "1.0 CREATE bridget d2")

	resp, pushes := handle(t, p, "henro", "1.0 SEND henro bridget 2 hello bridget")
	if resp.Kind != protocol.RespAck || resp.AckID <= 0 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(pushes) != 0 {
		t.Errorf("offline recipient must not be pushed to, got %v", pushes)
	}
	if len(rep.appends) != 1 {
		t.Errorf("append was not forwarded to backups")
	}

	resp, _ = handle(t, p, "bridget", "1.0 READ bridget henro -1")
	if resp.Unread != 1 {
		t.Errorf("unread = %d, want 1", resp.Unread)
	}
}

func TestSendToOnlineRecipientPushes(t *testing.T) {
	p, registry, _ := newTestProcessor(t)
	handle(t, p, "", "1.0 CREATE henro d1")
	handle(t, p, "", "1.0 CREATE bridget d2")
	registry.Register("bridget", stubConn())

	resp, pushes := handle(t, p, "henro", "1.0 SEND henro bridget 1 hey")
	if len(pushes) != 1 || pushes[0].Kind != protocol.PushMsg || pushes[0].To != "bridget" {
		t.Fatalf("expected one push to bridget, got %v", pushes)
	}
	if pushes[0].MsgID != resp.AckID || pushes[0].Text != "hey" {
		t.Errorf("push does not match the stored message: %+v", pushes[0])
	}

	// bridget was not viewing the conversation, so the message still
	// counts as unread.
	resp, _ = handle(t, p, "bridget", "1.0 READ bridget henro -1")
	if resp.Unread != 1 {
		t.Errorf("unread = %d, want 1", resp.Unread)
	}
}

func TestSendToViewingRecipientSkipsUnread(t *testing.T) {
	p, registry, _ := newTestProcessor(t)
	handle(t, p, "", "1.0 CREATE henro d1")
	handle(t, p, "", "1.0 CREATE bridget d2")
	registry.Register("bridget", stubConn())

	// Opening the conversation makes it bridget's active one.
	handle(t, p, "bridget", "1.0 READ bridget henro -1")

	_, pushes := handle(t, p, "henro", "1.0 SEND henro bridget 1 hi")
	if len(pushes) != 1 {
		t.Fatalf("expected a push, got %v", pushes)
	}

	resp, _ := handle(t, p, "bridget", "1.0 READ bridget henro -1")
	if resp.Unread != 0 {
		t.Errorf("unread = %d, want 0 for a viewing recipient", resp.Unread)
	}
}

func TestSendToDeactivatedRecipientAcksSentinel(t *testing.T) {
	p, _, rep := newTestProcessor(t)
	handle(t, p, "", "1.0 CREATE henro d1")
	handle(t, p, "", "1.0 CREATE bridget d2")
	handle(t, p, "bridget", "1.0 DEL_ACC bridget")

	before := len(rep.appends)
	resp, pushes := handle(t, p, "henro", "1.0 SEND henro bridget 1 anyone")
	if resp.Kind != protocol.RespAck || resp.AckID != protocol.SentinelID {
		t.Fatalf("expected sentinel ack, got %+v", resp)
	}
	if len(pushes) != 0 || len(rep.appends) != before {
		t.Errorf("sentinel send must store and push nothing")
	}
}

func TestReadAckMarksActiveConversation(t *testing.T) {
	p, registry, rep := newTestProcessor(t)
	handle(t, p, "", "1.0 CREATE henro d1")
	handle(t, p, "", "1.0 CREATE bridget d2")
	registry.Register("bridget", stubConn())

	handle(t, p, "henro", "1.0 SEND henro bridget 1 one")
	handle(t, p, "henro", "1.0 SEND henro bridget 1 two")

	resp, _ := handle(t, p, "bridget", "1.0 READ bridget henro -1")
	if resp.Unread != 2 {
		t.Fatalf("unread = %d, want 2", resp.Unread)
	}

	if resp, _ := handle(t, p, "bridget", "1.0 READ_ACK 2"); resp != nil {
		t.Fatalf("READ_ACK must not be answered, got %+v", resp)
	}
	if len(rep.marks) != 1 || rep.marks[0] != "bridget|henro" {
		t.Errorf("mark-read was not forwarded: %v", rep.marks)
	}

	resp, _ = handle(t, p, "bridget", "1.0 READ bridget henro -1")
	if resp.Unread != 0 {
		t.Errorf("unread = %d after ack, want 0", resp.Unread)
	}
}

func TestReadAckWithoutSessionIsIgnored(t *testing.T) {
	p, _, rep := newTestProcessor(t)
	if resp, _ := handle(t, p, "", "1.0 READ_ACK 3"); resp != nil {
		t.Fatalf("expected no response, got %+v", resp)
	}
	if len(rep.marks) != 0 {
		t.Errorf("nothing should be forwarded without a session")
	}
}

func TestDeleteMessagesPerIDResults(t *testing.T) {
	p, registry, rep := newTestProcessor(t)
	handle(t, p, "", "1.0 CREATE henro d1")
	handle(t, p, "", "1.0 CREATE bridget d2")
	registry.Register("bridget", stubConn())

	sent, _ := handle(t, p, "henro", "1.0 SEND henro bridget 2 delete me")

	resp, pushes := handle(t, p, "henro", "1.0 DEL_MSG "+itoa(sent.AckID)+" 9999")
	if resp.Kind != protocol.RespDeleted || len(resp.Deleted) != 2 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Deleted[0].Errno != 0 {
		t.Errorf("existing id should delete, got errno %d", resp.Deleted[0].Errno)
	}
	if resp.Deleted[1].Errno != protocol.ErrIDDNE {
		t.Errorf("absent id should fail with ID_DNE, got errno %d", resp.Deleted[1].Errno)
	}

	// bridget, the other participant, hears about it; henro asked, so
	// henro does not.
	if len(pushes) != 1 || pushes[0].To != "bridget" || pushes[0].Kind != protocol.PushDelMsg {
		t.Fatalf("expected one delete push to bridget, got %v", pushes)
	}
	if !pushes[0].WasUnread {
		t.Errorf("bridget never read the message, push should say so")
	}
	if len(rep.deletes) != 1 {
		t.Errorf("delete was not forwarded to backups")
	}
}

func TestBackupRefusesWrites(t *testing.T) {
	p, _, rep := newTestProcessor(t)
	handle(t, p, "", "1.0 CREATE henro d1")
	handle(t, p, "", "1.0 CREATE bridget d2")
	handle(t, p, "henro", "1.0 SEND henro bridget 1 hi")
	rep.primary = false

	writes := []string{
		"1.0 CREATE carol d3",
		"1.0 SEND henro bridget 1 hello",
		"1.0 DEL_MSG 1",
		"1.0 DEL_ACC henro",
	}
	for _, frame := range writes {
		resp, _ := handle(t, p, "henro", frame)
		if resp.Kind != protocol.RespError || resp.Errno != protocol.ErrDBError || resp.Detail != protocol.DetailNotPrimary {
			t.Errorf("%q on a backup: got %+v, want not_primary refusal", frame, resp)
		}
	}

	// Reads and logins still work on a backup.
	if resp, _ := handle(t, p, "", "1.0 LOGIN henro d1"); resp.Kind != protocol.RespUsers {
		t.Errorf("login on a backup failed: %+v", resp)
	}
	if resp, _ := handle(t, p, "bridget", "1.0 READ bridget henro -1"); resp.Kind != protocol.RespMsgs {
		t.Errorf("read on a backup failed: %+v", resp)
	}
}

func TestRegistrySecondLoginSupersedes(t *testing.T) {
	registry := NewRegistry()
	first := stubConn()
	second := stubConn()

	registry.Register("henro", first)
	registry.Register("henro", second)

	select {
	case <-first.done:
	default:
		t.Error("superseded connection was not closed")
	}

	// The stale connection's disconnect must not evict the new login.
	registry.Unregister("henro", first)
	if !registry.Online("henro") {
		t.Error("fresh session evicted by stale disconnect")
	}
	registry.Unregister("henro", second)
	if registry.Online("henro") {
		t.Error("session still online after unregister")
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
