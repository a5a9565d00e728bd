package server

import (
	"bufio"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"chatd/db"
	"chatd/store"
)

func setupTestServer(t *testing.T) (*Server, string) {
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

	st, err := store.New(database)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	srv := New(st, NewRegistry(), &fakeReplicator{primary: true}, &ServerConfig{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	go srv.Serve(listener)

	t.Cleanup(func() {
		listener.Close()
		srv.Shutdown()
		database.Close()
		os.Remove(tmpfile.Name())
	})

	return srv, listener.Addr().String()
}

func dialTestServer(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("Failed to dial server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func sendFrame(t *testing.T, conn net.Conn, frame string) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte(frame + "\n")); err != nil {
		t.Fatalf("Failed to send %q: %v", frame, err)
	}
}

func readFrame(t *testing.T, conn net.Conn, reader *bufio.Reader) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	return strings.TrimSpace(line)
}

func TestServerCreateLoginRoundTrip(t *testing.T) {
	_, addr := setupTestServer(t)
	conn, reader := dialTestServer(t, addr)

	sendFrame(t, conn, "1.0 CREATE henro digest")
	if got := readFrame(t, conn, reader); got != "1.0 USERS henro" {
		t.Fatalf("CREATE reply = %q", got)
	}

	sendFrame(t, conn, "1.0 LOGIN henro wrong")
	if got := readFrame(t, conn, reader); got != "1.0 ERROR 3" {
		t.Fatalf("bad login reply = %q", got)
	}

	sendFrame(t, conn, "1.0 LOGIN henro digest")
	if got := readFrame(t, conn, reader); got != "1.0 USERS henro" {
		t.Fatalf("LOGIN reply = %q", got)
	}
}

func TestServerMessagingScenario(t *testing.T) {
	_, addr := setupTestServer(t)

	henro, henroR := dialTestServer(t, addr)
	bridget, bridgetR := dialTestServer(t, addr)

	sendFrame(t, henro, "1.0 CREATE henro d1")
	if got := readFrame(t, henro, henroR); got != "1.0 USERS henro" {
		t.Fatalf("henro CREATE reply = %q", got)
	}

	sendFrame(t, bridget, "1.0 CREATE bridget d2")
	if got := readFrame(t, bridget, bridgetR); got != "1.0 USERS bridget" {
		t.Fatalf("bridget CREATE reply = %q", got)
	}
	// henro is online and hears about the new account.
	if got := readFrame(t, henro, henroR); got != "1.0 PUSH_USER bridget" {
		t.Fatalf("henro push = %q", got)
	}

	// bridget opens the conversation with henro; the empty history also
	// guarantees the CREATE registration is fully processed.
	sendFrame(t, bridget, "1.0 READ bridget henro -1")
	if got := readFrame(t, bridget, bridgetR); got != "1.0 MSGS 0 0" {
		t.Fatalf("bridget READ reply = %q", got)
	}

	// henro sends while bridget is viewing: ack to henro, push to
	// bridget, nothing unread.
	sendFrame(t, henro, "1.0 SEND henro bridget 2 hi bridget")
	if got := readFrame(t, henro, henroR); got != "1.0 ACK 1" {
		t.Fatalf("SEND reply = %q", got)
	}
	if got := readFrame(t, bridget, bridgetR); got != "1.0 PUSH_MSG henro 1 2 hi bridget" {
		t.Fatalf("bridget push = %q", got)
	}

	sendFrame(t, bridget, "1.0 READ bridget henro -1")
	if got := readFrame(t, bridget, bridgetR); got != "1.0 MSGS 0 0 1 1 2 hi bridget" {
		t.Fatalf("bridget history = %q", got)
	}

	// bridget deletes henro's message; henro gets the delete push.
	sendFrame(t, bridget, "1.0 DEL_MSG 1")
	if got := readFrame(t, bridget, bridgetR); got != "1.0 DEL_MSG 1 0" {
		t.Fatalf("DEL_MSG reply = %q", got)
	}
	if got := readFrame(t, henro, henroR); got != "1.0 DEL_MSG henro 1 0" {
		t.Fatalf("henro delete push = %q", got)
	}
}

func TestServerMalformedFrameKeepsConnection(t *testing.T) {
	_, addr := setupTestServer(t)
	conn, reader := dialTestServer(t, addr)

	sendFrame(t, conn, "9.9 LOGIN henro digest")
	if got := readFrame(t, conn, reader); got != "1.0 ERROR 5 9.9" {
		t.Fatalf("unsupported version reply = %q", got)
	}

	sendFrame(t, conn, "1.0 NONSENSE")
	if got := readFrame(t, conn, reader); got != "1.0 ERROR 6 NONSENSE" {
		t.Fatalf("unknown opcode reply = %q", got)
	}

	// The connection survives both.
	sendFrame(t, conn, "1.0 CREATE henro digest")
	if got := readFrame(t, conn, reader); got != "1.0 USERS henro" {
		t.Fatalf("CREATE after errors = %q", got)
	}
}

func TestServerJSONCodecOnSameListener(t *testing.T) {
	_, addr := setupTestServer(t)
	conn, reader := dialTestServer(t, addr)

	sendFrame(t, conn, `2.0 {"opcode":"CREATE","data":["henro","digest"]}`)
	if got := readFrame(t, conn, reader); got != `2.0 {"opcode":"USERS","data":["henro"]}` {
		t.Fatalf("JSON CREATE reply = %q", got)
	}

	// The same connection can switch back to the text codec.
	sendFrame(t, conn, "1.0 READ henro henro -1")
	if got := readFrame(t, conn, reader); got != "1.0 MSGS 0 0" {
		t.Fatalf("text READ reply = %q", got)
	}
}

func TestServerPushEncodedWithConnectionCodec(t *testing.T) {
	_, addr := setupTestServer(t)

	henro, henroR := dialTestServer(t, addr)
	bridget, bridgetR := dialTestServer(t, addr)

	// henro logs in over JSON; pushes to henro must arrive as JSON.
	sendFrame(t, henro, `2.0 {"opcode":"CREATE","data":["henro","d1"]}`)
	readFrame(t, henro, henroR)

	sendFrame(t, bridget, "1.0 CREATE bridget d2")
	readFrame(t, bridget, bridgetR)

	if got := readFrame(t, henro, henroR); got != `2.0 {"opcode":"PUSH_USER","data":["bridget"]}` {
		t.Fatalf("henro JSON push = %q", got)
	}
}
