// Package protocol defines the internal request/response model shared by
// every wire encoding, and one codec per encoding. The codec for a frame
// is chosen by the version tag in the first token, never by payload shape.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"chatd/models"
)

const (
	VersionText  = "1.0"
	VersionJSON  = "2.0"
	VersionTyped = "3.0"
)

// Wire error codes.
const (
	ErrUserTaken          = 1
	ErrUserDNE            = 2
	ErrWrongPass          = 3
	ErrDBError            = 4
	ErrUnsupportedVersion = 5
	ErrUnspecifiedCommand = 6
	ErrIDDNE              = 7
)

// DetailNotPrimary accompanies a DB_ERROR from a backup refusing a
// write; clients retry against the primary from their membership list.
const DetailNotPrimary = "not_primary"

// SentinelID acks a SEND whose recipient account is inactive: the client
// already committed to sending, so it gets an ack but no message is stored.
const SentinelID int64 = -1

type Opcode string

const (
	OpCreate  Opcode = "CREATE"
	OpLogin   Opcode = "LOGIN"
	OpRead    Opcode = "READ"
	OpSend    Opcode = "SEND"
	OpReadAck Opcode = "READ_ACK"
	OpDelMsg  Opcode = "DEL_MSG"
	OpDelAcc  Opcode = "DEL_ACC"
)

// WireError is a protocol or domain error that maps to an ERROR frame.
type WireError struct {
	Code   int
	Detail string
}

func (e *WireError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("wire error %d", e.Code)
	}
	return fmt.Sprintf("wire error %d: %s", e.Code, e.Detail)
}

var ErrMalformed = errors.New("malformed frame")

// Request is the decoded form of any client command, identical across
// the three encodings.
type Request struct {
	Op       Opcode
	Username string // CREATE/LOGIN/DEL_ACC account; READ viewer; SEND sender
	Password string // password digest, hashed before the wire boundary
	Peer     string // READ peer; SEND recipient
	Text     string // SEND body
	OldestID int64  // READ: -1 means most recent page
	Limit    int    // READ: 0 means server default
	Count    int    // READ_ACK
	IDs      []int64
}

type RespKind int

const (
	RespError RespKind = iota
	RespUsers
	RespMsgs
	RespAck
	RespDeleted
	RespDelAcc
)

// ChatMessage is one history entry as shipped to a client.
type ChatMessage struct {
	ID         int64  `json:"id"`
	FromViewer bool   `json:"from_viewer"`
	Text       string `json:"text"`
}

// DeleteResult reports one id of a DEL_MSG request: Errno is 0 on
// success or ErrIDDNE when the id was absent.
type DeleteResult struct {
	ID    int64 `json:"id"`
	Errno int   `json:"errno"`
}

type Response struct {
	Kind RespKind

	Errno  int
	Detail string

	Username string
	Users    []models.ConvoEntry

	ViewerFirst bool // sender of the earliest returned message is the viewer
	Unread      int
	Msgs        []ChatMessage

	AckID int64

	Deleted []DeleteResult
}

func ErrorResponse(code int, detail string) *Response {
	return &Response{Kind: RespError, Errno: code, Detail: detail}
}

type PushKind int

const (
	PushMsg PushKind = iota
	PushUser
	PushDelMsg
	PushMembers
)

// PushEvent is a server-originated notification. To names the recipient
// username; an empty To means every connected client.
type PushEvent struct {
	Kind PushKind
	To   string

	Sender    string
	MsgID     int64
	Text      string
	WasUnread bool

	Username string // PUSH_USER

	Members []models.Member
}

// Codec translates between wire frames and the internal model. Decode
// must never terminate the owning connection: failures surface as
// *WireError and the connection stays open.
type Codec interface {
	Version() string
	Decode(line string) (*Request, error)
	EncodeResponse(r *Response) string
	EncodePush(p *PushEvent) string
}

// ForFrame picks the codec named by the frame's leading version token
// and returns the remainder of the frame.
func ForFrame(line string) (Codec, string, error) {
	version, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch version {
	case VersionText:
		return TextCodec{}, rest, nil
	case VersionJSON:
		return JSONCodec{}, rest, nil
	case VersionTyped:
		return TypedCodec{}, rest, nil
	default:
		return nil, "", &WireError{Code: ErrUnsupportedVersion, Detail: version}
	}
}
