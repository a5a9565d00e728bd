package protocol

import (
	"encoding/json"

	"chatd/models"
)

// TypedCodec is the schema-defined RPC surface: one named message pair
// per opcode, no positional tokenizing. Frames are `3.0 {json}` carried
// over the websocket transport, whose duplex stream doubles as the
// bidirectional live-update channel.
type TypedCodec struct{}

type CredentialsReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type HistoryReq struct {
	Viewer   string `json:"viewer"`
	Peer     string `json:"peer"`
	OldestID int64  `json:"oldest_id"`
	Limit    int    `json:"limit,omitempty"`
}

type SendReq struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Text      string `json:"text"`
}

type ReadAckReq struct {
	Count int `json:"count"`
}

type DeleteMessagesReq struct {
	IDs []int64 `json:"ids"`
}

type DeleteAccountReq struct {
	Username string `json:"username"`
}

type ErrorResp struct {
	Errno  int    `json:"errno"`
	Detail string `json:"detail,omitempty"`
}

type UserUnread struct {
	Username string `json:"username"`
	Unread   int    `json:"unread"`
}

type UsersResp struct {
	Username string       `json:"username"`
	Users    []UserUnread `json:"users"`
}

type MsgsResp struct {
	ViewerFirst bool          `json:"viewer_first"`
	Unread      int           `json:"unread"`
	Messages    []ChatMessage `json:"messages"`
}

type AckResp struct {
	MsgID int64 `json:"msg_id"`
}

type DeletedResp struct {
	Results []DeleteResult `json:"results"`
}

// Update is the tagged union carried on the live stream.
type Update struct {
	Kind string `json:"kind"` // "push_msg", "push_user", "del_msg", "members"

	Sender    string `json:"sender,omitempty"`
	MsgID     int64  `json:"msg_id,omitempty"`
	Text      string `json:"text,omitempty"`
	WasUnread bool   `json:"was_unread,omitempty"`

	Username string `json:"username,omitempty"`

	Members []models.Member `json:"members,omitempty"`
}

// TypedFrame is the top-level tagged union for the typed codec. Exactly
// one payload field matching Type is set.
type TypedFrame struct {
	Type string `json:"type"`

	Create     *CredentialsReq    `json:"create,omitempty"`
	Login      *CredentialsReq    `json:"login,omitempty"`
	Read       *HistoryReq        `json:"read,omitempty"`
	Send       *SendReq           `json:"send,omitempty"`
	ReadAck    *ReadAckReq        `json:"read_ack,omitempty"`
	DeleteMsgs *DeleteMessagesReq `json:"delete_msgs,omitempty"`
	DeleteAcc  *DeleteAccountReq  `json:"delete_acc,omitempty"`

	Error   *ErrorResp   `json:"error,omitempty"`
	Users   *UsersResp   `json:"users,omitempty"`
	Msgs    *MsgsResp    `json:"msgs,omitempty"`
	Ack     *AckResp     `json:"ack,omitempty"`
	Deleted *DeletedResp `json:"deleted,omitempty"`
	DelAcc  bool         `json:"del_acc,omitempty"`

	Update *Update `json:"update,omitempty"`
}

func (TypedCodec) Version() string { return VersionTyped }

func (TypedCodec) Decode(rest string) (*Request, error) {
	var frame TypedFrame
	if err := json.Unmarshal([]byte(rest), &frame); err != nil {
		return nil, &WireError{Code: ErrUnspecifiedCommand, Detail: "bad frame"}
	}

	switch frame.Type {
	case "create":
		if frame.Create == nil {
			break
		}
		return &Request{Op: OpCreate, Username: frame.Create.Username, Password: frame.Create.Password}, nil
	case "login":
		if frame.Login == nil {
			break
		}
		return &Request{Op: OpLogin, Username: frame.Login.Username, Password: frame.Login.Password}, nil
	case "read":
		if frame.Read == nil {
			break
		}
		return &Request{
			Op:       OpRead,
			Username: frame.Read.Viewer,
			Peer:     frame.Read.Peer,
			OldestID: frame.Read.OldestID,
			Limit:    frame.Read.Limit,
		}, nil
	case "send":
		if frame.Send == nil {
			break
		}
		return &Request{Op: OpSend, Username: frame.Send.Sender, Peer: frame.Send.Recipient, Text: frame.Send.Text}, nil
	case "read_ack":
		if frame.ReadAck == nil {
			break
		}
		return &Request{Op: OpReadAck, Count: frame.ReadAck.Count}, nil
	case "delete_msgs":
		if frame.DeleteMsgs == nil || len(frame.DeleteMsgs.IDs) == 0 {
			break
		}
		return &Request{Op: OpDelMsg, IDs: frame.DeleteMsgs.IDs}, nil
	case "delete_acc":
		if frame.DeleteAcc == nil {
			break
		}
		return &Request{Op: OpDelAcc, Username: frame.DeleteAcc.Username}, nil
	}
	return nil, &WireError{Code: ErrUnspecifiedCommand, Detail: frame.Type}
}

func (TypedCodec) EncodeResponse(r *Response) string {
	var frame TypedFrame

	switch r.Kind {
	case RespError:
		frame.Type = "error"
		frame.Error = &ErrorResp{Errno: r.Errno, Detail: r.Detail}
	case RespUsers:
		users := make([]UserUnread, 0, len(r.Users))
		for _, entry := range r.Users {
			users = append(users, UserUnread{Username: entry.Username, Unread: entry.Unread})
		}
		frame.Type = "users"
		frame.Users = &UsersResp{Username: r.Username, Users: users}
	case RespMsgs:
		msgs := r.Msgs
		if msgs == nil {
			msgs = []ChatMessage{}
		}
		frame.Type = "msgs"
		frame.Msgs = &MsgsResp{ViewerFirst: r.ViewerFirst, Unread: r.Unread, Messages: msgs}
	case RespAck:
		frame.Type = "ack"
		frame.Ack = &AckResp{MsgID: r.AckID}
	case RespDeleted:
		frame.Type = "deleted"
		frame.Deleted = &DeletedResp{Results: r.Deleted}
	case RespDelAcc:
		frame.Type = "del_acc"
		frame.DelAcc = true
	}

	return marshalTyped(&frame)
}

func (TypedCodec) EncodePush(p *PushEvent) string {
	update := &Update{}
	switch p.Kind {
	case PushMsg:
		update.Kind = "push_msg"
		update.Sender = p.Sender
		update.MsgID = p.MsgID
		update.Text = p.Text
	case PushUser:
		update.Kind = "push_user"
		update.Username = p.Username
	case PushDelMsg:
		update.Kind = "del_msg"
		update.Sender = p.Sender
		update.MsgID = p.MsgID
		update.WasUnread = p.WasUnread
	case PushMembers:
		update.Kind = "members"
		update.Members = p.Members
	}

	return marshalTyped(&TypedFrame{Type: "update", Update: update})
}

func marshalTyped(frame *TypedFrame) string {
	raw, _ := json.Marshal(frame)
	return VersionTyped + " " + string(raw)
}
