package protocol

import (
	"strconv"
	"strings"
)

// TextCodec implements the legacy whitespace-delimited encoding:
// "[version] [OPCODE] [arg1] [arg2] ...". Message bodies are carried as
// a word count followed by that many words, so the delimiter may appear
// inside a body.
type TextCodec struct{}

func (TextCodec) Version() string { return VersionText }

func (TextCodec) Decode(rest string) (*Request, error) {
	tokens := strings.Fields(rest)
	if len(tokens) == 0 {
		return nil, &WireError{Code: ErrUnspecifiedCommand}
	}

	op := Opcode(strings.ToUpper(tokens[0]))
	args := tokens[1:]

	switch op {
	case OpCreate, OpLogin:
		if len(args) != 2 {
			return nil, &WireError{Code: ErrUnspecifiedCommand, Detail: string(op)}
		}
		return &Request{Op: op, Username: args[0], Password: args[1]}, nil

	case OpRead:
		if len(args) != 3 && len(args) != 4 {
			return nil, &WireError{Code: ErrUnspecifiedCommand, Detail: string(op)}
		}
		oldest, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return nil, &WireError{Code: ErrUnspecifiedCommand, Detail: string(op)}
		}
		req := &Request{Op: op, Username: args[0], Peer: args[1], OldestID: oldest}
		if len(args) == 4 {
			limit, err := strconv.Atoi(args[3])
			if err != nil {
				return nil, &WireError{Code: ErrUnspecifiedCommand, Detail: string(op)}
			}
			req.Limit = limit
		}
		return req, nil

	case OpSend:
		if len(args) < 3 {
			return nil, &WireError{Code: ErrUnspecifiedCommand, Detail: string(op)}
		}
		text, remaining, err := readCounted(args[2:])
		if err != nil || len(remaining) != 0 {
			return nil, &WireError{Code: ErrUnspecifiedCommand, Detail: string(op)}
		}
		return &Request{Op: op, Username: args[0], Peer: args[1], Text: text}, nil

	case OpReadAck:
		if len(args) != 1 {
			return nil, &WireError{Code: ErrUnspecifiedCommand, Detail: string(op)}
		}
		count, err := strconv.Atoi(args[0])
		if err != nil || count < 0 {
			return nil, &WireError{Code: ErrUnspecifiedCommand, Detail: string(op)}
		}
		return &Request{Op: op, Count: count}, nil

	case OpDelMsg:
		if len(args) == 0 {
			return nil, &WireError{Code: ErrUnspecifiedCommand, Detail: string(op)}
		}
		ids := make([]int64, 0, len(args))
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return nil, &WireError{Code: ErrUnspecifiedCommand, Detail: string(op)}
			}
			ids = append(ids, id)
		}
		return &Request{Op: op, IDs: ids}, nil

	case OpDelAcc:
		if len(args) != 1 {
			return nil, &WireError{Code: ErrUnspecifiedCommand, Detail: string(op)}
		}
		return &Request{Op: op, Username: args[0]}, nil

	default:
		return nil, &WireError{Code: ErrUnspecifiedCommand, Detail: string(op)}
	}
}

func (TextCodec) EncodeResponse(r *Response) string {
	var b strings.Builder
	b.WriteString(VersionText)
	b.WriteByte(' ')

	switch r.Kind {
	case RespError:
		b.WriteString("ERROR ")
		b.WriteString(strconv.Itoa(r.Errno))
		if r.Detail != "" {
			b.WriteByte(' ')
			b.WriteString(r.Detail)
		}

	case RespUsers:
		b.WriteString("USERS ")
		b.WriteString(r.Username)
		for _, entry := range r.Users {
			b.WriteByte(' ')
			b.WriteString(entry.Username)
			b.WriteByte(' ')
			b.WriteString(strconv.Itoa(entry.Unread))
		}

	case RespMsgs:
		b.WriteString("MSGS ")
		if r.ViewerFirst {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(r.Unread))
		writeRuns(&b, r.Msgs)

	case RespAck:
		b.WriteString("ACK ")
		b.WriteString(strconv.FormatInt(r.AckID, 10))

	case RespDeleted:
		b.WriteString("DEL_MSG")
		for _, res := range r.Deleted {
			b.WriteByte(' ')
			b.WriteString(strconv.FormatInt(res.ID, 10))
			b.WriteByte(' ')
			b.WriteString(strconv.Itoa(res.Errno))
		}

	case RespDelAcc:
		b.WriteString("DEL_ACC")
	}

	return b.String()
}

func (TextCodec) EncodePush(p *PushEvent) string {
	var b strings.Builder
	b.WriteString(VersionText)
	b.WriteByte(' ')

	switch p.Kind {
	case PushMsg:
		b.WriteString("PUSH_MSG ")
		b.WriteString(p.Sender)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(p.MsgID, 10))
		writeCounted(&b, p.Text)

	case PushUser:
		b.WriteString("PUSH_USER ")
		b.WriteString(p.Username)

	case PushDelMsg:
		b.WriteString("DEL_MSG ")
		b.WriteString(p.Sender)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(p.MsgID, 10))
		if p.WasUnread {
			b.WriteString(" 1")
		} else {
			b.WriteString(" 0")
		}

	case PushMembers:
		b.WriteString("MEMBERS ")
		b.WriteString(strconv.Itoa(len(p.Members)))
		for _, m := range p.Members {
			b.WriteByte(' ')
			b.WriteString(m.Addr)
			b.WriteByte(' ')
			b.WriteString(string(m.Role))
		}
	}

	return b.String()
}

// writeRuns appends history messages grouped into runs of the same
// direction, alternating starting from the viewer-first flag: each run
// is its length followed by "id wordcount words..." per message.
func writeRuns(b *strings.Builder, msgs []ChatMessage) {
	for start := 0; start < len(msgs); {
		end := start
		for end < len(msgs) && msgs[end].FromViewer == msgs[start].FromViewer {
			end++
		}
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(end - start))
		for _, msg := range msgs[start:end] {
			b.WriteByte(' ')
			b.WriteString(strconv.FormatInt(msg.ID, 10))
			writeCounted(b, msg.Text)
		}
		start = end
	}
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

// readCounted consumes a word-counted body from tokens and returns the
// joined text plus whatever tokens follow it.
func readCounted(tokens []string) (string, []string, error) {
	if len(tokens) == 0 {
		return "", nil, ErrMalformed
	}
	n, err := strconv.Atoi(tokens[0])
	if err != nil || n < 0 || len(tokens) < 1+n {
		return "", nil, ErrMalformed
	}
	return strings.Join(tokens[1:1+n], " "), tokens[1+n:], nil
}
