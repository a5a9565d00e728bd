package protocol

import (
	"encoding/json"
	"strings"
)

// JSONCodec carries the same opcode/argument grammar as the text codec
// inside a JSON envelope: `2.0 {"opcode":"SEND","data":["a","b","1","hi"]}`.
// The positional mapping of data entries is identical to the text
// codec's tokens, so both decode to the same internal Request.
type JSONCodec struct{}

type jsonEnvelope struct {
	Opcode string   `json:"opcode"`
	Data   []string `json:"data"`
}

func (JSONCodec) Version() string { return VersionJSON }

func (JSONCodec) Decode(rest string) (*Request, error) {
	var env jsonEnvelope
	if err := json.Unmarshal([]byte(rest), &env); err != nil {
		return nil, &WireError{Code: ErrUnspecifiedCommand, Detail: "bad json"}
	}
	if env.Opcode == "" {
		return nil, &WireError{Code: ErrUnspecifiedCommand, Detail: "missing opcode"}
	}
	return TextCodec{}.Decode(env.Opcode + " " + strings.Join(env.Data, " "))
}

func (JSONCodec) EncodeResponse(r *Response) string {
	return wrapTextTokens(TextCodec{}.EncodeResponse(r))
}

func (JSONCodec) EncodePush(p *PushEvent) string {
	return wrapTextTokens(TextCodec{}.EncodePush(p))
}

// wrapTextTokens re-tags a text-codec frame as the JSON envelope. Every
// positional token except the opcode becomes one data entry.
func wrapTextTokens(frame string) string {
	tokens := strings.Fields(frame)
	// tokens[0] is the text version tag, tokens[1] the opcode.
	env := jsonEnvelope{Opcode: tokens[1], Data: tokens[2:]}
	if env.Data == nil {
		env.Data = []string{}
	}
	raw, _ := json.Marshal(env)
	return VersionJSON + " " + string(raw)
}
