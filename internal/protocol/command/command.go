package command

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Protocol version 1 command words. A request payload is the command word,
// then one 0x20 separator and the raw argument bytes when an argument is
// present. Argument bytes are opaque and may themselves contain spaces.
const (
	WordFind    = "FIND"
	WordAuth    = "AUTH"
	WordKeyfile = "KEYF"
)

// failMarker is reserved at the start of a reply payload to signal a
// protocol-level failure. It stays on the wire for compatibility; decoded
// replies carry the classification instead so nothing downstream
// string-matches it again.
const failMarker = "FAIL"

// okBody acknowledges a credential exchange that produced no data.
const okBody = "OK"

var (
	ErrEmptyRequest = errors.New("command: empty request payload")
	ErrBadWord      = errors.New("command: malformed command word")
)

// Request is one immutable client command.
type Request struct {
	Word string
	Arg  []byte
}

// Find builds the lookup request for one search string.
func Find(search []byte) Request {
	return Request{Word: WordFind, Arg: search}
}

// Auth builds the password exchange request. An empty password is a valid
// argument: the word is still followed by the separator so the peer can
// distinguish "empty password" from "no argument".
func Auth(password string) Request {
	return Request{Word: WordAuth, Arg: []byte(password)}
}

// Keyfile builds the key-file reference exchange request.
func Keyfile(path string) Request {
	return Request{Word: WordKeyfile, Arg: []byte(path)}
}

// Encode renders the request payload for framing.
func (r Request) Encode() []byte {
	if r.Arg == nil {
		return []byte(r.Word)
	}
	out := make([]byte, 0, len(r.Word)+1+len(r.Arg))
	out = append(out, r.Word...)
	out = append(out, ' ')
	out = append(out, r.Arg...)
	return out
}

// Decode parses one framed request payload.
func Decode(payload []byte) (Request, error) {
	if len(payload) == 0 {
		return Request{}, ErrEmptyRequest
	}
	word := payload
	var arg []byte
	if i := bytes.IndexByte(payload, ' '); i >= 0 {
		word = payload[:i]
		arg = payload[i+1:]
	}
	if err := validateWord(word); err != nil {
		return Request{}, err
	}
	req := Request{Word: string(word)}
	if arg != nil {
		req.Arg = append([]byte(nil), arg...)
	}
	return req, nil
}

func validateWord(word []byte) error {
	if len(word) == 0 || len(word) > 16 {
		return fmt.Errorf("%w: length %d", ErrBadWord, len(word))
	}
	for _, b := range word {
		if b < 'A' || b > 'Z' {
			return fmt.Errorf("%w: %q", ErrBadWord, word)
		}
	}
	return nil
}

// Reply is the decoded peer response. Failed replies are valid protocol
// outcomes, not transport faults; Reason is peer-supplied text shown to the
// user verbatim. An empty Body is a representable success: credential
// exchanges answer with "OK", while a FIND that matches nothing is always a
// failure reply, so an empty success body is never ambiguous with "no
// entries".
type Reply struct {
	Failed bool
	Reason string
	Body   string
}

// ClassifyReply decodes one framed reply payload into its tagged form.
func ClassifyReply(payload []byte) Reply {
	text := string(payload)
	if !strings.HasPrefix(text, failMarker) {
		return Reply{Body: text}
	}
	reason := strings.TrimPrefix(text, failMarker)
	reason = strings.TrimPrefix(strings.TrimLeft(reason, " "), ":")
	return Reply{Failed: true, Reason: strings.TrimSpace(reason)}
}

// EncodeSuccess renders a success reply payload. An empty body becomes the
// bare acknowledgment.
func EncodeSuccess(body string) []byte {
	if body == "" {
		return []byte(okBody)
	}
	return []byte(body)
}

// EncodeFailure renders a failure reply payload.
func EncodeFailure(reason string) []byte {
	if reason == "" {
		return []byte(failMarker)
	}
	return []byte(failMarker + ": " + reason)
}
