package irc

import (
	"fmt"
	"regexp"
	"strings"
)

// Message represents one parsed IRC line
type Message struct {
	Prefix  string
	Command string
	Params  []string // trailing parameter, if any, is the last element
}

// reMessage mirrors the wire grammar: an optional ":prefix" token, a command,
// space-separated middle parameters, and an optional trailing parameter
// introduced by " :" that may contain spaces.
var reMessage = regexp.MustCompile(
	`^(?::([^ ]+) +)?([A-Za-z]+|[0-9]{3})((?: +[^: ][^ ]*)*)( +:(.*))?$`)

// ParseMessage parses a single logical line (no CRLF). A line that does not
// match the grammar is a protocol violation; callers are expected to close
// the connection on error.
func ParseMessage(line string) (*Message, error) {
	line = strings.TrimRight(line, " ")
	m := reMessage.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("malformed IRC line: %q", line)
	}

	msg := &Message{
		Prefix:  m[1],
		Command: strings.ToUpper(m[2]),
	}
	for _, p := range strings.Split(m[3], " ") {
		if p != "" {
			msg.Params = append(msg.Params, p)
		}
	}
	if m[4] != "" {
		msg.Params = append(msg.Params, m[5])
	}
	return msg, nil
}

// String renders the message back into wire form (without CRLF). The last
// parameter gets a colon when it contains spaces, is empty, or starts with a
// colon itself.
func (m *Message) String() string {
	var sb strings.Builder

	if m.Prefix != "" {
		sb.WriteString(":")
		sb.WriteString(m.Prefix)
		sb.WriteString(" ")
	}
	sb.WriteString(m.Command)

	for i, param := range m.Params {
		sb.WriteString(" ")
		if i == len(m.Params)-1 && (param == "" || strings.Contains(param, " ") || strings.HasPrefix(param, ":")) {
			sb.WriteString(":")
		}
		sb.WriteString(param)
	}
	return sb.String()
}
