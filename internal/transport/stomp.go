package transport

import (
	"bytes"
	"fmt"
	"strings"
)

// STOMP 1.2 frame commands used by the chat channel.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdMessage     = "MESSAGE"
	CmdError       = "ERROR"
	CmdDisconnect  = "DISCONNECT"
)

// Common header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrSubscription  = "subscription"
	HdrContentType   = "content-type"
	HdrMessageHdr    = "message"
)

// Header is a single STOMP frame header.
type Header struct {
	Name  string
	Value string
}

// Frame is one STOMP frame. A heartbeat is not a frame; it travels as a lone
// newline and is handled by the connection manager.
type Frame struct {
	Command string
	Headers []Header
	Body    []byte
}

// NewFrame builds a frame with the given command and headers.
func NewFrame(command string, headers ...Header) *Frame {
	return &Frame{Command: command, Headers: headers}
}

// Header returns the first value for the named header. STOMP repeats are
// resolved first-wins.
func (f *Frame) Header(name string) (string, bool) {
	for _, h := range f.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// Marshal serializes the frame: command line, header lines, blank line, body,
// NUL terminator.
func (f *Frame) Marshal() []byte {
	var b bytes.Buffer
	b.WriteString(f.Command)
	b.WriteByte('\n')
	for _, h := range f.Headers {
		b.WriteString(escapeHeader(h.Name, f.Command))
		b.WriteByte(':')
		b.WriteString(escapeHeader(h.Value, f.Command))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.Write(f.Body)
	b.WriteByte(0)
	return b.Bytes()
}

// heartbeat payload: a single EOL with no frame around it.
var heartbeat = []byte{'\n'}

// IsHeartbeat reports whether a websocket message is a bare STOMP heartbeat.
func IsHeartbeat(data []byte) bool {
	trimmed := bytes.TrimRight(data, "\r\n")
	return len(trimmed) == 0
}

// Parse decodes one frame from a websocket message.
func Parse(data []byte) (*Frame, error) {
	// Tolerate a leading EOL from coalesced heartbeats.
	data = bytes.TrimLeft(data, "\r\n")

	head, body, found := bytes.Cut(data, []byte("\n\n"))
	if !found {
		return nil, fmt.Errorf("stomp: malformed frame: missing header terminator")
	}
	body = bytes.TrimSuffix(body, []byte{0})

	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	if lines[0] == "" {
		return nil, fmt.Errorf("stomp: malformed frame: empty command")
	}

	f := &Frame{Command: lines[0], Body: body}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("stomp: malformed header line %q", line)
		}
		f.Headers = append(f.Headers, Header{
			Name:  unescapeHeader(name, f.Command),
			Value: unescapeHeader(value, f.Command),
		})
	}
	return f, nil
}

// STOMP 1.2 exempts CONNECT and CONNECTED frames from header escaping, for
// 1.0 compatibility.
func escapingExempt(command string) bool {
	return command == CmdConnect || command == CmdConnected
}

func escapeHeader(s, command string) string {
	if escapingExempt(command) {
		return s
	}
	r := strings.NewReplacer(
		`\`, `\\`,
		"\r", `\r`,
		"\n", `\n`,
		":", `\c`,
	)
	return r.Replace(s)
}

func unescapeHeader(s, command string) string {
	if escapingExempt(command) || !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 == len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		case '\\':
			b.WriteByte('\\')
		default:
			// Undefined escape; keep it verbatim rather than drop data.
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
