package executor

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
)

// Message types sent from an isolated context to the host.
const (
	MessageLog     = "log"
	MessageError   = "error"
	MessageWarn    = "warn"
	MessageInfo    = "info"
	MessageSystem  = "system"
	MessageDone    = "done"
	MessageStopped = "stopped"
)

// ActionStop is the host command that cancels a running context.
const ActionStop = "stop"

// Message is a worker-to-host event.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Text decodes Data as a string, falling back to the raw JSON.
func (m Message) Text() string {
	if len(m.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Data, &s); err == nil {
		return s
	}
	return string(m.Data)
}

// NewMessage builds a message with a string payload.
func NewMessage(typ, text string) Message {
	data, _ := json.Marshal(text)
	return Message{Type: typ, Data: data}
}

// DonePayload is the data of a done message.
type DonePayload struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// NewDone builds a done message carrying the terminal status.
func NewDone(status Status, errMsg string) Message {
	data, _ := json.Marshal(DonePayload{Status: status, Error: errMsg})
	return Message{Type: MessageDone, Data: data}
}

// Done decodes the payload of a done message. A done message without a
// payload means the execution completed.
func (m Message) Done() DonePayload {
	var p DonePayload
	if len(m.Data) > 0 {
		_ = json.Unmarshal(m.Data, &p)
	}
	if p.Status == "" {
		p.Status = StatusCompleted
	}
	return p
}

// Command is a host-to-worker instruction: Code starts, Action "stop" cancels.
type Command struct {
	Code   string `json:"code,omitempty"`
	Action string `json:"action,omitempty"`
}

// Output type for a worker message, or false for terminal/unknown messages.
func OutputTypeFor(msgType string) (OutputType, bool) {
	switch msgType {
	case MessageLog:
		return OutputLog, true
	case MessageError:
		return OutputError, true
	case MessageWarn:
		return OutputWarn, true
	case MessageInfo:
		return OutputInfo, true
	case MessageSystem:
		return OutputSystem, true
	}
	return "", false
}

// Framed messages on a byte stream.
// Format: \x00SBX:{json}\x00
const (
	FramePrefix = "\x00SBX:"
	FrameSuffix = "\x00"
)

// EncodeFrame renders m in the framed stream format.
func EncodeFrame(m Message) string {
	data, _ := json.Marshal(m)
	return FramePrefix + string(data) + FrameSuffix
}

// FrameDecoder is an io.Writer that separates framed messages from plain
// text. Partial frames are buffered across writes.
type FrameDecoder struct {
	onMessage func(Message)
	onText    func(string)

	buf bytes.Buffer
	mu  sync.Mutex
}

// NewFrameDecoder calls onMessage for every frame and onText for the bytes
// between frames.
func NewFrameDecoder(onMessage func(Message), onText func(string)) *FrameDecoder {
	return &FrameDecoder{onMessage: onMessage, onText: onText}
}

func (d *FrameDecoder) Write(data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.buf.Write(data)

	for {
		content := d.buf.String()
		startIdx := strings.Index(content, FramePrefix)
		if startIdx == -1 {
			// Hold back a trailing NUL that may start the next frame.
			keep := 0
			if n := strings.LastIndexByte(content, 0); n != -1 && strings.HasPrefix(FramePrefix, content[n:]) {
				keep = len(content) - n
			}
			d.text(content[:len(content)-keep])
			d.buf.Reset()
			d.buf.WriteString(content[len(content)-keep:])
			break
		}

		d.text(content[:startIdx])

		body := content[startIdx+len(FramePrefix):]
		endIdx := strings.Index(body, FrameSuffix)
		if endIdx == -1 {
			d.buf.Reset()
			d.buf.WriteString(content[startIdx:])
			break
		}

		d.buf.Reset()
		d.buf.WriteString(body[endIdx+len(FrameSuffix):])

		var msg Message
		if err := json.Unmarshal([]byte(body[:endIdx]), &msg); err != nil {
			d.text(body[:endIdx])
			continue
		}
		if d.onMessage != nil {
			d.onMessage(msg)
		}
	}

	return len(data), nil
}

// Flush emits any buffered text that never completed a frame.
func (d *FrameDecoder) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	rest := d.buf.String()
	d.buf.Reset()
	d.text(rest)
}

func (d *FrameDecoder) text(s string) {
	if s != "" && d.onText != nil {
		d.onText(s)
	}
}
