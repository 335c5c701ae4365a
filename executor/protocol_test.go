package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectFrames() (*FrameDecoder, *[]Message, *string) {
	var msgs []Message
	var text string
	d := NewFrameDecoder(
		func(m Message) { msgs = append(msgs, m) },
		func(s string) { text += s },
	)
	return d, &msgs, &text
}

func TestFrameDecoderParsesFrame(t *testing.T) {
	d, msgs, text := collectFrames()
	d.Write([]byte(EncodeFrame(NewMessage(MessageError, "boom"))))

	require.Len(t, *msgs, 1)
	assert.Equal(t, MessageError, (*msgs)[0].Type)
	assert.Equal(t, "boom", (*msgs)[0].Text())
	assert.Empty(t, *text)
}

func TestFrameDecoderPassesThroughText(t *testing.T) {
	d, msgs, text := collectFrames()
	d.Write([]byte("normal stderr output"))
	assert.Empty(t, *msgs)
	assert.Equal(t, "normal stderr output", *text)
}

func TestFrameDecoderMixedContent(t *testing.T) {
	d, msgs, text := collectFrames()
	d.Write([]byte("before" + EncodeFrame(NewMessage(MessageDone, "")) + "after"))
	assert.Len(t, *msgs, 1)
	assert.Equal(t, "beforeafter", *text)
}

func TestFrameDecoderMalformedJSON(t *testing.T) {
	d, msgs, text := collectFrames()
	d.Write([]byte("\x00SBX:{invalid}\x00continue"))
	assert.Empty(t, *msgs)
	assert.Equal(t, "{invalid}continue", *text)
}

func TestFrameDecoderPartialFrame(t *testing.T) {
	d, msgs, text := collectFrames()
	d.Write([]byte("prefix\x00SBX:{\"type\":"))
	d.Write([]byte("\"warn\",\"data\":\"x\"}\x00suffix"))
	require.Len(t, *msgs, 1)
	assert.Equal(t, "x", (*msgs)[0].Text())
	assert.Equal(t, "prefixsuffix", *text)
}

func TestFrameDecoderSplitPrefix(t *testing.T) {
	d, msgs, text := collectFrames()
	d.Write([]byte("a\x00"))
	d.Write([]byte("SBX:{\"type\":\"done\"}\x00"))
	assert.Len(t, *msgs, 1)
	assert.Equal(t, "a", *text)
}

func TestLineWriter(t *testing.T) {
	var lines []string
	w := NewLineWriter(func(s string) { lines = append(lines, s) })
	w.Write([]byte("one\ntw"))
	w.Write([]byte("o\nthree"))
	assert.Equal(t, []string{"one", "two"}, lines)
	w.Flush()
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestOutputTypeFor(t *testing.T) {
	typ, ok := OutputTypeFor(MessageWarn)
	assert.True(t, ok)
	assert.Equal(t, OutputWarn, typ)

	_, ok = OutputTypeFor(MessageDone)
	assert.False(t, ok)
}

func TestDonePayload(t *testing.T) {
	p := NewDone(StatusTimeout, "").Done()
	assert.Equal(t, StatusTimeout, p.Status)

	p = Message{Type: MessageDone}.Done()
	assert.Equal(t, StatusCompleted, p.Status)

	p = NewDone(StatusError, "boom").Done()
	assert.Equal(t, "boom", p.Error)
}
