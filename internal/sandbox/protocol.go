package sandbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bytedance/sonic"

	"github.com/ManuGH/rlmd/internal/bridge"
)

// FrameKind tags a newline-delimited JSON frame exchanged with rlm-sandbox.
type FrameKind string

const (
	FramePing         FrameKind = "ping"
	FramePong         FrameKind = "pong"
	FrameExecute      FrameKind = "execute"
	FrameGetVariable  FrameKind = "get_variable"
	FrameResult       FrameKind = "result"
	FrameBridge       FrameKind = "bridge"
	FrameBridgeResult FrameKind = "bridge_result"
	FrameShutdown     FrameKind = "shutdown"
	FrameAck          FrameKind = "ack"
	FrameError        FrameKind = "error"
)

// Error codes carried by error frames.
const (
	CodeNotFound = "not_found"
	CodeFault    = "fault"
	CodeInvalid  = "invalid"
	CodeBridge   = "bridge"
)

// ProtocolVersion is exchanged in the ping/pong handshake.
const ProtocolVersion = 1

// Frame is the single wire message type. Which fields are set depends on Kind.
type Frame struct {
	Kind    FrameKind `json:"kind"`
	ID      uint64    `json:"id,omitempty"`
	Version int       `json:"version,omitempty"`

	Execute *Request `json:"execute,omitempty"`
	Name    string   `json:"name,omitempty"`
	Scope   string   `json:"scope,omitempty"`

	Result *Result `json:"result,omitempty"`
	Value  *string `json:"value,omitempty"`

	Bridge   *bridge.Request  `json:"bridge,omitempty"`
	Response *bridge.Response `json:"response,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// errorFrame builds an error reply for id.
func errorFrame(id uint64, code string, err error) Frame {
	return Frame{Kind: FrameError, ID: id, Code: code, Message: err.Error()}
}

// errFrameDecode marks a line that is not a valid frame.
var errFrameDecode = errors.New("malformed frame")

// conn reads and writes frames over a byte stream.
type conn struct {
	r  *bufio.Reader
	mu sync.Mutex
	w  *bufio.Writer
}

func newConn(r io.Reader, w io.Writer) *conn {
	return &conn{
		r: bufio.NewReaderSize(r, 64*1024),
		w: bufio.NewWriterSize(w, 64*1024),
	}
}

func (c *conn) write(f Frame) error {
	data, err := sonic.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Kind, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// read returns the next non-empty frame. A line that does not decode yields
// errFrameDecode wrapped with the cause; the stream stays usable.
func (c *conn) read() (Frame, error) {
	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil && (len(line) == 0 || !errors.Is(err, io.EOF)) {
			return Frame{}, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return Frame{}, err
			}
			continue
		}
		var f Frame
		if uerr := sonic.Unmarshal(line, &f); uerr != nil {
			return Frame{}, fmt.Errorf("%w: %w", errFrameDecode, uerr)
		}
		if f.Kind == "" {
			return Frame{}, fmt.Errorf("%w: missing kind", errFrameDecode)
		}
		return f, nil
	}
}
