package sync

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

// Transport is the duplex ordered reliable byte stream §4.8/§6
// requires between two peers; WebSocket is the typical carrier but,
// per §6, not normative — StreamTransport below also satisfies it
// over any io.ReadWriteCloser, including an in-process net.Pipe
// (NewPipeTransports) for two-node setups without real sockets.
type Transport interface {
	Send(msg Message) error
	Recv() (Message, error)
	Close() error
}

// StreamTransport frames messages as newline-delimited canonical JSON
// over a raw byte stream.
type StreamTransport struct {
	conn   io.ReadWriteCloser
	writer *bufio.Writer
	reader *LineReader
}

func NewStreamTransport(conn io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{conn: conn, writer: bufio.NewWriter(conn), reader: NewLineReader(conn)}
}

// NewPipeTransports returns a connected pair of in-process transports
// over a net.Pipe, for wiring two peers together without real sockets.
func NewPipeTransports() (a, b Transport) {
	ca, cb := net.Pipe()
	return NewStreamTransport(ca), NewStreamTransport(cb)
}

func (t *StreamTransport) Send(msg Message) error {
	line, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if _, err := t.writer.Write(line); err != nil {
		return fmt.Errorf("sync: write line: %w", err)
	}
	if err := t.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("sync: write newline: %w", err)
	}
	return t.writer.Flush()
}

func (t *StreamTransport) Recv() (Message, error) { return t.reader.Next() }

func (t *StreamTransport) Close() error { return t.conn.Close() }

// WebSocketTransport carries one sync message per WebSocket text
// frame.
type WebSocketTransport struct {
	conn *websocket.Conn
}

func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

func (t *WebSocketTransport) Send(msg Message) error {
	line, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, line)
}

func (t *WebSocketTransport) Recv() (Message, error) {
	_, line, err := t.conn.ReadMessage()
	if err != nil {
		return Message{}, fmt.Errorf("sync: websocket read: %w", err)
	}
	return DecodeMessage(line)
}

func (t *WebSocketTransport) Close() error { return t.conn.Close() }
