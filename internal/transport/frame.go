// Package transport carries the consumer and producer protocols over Unix
// sockets. Every frame is one self-delimiting CBOR map; a connection carries
// any number of frames in both directions.
package transport

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/vburojevic/traced/internal/codec"
	"github.com/vburojevic/traced/internal/domain"
)

// writeTimeout bounds a single frame write.
const writeTimeout = 10 * time.Second

// Frame is the wire envelope. Requests carry Method and Params; responses
// echo the request ID and carry OK, Error/Code or Data. Streamed responses
// set More on every frame but the last. Frames pushed by the daemon to a
// producer have ID zero and a Method.
type Frame struct {
	ID     uint64           `cbor:"id"`
	Method string           `cbor:"method,omitempty"`
	Params codec.RawMessage `cbor:"params,omitempty"`
	OK     bool             `cbor:"ok,omitempty"`
	Error  string           `cbor:"error,omitempty"`
	Code   domain.Code      `cbor:"code,omitempty"`
	Data   codec.RawMessage `cbor:"data,omitempty"`
	More   bool             `cbor:"more,omitempty"`
}

// Err returns the coded error carried by a failed response.
func (f Frame) Err() error {
	if f.OK {
		return nil
	}
	code := f.Code
	if code == "" {
		code = domain.CodeInternal
	}
	return &domain.Error{Code: code, Message: f.Error}
}

// errorFrame builds the failure response for err. Every failure becomes a
// response frame; the connection stays usable.
func errorFrame(id uint64, err error) Frame {
	return Frame{ID: id, Error: err.Error(), Code: domain.CodeOf(err)}
}

// dataFrame builds a success response carrying v, if any.
func dataFrame(id uint64, v any, more bool) (Frame, error) {
	f := Frame{ID: id, OK: true, More: more}
	if v == nil {
		return f, nil
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	f.Data = data
	return f, nil
}

// notification builds a frame that expects no response.
func notification(method string, params any) (Frame, error) {
	f := Frame{Method: method}
	if params == nil {
		return f, nil
	}
	raw, err := codec.Marshal(params)
	if err != nil {
		return Frame{}, err
	}
	f.Params = raw
	return f, nil
}

// frameConn serializes writes on a connection and decodes frames from it.
type frameConn struct {
	conn net.Conn
	dec  *codec.Decoder

	wmu sync.Mutex
	enc *codec.Encoder
}

func newFrameConn(conn net.Conn) *frameConn {
	return &frameConn{
		conn: conn,
		dec:  codec.NewDecoder(bufio.NewReader(conn)),
		enc:  codec.NewEncoder(conn),
	}
}

func (c *frameConn) read() (Frame, error) {
	var f Frame
	err := c.dec.Decode(&f)
	return f, err
}

func (c *frameConn) write(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.enc.Encode(f)
}

// reply writes the response for id: the error frame if err is set,
// otherwise a success frame carrying v.
func (c *frameConn) reply(id uint64, v any, err error) error {
	if err != nil {
		return c.write(errorFrame(id, err))
	}
	f, merr := dataFrame(id, v, false)
	if merr != nil {
		return c.write(errorFrame(id, domain.Errorf(domain.CodeInternal, "encoding response: %v", merr)))
	}
	return c.write(f)
}

func (c *frameConn) close() error {
	return c.conn.Close()
}

// isClosed reports whether err just means the peer went away.
func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
