package bot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// RCON packet types, per the Source remote-console convention the
// game server speaks.
const (
	rconAuth         = 3
	rconAuthResponse = 2
	rconCommand      = 2
	rconResponse     = 0
)

const (
	rconMaxPayload = 4096
	rconIOTimeout  = 10 * time.Second
)

var ErrAuthFailed = errors.New("rcon: authentication rejected")

// rconConn is a single authenticated remote-console session. All
// framing is little-endian: length, request id, type, then a
// NUL-terminated body plus one trailing NUL.
type rconConn struct {
	conn   net.Conn
	nextID int32
}

func dialRCON(addr, password string) (*rconConn, error) {
	conn, err := net.DialTimeout("tcp", addr, rconIOTimeout)
	if err != nil {
		return nil, fmt.Errorf("rcon dial %s: %w", addr, err)
	}
	c := &rconConn{conn: conn, nextID: 1}
	if err := c.auth(password); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *rconConn) auth(password string) error {
	id, err := c.send(rconAuth, password)
	if err != nil {
		return err
	}
	gotID, _, _, err := c.recv()
	if err != nil {
		return err
	}
	if gotID == -1 {
		return ErrAuthFailed
	}
	if gotID != id {
		return fmt.Errorf("rcon: auth reply for id %d, sent %d", gotID, id)
	}
	return nil
}

// Command executes one console command and returns the server's reply
// text. Calls must not be interleaved on the same session.
func (c *rconConn) Command(cmd string) (string, error) {
	id, err := c.send(rconCommand, cmd)
	if err != nil {
		return "", err
	}
	gotID, _, body, err := c.recv()
	if err != nil {
		return "", err
	}
	if gotID != id {
		return "", fmt.Errorf("rcon: reply for id %d, sent %d", gotID, id)
	}
	return body, nil
}

func (c *rconConn) Close() error { return c.conn.Close() }

func (c *rconConn) send(typ int32, body string) (int32, error) {
	if len(body) > rconMaxPayload {
		return 0, fmt.Errorf("rcon: payload %d bytes exceeds limit", len(body))
	}
	id := c.nextID
	c.nextID++

	var buf bytes.Buffer
	length := int32(4 + 4 + len(body) + 2)
	binary.Write(&buf, binary.LittleEndian, length)
	binary.Write(&buf, binary.LittleEndian, id)
	binary.Write(&buf, binary.LittleEndian, typ)
	buf.WriteString(body)
	buf.WriteByte(0)
	buf.WriteByte(0)

	c.conn.SetWriteDeadline(time.Now().Add(rconIOTimeout))
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return 0, fmt.Errorf("rcon write: %w", err)
	}
	return id, nil
}

func (c *rconConn) recv() (id, typ int32, body string, err error) {
	c.conn.SetReadDeadline(time.Now().Add(rconIOTimeout))

	var length int32
	if err = binary.Read(c.conn, binary.LittleEndian, &length); err != nil {
		return 0, 0, "", fmt.Errorf("rcon read length: %w", err)
	}
	if length < 10 || length > rconMaxPayload+10 {
		return 0, 0, "", fmt.Errorf("rcon: frame length %d out of range", length)
	}
	payload := make([]byte, length)
	if _, err = io.ReadFull(c.conn, payload); err != nil {
		return 0, 0, "", fmt.Errorf("rcon read frame: %w", err)
	}
	id = int32(binary.LittleEndian.Uint32(payload[0:4]))
	typ = int32(binary.LittleEndian.Uint32(payload[4:8]))
	body = string(bytes.TrimRight(payload[8:], "\x00"))
	return id, typ, body, nil
}
