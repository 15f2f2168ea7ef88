package bot

import "context"

// Client is one console session against a live server. Implementations
// are not safe for concurrent use; the controller serializes access.
type Client interface {
	Connect(ctx context.Context, addr, password string) error
	Command(ctx context.Context, cmd string) (string, error)
	Close() error
}

// RCONClient speaks the game server's remote-console protocol.
type RCONClient struct {
	conn *rconConn
}

func (c *RCONClient) Connect(ctx context.Context, addr, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := dialRCON(addr, password)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

func (c *RCONClient) Command(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.conn.Command(cmd)
}

func (c *RCONClient) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
