package notify

import (
	"fmt"
	"net"
)

// Send delivers m to the manager listening on path.
func Send(path string, m Message) error {
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("dial notify socket: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Write(m.Bytes()); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}
