package commands

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/mates14/rts2go/internal/rts2"
)

// dialTimeout bounds the TCP connect to the device daemon.
const dialTimeout = 10 * time.Second

// session is one synchronous line-protocol connection to a device
// daemon. rts2mon reads the socket from a single goroutine, so a
// plain scanner suffices.
type session struct {
	conn net.Conn
	sc   *bufio.Scanner
}

// dialDevice opens a TCP session to the device daemon.
func dialDevice(addr string) (*session, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &session{
		conn: conn,
		sc:   bufio.NewScanner(conn),
	}, nil
}

// close tears down the socket.
func (s *session) close() {
	_ = s.conn.Close()
}

// send writes one newline-terminated protocol line.
func (s *session) send(line string) error {
	if _, err := fmt.Fprintf(s.conn, "%s\n", line); err != nil {
		return fmt.Errorf("send %q: %w", line, err)
	}
	return nil
}

// next returns the next complete inbound line.
func (s *session) next() (string, error) {
	if s.sc.Scan() {
		return s.sc.Text(), nil
	}
	if err := s.sc.Err(); err != nil {
		return "", fmt.Errorf("read line: %w", err)
	}
	return "", fmt.Errorf("connection closed by device")
}

// authenticate presents the centrald-issued credentials and waits for
// the device's verdict. Non-response lines received meanwhile (the
// meta-info block, state announcements) are handed to onLine.
func (s *session) authenticate(id, key int, onLine func(string)) error {
	if err := s.send(fmt.Sprintf("auth %d 0 %d", id, key)); err != nil {
		return err
	}
	for {
		line, err := s.next()
		if err != nil {
			return err
		}
		if !rts2.IsResponse(line) {
			onLine(line)
			continue
		}
		ok, code, text, err := rts2.ParseResponse(line)
		if err != nil {
			return fmt.Errorf("malformed response %q: %w", line, err)
		}
		if !ok {
			return fmt.Errorf("authorization refused (%d): %s", code, text)
		}
		return nil
	}
}

// command sends one command and consumes lines until its response,
// handing non-response lines to onLine.
func (s *session) command(cmd string, onLine func(string)) error {
	if err := s.send(cmd); err != nil {
		return err
	}
	for {
		line, err := s.next()
		if err != nil {
			return err
		}
		if !rts2.IsResponse(line) {
			onLine(line)
			continue
		}
		ok, code, text, err := rts2.ParseResponse(line)
		if err != nil {
			return fmt.Errorf("malformed response %q: %w", line, err)
		}
		if !ok {
			return fmt.Errorf("%s failed (%d): %s", cmd, code, text)
		}
		return nil
	}
}
