// Package password implements the one-time interactive password prompt
// and the local-socket relay that services child SSH_ASKPASS helpers,
// per spec.md §4.4.
//
// Grounded on psshlib/askpass_server.py's PasswordServer (a raw-socket
// accept/read loop) and on psshlib/ui.py's hidden-input prompt, ported to
// golang.org/x/term for echo-free reads (itself part of the teacher's own
// dependency list) and wired into iomap.IOMap so the relay runs inside the
// event loop with no extra goroutines, as spec.md requires.
package password

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/canonical/pssh/iomap"
	"github.com/canonical/pssh/shared/logger"
)

// Server relays a single interactively-entered password to child
// SSH_ASKPASS helpers over a private unix-domain socket.
type Server struct {
	listenFD int
	Address  string

	password []byte
	limit    int
	active   int
}

// Prompt reads a password from the controlling terminal with echo
// disabled, in the style of psshlib/ui.py.
func Prompt(prompt string) ([]byte, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("Open controlling terminal: %w", err)
	}
	defer tty.Close()

	fmt.Fprint(tty, prompt)
	pw, err := term.ReadPassword(int(tty.Fd()))
	fmt.Fprintln(tty)
	if err != nil {
		return nil, fmt.Errorf("Read password: %w", err)
	}

	return pw, nil
}

// Start prompts for a password, binds a private unix socket, and
// registers its listener with iom so incoming connections are serviced
// inside the scheduler's event loop. limit bounds concurrent in-flight
// connections (normally the run's concurrency cap).
func Start(iom *iomap.IOMap, limit int) (*Server, error) {
	pw, err := Prompt("Password: ")
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "pssh-askpass-")
	if err != nil {
		return nil, fmt.Errorf("Create askpass socket directory: %w", err)
	}

	if err := os.Chmod(dir, 0700); err != nil {
		return nil, fmt.Errorf("Restrict askpass socket directory: %w", err)
	}

	path := dir + "/askpass.sock"

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("Create askpass socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("Bind askpass socket: %w", err)
	}

	if err := unix.Listen(fd, limit); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("Listen on askpass socket: %w", err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	unix.CloseOnExec(fd)

	s := &Server{listenFD: fd, Address: path, password: pw, limit: limit}
	iom.RegisterRead(fd, s.acceptHandler)

	return s, nil
}

func (s *Server) acceptHandler(fd int, m *iomap.IOMap) {
	for {
		connFD, _, err := unix.Accept(fd)
		switch {
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return
		case err == unix.EINTR:
			continue
		case err != nil:
			logger.Debug("Askpass accept failed", logger.Ctx{"err": err})
			return
		}

		if s.active >= s.limit {
			_ = unix.Close(connFD)
			continue
		}

		s.active++
		_ = unix.SetNonblock(connFD, true)
		unix.CloseOnExec(connFD)

		payload := append(append([]byte(nil), s.password...), '\n')
		m.RegisterWrite(connFD, s.writeHandler(payload))
	}
}

func (s *Server) writeHandler(remaining []byte) iomap.Handler {
	return func(fd int, m *iomap.IOMap) {
		for len(remaining) > 0 {
			n, err := unix.Write(fd, remaining)
			switch {
			case err == unix.EINTR:
				continue
			case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
				m.RegisterWrite(fd, s.writeHandler(remaining))
				return
			case err != nil:
				m.Unregister(fd)
				_ = unix.Close(fd)
				s.active--
				return
			default:
				remaining = remaining[n:]
			}
		}

		m.Unregister(fd)
		_ = unix.Close(fd)
		s.active--
	}
}

// Close shuts down the listener and removes its socket directory.
func (s *Server) Close() error {
	err := unix.Close(s.listenFD)
	_ = os.RemoveAll(dirOf(s.Address))
	return err
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}

	return path
}
