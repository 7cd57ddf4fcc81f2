// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"
)

// readTimeout bounds every transport read so reader loops can notice
// shutdown. A read that times out returns (0, nil).
const readTimeout = 250 * time.Millisecond

// Connection carries KBSP bytes to and from one board.
type Connection interface {
	io.Reader
	io.Writer
	io.Closer
}

// ErrConnectionClosed is returned by reads on a WebSocket bridge that has
// gone away.
var ErrConnectionClosed = errors.New("websocket connection closed")

// serialConnection is a board on a local serial port.
type serialConnection struct {
	serial.Port
}

// bridgeConnection is a board behind a WebSocket bridge. KBSP bytes travel
// in binary messages whose boundaries mean nothing to the decoder. A pump
// goroutine owns the socket's read side, since gorilla connections cannot
// be read again once a read deadline fires.
type bridgeConnection struct {
	conn     *websocket.Conn
	incoming chan []byte
	pumpDone chan struct{}
	pumpErr  error

	// pending is the unread rest of the last message. Only Read touches it.
	pending []byte

	writeMu   sync.Mutex
	closing   chan struct{}
	closeOnce sync.Once
}

func newBridgeConnection(conn *websocket.Conn) *bridgeConnection {
	b := &bridgeConnection{
		conn:     conn,
		incoming: make(chan []byte, 16),
		pumpDone: make(chan struct{}),
		closing:  make(chan struct{}),
	}
	go b.pump()
	return b
}

func (b *bridgeConnection) pump() {
	defer close(b.pumpDone)
	for {
		messageType, data, err := b.conn.ReadMessage()
		if err != nil {
			b.pumpErr = err
			return
		}
		if messageType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		select {
		case b.incoming <- data:
		case <-b.closing:
			b.pumpErr = net.ErrClosed
			return
		}
	}
}

// Read returns buffered bridge bytes, waiting at most readTimeout for the
// next message. Messages received before the bridge failed are still
// delivered.
func (b *bridgeConnection) Read(p []byte) (int, error) {
	if len(b.pending) == 0 {
		timer := time.NewTimer(readTimeout)
		defer timer.Stop()

		select {
		case data := <-b.incoming:
			b.pending = data
		case <-b.pumpDone:
			select {
			case data := <-b.incoming:
				b.pending = data
			default:
				return 0, fmt.Errorf("%w: %v", ErrConnectionClosed, b.pumpErr)
			}
		case <-timer.C:
			return 0, nil
		}
	}

	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

func (b *bridgeConnection) Write(p []byte) (int, error) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (b *bridgeConnection) Close() error {
	err := net.ErrClosed
	b.closeOnce.Do(func() {
		close(b.closing)
		err = b.conn.Close()
	})
	return err
}

// OpenSerialConnection opens portName at 8N1 with a bounded read timeout.
func OpenSerialConnection(portName string, baudRate int) (Connection, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
	}
	return serialConnection{Port: port}, nil
}

// OpenWebSocketConnection dials a KBSP WebSocket bridge. Credentials, when
// given, are sent as HTTP Basic auth.
func OpenWebSocketConnection(wsURL, username, password string, skipSSLVerify bool) (Connection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	switch u.Scheme {
	case "ws":
	case "wss":
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: skipSSLVerify}
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection to %s failed (HTTP %d): %w", u.Host, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection to %s failed: %w", u.Host, err)
	}
	return newBridgeConnection(conn), nil
}

// GetPassword reads the bridge password from KEGSTAT_PASSWORD, or prompts
// for it on the terminal.
func GetPassword() (string, error) {
	if pw := os.Getenv("KEGSTAT_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)

	if term.IsTerminal(int(syscall.Stdin)) {
		pw, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(pw), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// connectionName is the port name boards are attached under.
func connectionName() string {
	if wsURL != "" {
		return wsURL
	}
	return portName
}

// OpenConnection opens the board named by the --url or --port flags. The
// second result describes the connection for display.
func OpenConnection() (Connection, string, error) {
	switch {
	case wsURL != "":
		var password string
		if wsUsername != "" {
			pw, err := GetPassword()
			if err != nil {
				return nil, "", err
			}
			password = pw
		}
		conn, err := OpenWebSocketConnection(wsURL, wsUsername, password, wsNoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return conn, "WebSocket: " + wsURL, nil

	case portName != "":
		conn, err := OpenSerialConnection(portName, baudRate)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}
	return nil, "", errors.New("either --port or --url must be specified")
}
