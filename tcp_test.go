package gpiokit

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

func dialListener(t testing.TB, port int) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	if err != nil {
		t.Fatalf("failed to dial test listener: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendLine(t testing.TB, conn net.Conn, line string) {
	t.Helper()

	_, err := conn.Write([]byte(line + "\n"))
	if err != nil {
		t.Fatalf("failed to write to test listener: %v", err)
	}
}

func readLine(t testing.TB, conn net.Conn) string {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read reply: %v", err)
	}
	return line
}

func TestRegisterTCPListenerValidation(t *testing.T) {
	r, _ := newTestReactor(t)

	_, err := r.RegisterTCPListener(0, nil, false)
	if !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected configuration error for nil callback, got: %v", err)
	}
}

func TestTCPEcho(t *testing.T) {
	r, _ := newTestReactor(t)

	port, err := r.RegisterTCPListener(0, func(conn *TCPConn, payload []byte) {
		conn.Write(append(payload, '\n'))
	}, false)
	if err != nil {
		t.Fatalf("RegisterTCPListener returned err: %v", err)
	}
	if port == 0 {
		t.Fatal("expected a kernel-picked port, got 0")
	}

	ports := r.ListenerPorts()
	if len(ports) != 1 || ports[0] != port {
		t.Errorf("listener ports: got %v want [%d]", ports, port)
	}

	err = r.Run(testPollTimeout, true)
	if err != nil {
		t.Fatal(err)
	}
	defer stopReactor(t, r)

	conn := dialListener(t, port)
	sendLine(t, conn, "read 17")

	if got := readLine(t, conn); got != "read 17\n" {
		t.Errorf("echo reply: got %q want %q", got, "read 17\n")
	}

	// payloads arrive trimmed, so trailing whitespace never reaches callbacks
	sendLine(t, conn, "  read 18  ")
	if got := readLine(t, conn); got != "read 18\n" {
		t.Errorf("trimmed reply: got %q want %q", got, "read 18\n")
	}
}

func TestTCPEmptyLineClosesOnlyThatClient(t *testing.T) {
	r, _ := newTestReactor(t)

	port, err := r.RegisterTCPListener(0, func(conn *TCPConn, payload []byte) {
		conn.Write(append(payload, '\n'))
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	err = r.Run(testPollTimeout, true)
	if err != nil {
		t.Fatal(err)
	}
	defer stopReactor(t, r)

	first := dialListener(t, port)
	second := dialListener(t, port)

	// warm both connections up so the server has accepted them
	sendLine(t, first, "ping")
	readLine(t, first)
	sendLine(t, second, "ping")
	readLine(t, second)

	sendLine(t, first, "")

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = first.Read(buf)
	if err != io.EOF {
		t.Errorf("expected EOF after sending an empty line, got: %v", err)
	}

	// the listener and the other client keep working
	sendLine(t, second, "still here")
	if got := readLine(t, second); got != "still here\n" {
		t.Errorf("surviving client reply: got %q want %q", got, "still here\n")
	}

	third := dialListener(t, port)
	sendLine(t, third, "hello")
	if got := readLine(t, third); got != "hello\n" {
		t.Errorf("new client reply: got %q want %q", got, "hello\n")
	}
}

func TestTCPThreadedCallback(t *testing.T) {
	r, _ := newTestReactor(t)

	got := make(chan string, 1)
	port, err := r.RegisterTCPListener(0, func(conn *TCPConn, payload []byte) {
		got <- string(payload)
	}, true)
	if err != nil {
		t.Fatal(err)
	}

	err = r.Run(testPollTimeout, true)
	if err != nil {
		t.Fatal(err)
	}
	defer stopReactor(t, r)

	conn := dialListener(t, port)
	sendLine(t, conn, "from the pool")

	select {
	case payload := <-got:
		if payload != "from the pool" {
			t.Errorf("payload: got %q want %q", payload, "from the pool")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("threaded callback never ran")
	}
}

func TestTCPCleanupClosesClients(t *testing.T) {
	r, _ := newTestReactor(t)

	port, err := r.RegisterTCPListener(0, func(conn *TCPConn, payload []byte) {
		conn.Write(append(payload, '\n'))
	}, false)
	if err != nil {
		t.Fatal(err)
	}

	err = r.Run(testPollTimeout, true)
	if err != nil {
		t.Fatal(err)
	}

	conn := dialListener(t, port)
	sendLine(t, conn, "ping")
	readLine(t, conn)

	r.Stop()
	waitRunning(t, r, false)

	err = r.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup returned err: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	if err != io.EOF {
		t.Errorf("expected EOF after cleanup, got: %v", err)
	}

	if got := r.ListenerPorts(); len(got) != 0 {
		t.Errorf("listener ports after cleanup: got %v want none", got)
	}

	if err := r.Close(); err != nil {
		t.Errorf("Close returned err: %v", err)
	}
}
