package server

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adrsu/gmail-clone/internal/conf"
	"github.com/adrsu/gmail-clone/internal/directory"
	"github.com/adrsu/gmail-clone/internal/store/sqlite"
)

func setupSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "mail.db"), nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})

	cfg := conf.DefaultConfig()
	cfg.Domain = "example.com"
	cfg.SMTP.Hostname = "mail.example.com"
	cfg.SMTP.Listen = "127.0.0.1:0"
	cfg.IMAP.Listen = "127.0.0.1:0"
	cfg.SMTP.TLSListen = ""
	cfg.IMAP.TLSListen = ""
	cfg.Timeouts.ShutdownGrace = 2

	dir := directory.NewPermissive("example.com", st)
	return NewSupervisor(cfg, st, dir)
}

func TestSupervisor_ServesBothProtocols(t *testing.T) {
	sup := setupSupervisor(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- sup.Run(ctx)
	}()

	select {
	case <-sup.Ready():
	case err := <-runErr:
		t.Fatalf("Run exited before ready: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for listeners")
	}

	addrs := sup.Addrs()
	if len(addrs) != 2 {
		t.Fatalf("Expected 2 listeners, got %d", len(addrs))
	}

	// SMTP greets with 220, IMAP with * OK
	greetings := []string{"220 ", "* OK"}
	for i, addr := range addrs {
		conn, err := net.Dial("tcp", addr.String())
		if err != nil {
			t.Fatalf("Dial %s: %v", addr, err)
		}
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			t.Fatalf("Read greeting from %s: %v", addr, err)
		}
		if !strings.HasPrefix(line, greetings[i]) {
			t.Errorf("Expected greeting %q from %s, got %q", greetings[i], addr, line)
		}
		_ = conn.Close()
	}

	cancel()

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for shutdown")
	}
}

func TestSupervisor_BindFailureAbortsStartup(t *testing.T) {
	// Occupy a port so the second bind fails
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer func() { _ = blocker.Close() }()

	sup := setupSupervisor(t)
	sup.cfg.IMAP.Listen = blocker.Addr().String()

	err = sup.Run(context.Background())
	if err == nil {
		t.Fatal("Expected bind failure")
	}
	if !strings.Contains(err.Error(), "failed to bind imap listener") {
		t.Errorf("Expected imap bind error, got %v", err)
	}

	select {
	case <-sup.Ready():
		t.Error("Expected Ready to stay unsignalled after bind failure")
	default:
	}
}

func TestSupervisor_GracefulShutdownDeliversInFlight(t *testing.T) {
	sup := setupSupervisor(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- sup.Run(ctx)
	}()

	select {
	case <-sup.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for listeners")
	}

	smtpAddr := sup.Addrs()[0].String()
	conn, err := net.Dial("tcp", smtpAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)
	readLine := func() string {
		t.Helper()
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		return line
	}

	readLine() // greeting
	_, _ = conn.Write([]byte("EHLO client.example.com\r\n"))
	for {
		line := readLine()
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}

	// Shut down while the session is mid-dialogue; the open session
	// may finish its current exchange within the grace period
	cancel()

	_, _ = conn.Write([]byte("QUIT\r\n"))

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Timed out waiting for shutdown")
	}
}
