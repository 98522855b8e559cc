package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/starwalkn/ladle"
	"github.com/starwalkn/ladle/internal/icap"
	"github.com/starwalkn/ladle/internal/metric"
)

const optionsRequest = "OPTIONS icap://localhost/ladle ICAP/1.0\r\nHost: localhost\r\n\r\n"

func testConfig() ladle.ICAPConfig {
	return ladle.ICAPConfig{
		ServerName:   "ladle-test",
		Workers:      2,
		Backlog:      4,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		IdleTimeout:  time.Second,
	}
}

func start(t *testing.T, cfg ladle.ICAPConfig, h icap.Handler) (string, context.CancelFunc, <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := New(cfg, h, func() string { return "tag-1" }, zap.NewNop(), metric.NewNop())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(cancel)

	return ln.Addr().String(), cancel, done
}

func noContent() icap.Handler {
	return icap.HandlerFunc(func(_ context.Context, w *icap.ResponseWriter, _ *icap.Request) {
		_ = w.WriteNoContent()
	})
}

func readStatus(t *testing.T, tp *textproto.Reader) (string, textproto.MIMEHeader) {
	t.Helper()

	line, err := tp.ReadLine()
	if err != nil {
		t.Fatalf("cannot read status line: %v", err)
	}

	h, err := tp.ReadMIMEHeader()
	if err != nil {
		t.Fatalf("cannot read response header: %v", err)
	}

	return line, h
}

func TestServer_KeepAlive(t *testing.T) {
	var served atomic.Int32

	h := icap.HandlerFunc(func(_ context.Context, w *icap.ResponseWriter, _ *icap.Request) {
		served.Add(1)
		_ = w.WriteNoContent()
	})

	addr, _, _ := start(t, testConfig(), h)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("cannot dial: %v", err)
	}
	defer conn.Close()

	tp := textproto.NewReader(bufio.NewReader(conn))

	for i := range 3 {
		if _, err = io.WriteString(conn, optionsRequest); err != nil {
			t.Fatalf("cannot write request %d: %v", i, err)
		}

		line, hdr := readStatus(t, tp)
		if line != "ICAP/1.0 204 No Content" {
			t.Fatalf("expected 204 status line, got %q", line)
		}

		if hdr.Get("ISTag") != `"tag-1"` {
			t.Fatalf("expected ISTag \"tag-1\", got %s", hdr.Get("ISTag"))
		}
	}

	if served.Load() != 3 {
		t.Fatalf("expected 3 requests on one connection, got %d", served.Load())
	}
}

func TestServer_ConnIDPerConnection(t *testing.T) {
	g := NewWithT(t)

	ids := make(chan string, 4)
	h := icap.HandlerFunc(func(ctx context.Context, w *icap.ResponseWriter, _ *icap.Request) {
		ids <- icap.ConnID(ctx)
		_ = w.WriteNoContent()
	})

	addr, _, _ := start(t, testConfig(), h)

	for range 2 {
		conn, err := net.Dial("tcp", addr)
		g.Expect(err).NotTo(HaveOccurred())

		tp := textproto.NewReader(bufio.NewReader(conn))

		for range 2 {
			_, err = io.WriteString(conn, optionsRequest)
			g.Expect(err).NotTo(HaveOccurred())
			readStatus(t, tp)
		}

		conn.Close()
	}

	first, second, third, fourth := <-ids, <-ids, <-ids, <-ids

	g.Expect(first).NotTo(BeEmpty())
	g.Expect(second).To(Equal(first))
	g.Expect(third).To(Equal(fourth))
	g.Expect(third).NotTo(Equal(first))
}

func TestServer_ConnectionClose(t *testing.T) {
	addr, _, _ := start(t, testConfig(), noContent())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("cannot dial: %v", err)
	}
	defer conn.Close()

	req := strings.Replace(optionsRequest, "Host: localhost\r\n", "Host: localhost\r\nConnection: close\r\n", 1)
	if _, err = io.WriteString(conn, req); err != nil {
		t.Fatalf("cannot write request: %v", err)
	}

	br := bufio.NewReader(conn)
	_, hdr := readStatus(t, textproto.NewReader(br))

	if hdr.Get("Connection") != "close" {
		t.Fatalf("expected Connection: close, got %q", hdr.Get("Connection"))
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err = br.ReadByte(); err != io.EOF {
		t.Fatalf("expected server to close the connection, got %v", err)
	}
}

func TestServer_MalformedRequest(t *testing.T) {
	addr, _, _ := start(t, testConfig(), noContent())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("cannot dial: %v", err)
	}
	defer conn.Close()

	if _, err = io.WriteString(conn, "PUT icap://x/y ICAP/1.0\r\nEncapsulated: null-body=0\r\n\r\n"); err != nil {
		t.Fatalf("cannot write request: %v", err)
	}

	line, hdr := readStatus(t, textproto.NewReader(bufio.NewReader(conn)))

	if line != "ICAP/1.0 400 Bad Request" {
		t.Fatalf("expected 400 status line, got %q", line)
	}

	if hdr.Get("Connection") != "close" {
		t.Fatalf("expected Connection: close, got %q", hdr.Get("Connection"))
	}
}

func TestServer_HandlerWithoutResponse(t *testing.T) {
	h := icap.HandlerFunc(func(context.Context, *icap.ResponseWriter, *icap.Request) {})

	addr, _, _ := start(t, testConfig(), h)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("cannot dial: %v", err)
	}
	defer conn.Close()

	if _, err = io.WriteString(conn, optionsRequest); err != nil {
		t.Fatalf("cannot write request: %v", err)
	}

	line, _ := readStatus(t, textproto.NewReader(bufio.NewReader(conn)))
	if line != "ICAP/1.0 500 Server Error" {
		t.Fatalf("expected 500 status line, got %q", line)
	}
}

func TestServer_Overloaded(t *testing.T) {
	g := NewWithT(t)

	release := make(chan struct{})
	entered := make(chan struct{}, 1)

	h := icap.HandlerFunc(func(_ context.Context, w *icap.ResponseWriter, _ *icap.Request) {
		entered <- struct{}{}
		<-release
		_ = w.WriteNoContent()
	})

	cfg := testConfig()
	cfg.Workers = 1
	cfg.Backlog = 0

	addr, _, _ := start(t, cfg, h)
	defer close(release)

	// the worker may not be receiving yet when the first connection arrives
	var busy net.Conn

	for range 20 {
		conn, err := net.Dial("tcp", addr)
		g.Expect(err).NotTo(HaveOccurred())

		_, err = io.WriteString(conn, optionsRequest)
		g.Expect(err).NotTo(HaveOccurred())

		select {
		case <-entered:
			busy = conn
		case <-time.After(100 * time.Millisecond):
			_ = conn.Close()
		}

		if busy != nil {
			break
		}
	}

	if busy == nil {
		t.Fatalf("expected the only worker to pick up a connection")
	}
	defer busy.Close()

	extra, err := net.Dial("tcp", addr)
	g.Expect(err).NotTo(HaveOccurred())
	defer extra.Close()

	_ = extra.SetReadDeadline(time.Now().Add(2 * time.Second))

	line, hdr := readStatus(t, textproto.NewReader(bufio.NewReader(extra)))
	g.Expect(line).To(Equal("ICAP/1.0 503 Service Overloaded"))
	g.Expect(hdr.Get("ISTag")).To(Equal(`"tag-1"`))
}

func TestServer_Shutdown(t *testing.T) {
	addr, cancel, done := start(t, testConfig(), noContent())

	idle, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("cannot dial: %v", err)
	}
	defer idle.Close()

	// make sure a worker holds the idle connection
	if _, err = io.WriteString(idle, optionsRequest); err != nil {
		t.Fatalf("cannot write request: %v", err)
	}

	readStatus(t, textproto.NewReader(bufio.NewReader(idle)))

	cancel()

	select {
	case err = <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("expected Serve to return after cancel")
	}
}
