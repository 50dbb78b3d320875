package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/imgcatch/artifact"
)

// notifyListener signals every successful Accept.
type notifyListener struct {
	net.Listener
	accepted chan struct{}
}

func (l *notifyListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		select {
		case l.accepted <- struct{}{}:
		default:
		}
	}
	return c, err
}

type testServer struct {
	addr     string
	store    *artifact.FSStore
	accepted chan struct{}
	cancel   context.CancelFunc
	done     chan error
}

func startServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.RequestDir = filepath.Join(dir, "request")
	cfg.ImageDir = filepath.Join(dir, "images")
	if mutate != nil {
		mutate(cfg)
	}
	store, err := artifact.NewFSStore(cfg.RequestDir, cfg.ImageDir)
	if err != nil {
		t.Fatal(err)
	}
	var seq atomic.Int64
	h, err := NewHandler(cfg, store,
		WithLogger(discardLogger()),
		WithNamer(func() string { return fmt.Sprintf("req-%d", seq.Add(1)) }),
	)
	if err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	nl := &notifyListener{Listener: ln, accepted: make(chan struct{}, 16)}
	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		addr:     ln.Addr().String(),
		store:    store,
		accepted: nl.accepted,
		cancel:   cancel,
		done:     make(chan error, 1),
	}
	srv := NewServer(cfg, h)
	go func() { ts.done <- srv.Serve(ctx, nl) }()
	t.Cleanup(func() { ts.stop(t) })
	return ts
}

func (ts *testServer) stop(t *testing.T) {
	t.Helper()
	ts.cancel()
	select {
	case err := <-ts.done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
		ts.done <- nil
	case <-time.After(5 * time.Second):
		t.Error("server did not stop")
	}
}

func (ts *testServer) waitAccepted(t *testing.T) {
	t.Helper()
	select {
	case <-ts.accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("connection not accepted")
	}
}

func dial(t *testing.T, addr string) *net.TCPConn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c.(*net.TCPConn)
}

// send writes payload, closes the write side and reads until the server
// closes.
func send(t *testing.T, addr string, payload []byte) []byte {
	t.Helper()
	c := dial(t, addr)
	if len(payload) > 0 {
		if _, err := c.Write(payload); err != nil {
			t.Fatal(err)
		}
	}
	c.CloseWrite()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, _ := io.ReadAll(c)
	return resp
}

func readArtifact(t *testing.T, dir, file string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, file))
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func TestServer_EndToEndScenarios(t *testing.T) {
	ts := startServer(t, nil)
	rawDir, imgDir := ts.store.Dir(artifact.KindRaw), ts.store.Dir(artifact.KindImage)

	// Plain request: raw artifact, no image, fixed response.
	resp := send(t, ts.addr, scenario1)
	if !bytes.Equal(resp, Response) {
		t.Fatalf("scenario 1 response = %q", resp)
	}
	if got := readArtifact(t, rawDir, "req-1.bin"); !bytes.Equal(got, scenario1) {
		t.Fatalf("scenario 1 raw = %q", got)
	}
	if n := countFiles(t, imgDir); n != 0 {
		t.Fatalf("scenario 1 image files = %d", n)
	}

	// Declared JPEG: image and raw artifacts, same response.
	resp = send(t, ts.addr, scenario2)
	if !bytes.Equal(resp, Response) {
		t.Fatalf("scenario 2 response = %q", resp)
	}
	if got := readArtifact(t, imgDir, "req-2.jpg"); !bytes.Equal(got, jpegBody) {
		t.Fatalf("scenario 2 image = %x", got)
	}
	if got := readArtifact(t, rawDir, "req-2.bin"); !bytes.Equal(got, scenario2) {
		t.Fatalf("scenario 2 raw = %q", got)
	}

	// Empty stream: nothing written, no response.
	resp = send(t, ts.addr, nil)
	if len(resp) != 0 {
		t.Fatalf("scenario 3 response = %q", resp)
	}
	if countFiles(t, rawDir) != 2 || countFiles(t, imgDir) != 1 {
		t.Fatal("scenario 3 wrote artifacts")
	}
}

func TestServer_LargeStreamAcrossChunks(t *testing.T) {
	ts := startServer(t, func(c *Config) { c.ChunkSize = 1024 })

	body := bytes.Repeat([]byte{0x42}, 200_000)
	body = append(append([]byte{0xff, 0xd8}, body...), 0xff, 0xd9)
	payload := append([]byte("POST / HTTP/1.1\r\nContent-Type: image/jpeg\r\n\r\n"), body...)

	if resp := send(t, ts.addr, payload); !bytes.Equal(resp, Response) {
		t.Fatalf("response = %q", resp)
	}
	img := readArtifact(t, ts.store.Dir(artifact.KindImage), "req-1.jpg")
	if !bytes.Equal(img, body) {
		t.Fatalf("image length = %d, want %d", len(img), len(body))
	}
}

func TestServer_MaxRequestBytesDropsConnection(t *testing.T) {
	ts := startServer(t, func(c *Config) { c.MaxRequestBytes = 8 })

	resp := send(t, ts.addr, scenario1)
	if len(resp) != 0 {
		t.Fatalf("response sent for oversized request: %q", resp)
	}
	if countFiles(t, ts.store.Dir(artifact.KindRaw)) != 0 {
		t.Fatal("oversized request persisted")
	}
}

func TestServer_SequentialServesOneAtATime(t *testing.T) {
	ts := startServer(t, nil)

	first := dial(t, ts.addr)
	ts.waitAccepted(t)

	second := dial(t, ts.addr)
	second.Write(scenario1)
	second.CloseWrite()

	// The second connection waits behind the first, which never closes.
	second.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 1)
	if n, err := second.Read(buf); n != 0 || err == nil {
		t.Fatalf("second connection served while first in flight: n=%d err=%v", n, err)
	}

	first.Write(scenario1)
	first.CloseWrite()
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	if resp, _ := io.ReadAll(first); !bytes.Equal(resp, Response) {
		t.Fatalf("first response = %q", resp)
	}

	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if resp, _ := io.ReadAll(second); !bytes.Equal(resp, Response) {
		t.Fatalf("second response = %q", resp)
	}
}

func TestServer_ConcurrentDoesNotBlock(t *testing.T) {
	ts := startServer(t, func(c *Config) {
		c.Concurrent = true
		c.MaxConns = 4
	})

	first := dial(t, ts.addr)
	ts.waitAccepted(t)

	if resp := send(t, ts.addr, scenario1); !bytes.Equal(resp, Response) {
		t.Fatalf("second response while first open = %q", resp)
	}

	first.Write(scenario1)
	first.CloseWrite()
	first.SetReadDeadline(time.Now().Add(5 * time.Second))
	if resp, _ := io.ReadAll(first); !bytes.Equal(resp, Response) {
		t.Fatalf("first response = %q", resp)
	}
}

func TestServer_ReadTimeoutBoundsShutdown(t *testing.T) {
	ts := startServer(t, func(c *Config) { c.ReadTimeout = 200 * time.Millisecond })

	// The peer never closes its write side.
	c := dial(t, ts.addr)
	ts.waitAccepted(t)
	c.Write([]byte("GET / HTTP/1.1\r\n"))

	ts.cancel()
	select {
	case err := <-ts.done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
		ts.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("server blocked on a peer that never half-closes")
	}

	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if resp, _ := io.ReadAll(c); len(resp) != 0 {
		t.Fatalf("timed-out connection got response %q", resp)
	}
	entries, _ := os.ReadDir(ts.store.Dir(artifact.KindRaw))
	if len(entries) != 0 {
		t.Fatalf("timed-out connection left %d artifacts", len(entries))
	}
}

func TestServer_ShutdownLetsInFlightFinish(t *testing.T) {
	ts := startServer(t, nil)

	c := dial(t, ts.addr)
	ts.waitAccepted(t)
	c.Write([]byte("GET / HTTP/1.1\r\n"))

	ts.cancel()

	c.Write([]byte("Host: x\r\n\r\n"))
	c.CloseWrite()
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if resp, _ := io.ReadAll(c); !bytes.Equal(resp, Response) {
		t.Fatalf("in-flight response = %q", resp)
	}
	if got := readArtifact(t, ts.store.Dir(artifact.KindRaw), "req-1.bin"); !bytes.Equal(got, scenario1) {
		t.Fatalf("in-flight raw = %q", got)
	}

	select {
	case err := <-ts.done:
		if err != nil {
			t.Fatalf("Serve returned %v", err)
		}
		ts.done <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after in-flight connection")
	}

	if _, err := net.DialTimeout("tcp", ts.addr, time.Second); err == nil {
		t.Fatal("listener still accepting after shutdown")
	}
}

func TestServer_ListenAndServe(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.RequestDir = filepath.Join(dir, "request")
	cfg.ImageDir = filepath.Join(dir, "images")
	h, err := NewHandler(cfg, artifact.NewMemoryStore(), WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(cfg, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.Addr() == nil {
		t.Fatal("server never bound")
	}
	if resp := send(t, srv.Addr().String(), scenario1); !bytes.Equal(resp, Response) {
		t.Fatalf("response = %q", resp)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("ListenAndServe returned %v", err)
	}
}
