package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/substrat/substrat/internal/inbox"
	"github.com/substrat/substrat/internal/multiplexer"
	"github.com/substrat/substrat/internal/orchestrator"
	"github.com/substrat/substrat/internal/provider"
	"github.com/substrat/substrat/internal/router"
	"github.com/substrat/substrat/internal/scheduler"
	"github.com/substrat/substrat/internal/sessionstore"
	"github.com/substrat/substrat/internal/tree"
)

type wireClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Scanner
}

func dial(t *testing.T, sockPath string) *wireClient {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return &wireClient{t: t, conn: conn, r: bufio.NewScanner(conn)}
}

func (c *wireClient) call(id, method string, params any) map[string]json.RawMessage {
	c.t.Helper()
	req := map[string]any{"id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	line, err := json.Marshal(req)
	if err != nil {
		c.t.Fatalf("marshal request: %v", err)
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		c.t.Fatalf("write request: %v", err)
	}
	if !c.r.Scan() {
		c.t.Fatalf("no response: %v", c.r.Err())
	}
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(c.r.Bytes(), &resp); err != nil {
		c.t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	root := t.TempDir()
	store := sessionstore.NewStore(root)
	mux := multiplexer.New(4, store)
	reg := provider.NewRegistry(provider.NewMockProvider())
	sched := scheduler.New(store, reg, mux)
	tr := tree.New()
	r := router.New(tr)
	boxes := inbox.NewRegistry()
	orch := orchestrator.New(root, store, sched, tr, r, boxes, "mock", "m")

	srv := New(orch)
	sockPath := filepath.Join(root, "daemon.sock")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, sockPath) }()
	t.Cleanup(func() {
		_ = srv.Close()
		<-errCh
	})
	return srv, sockPath
}

func TestAgentCreateSendAndTerminateRoundTrip(t *testing.T) {
	_, sockPath := newTestServer(t)
	c := dial(t, sockPath)

	createResp := c.call("1", "agent.create", map[string]string{
		"provider":     "mock",
		"model":        "m",
		"instructions": "lead",
		"name":         "root",
	})
	if createResp["error"] != nil {
		t.Fatalf("agent.create error: %s", createResp["error"])
	}
	var created struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(createResp["result"], &created); err != nil {
		t.Fatalf("decode agent.create result: %v", err)
	}
	if created.AgentID == "" {
		t.Fatal("expected non-empty agent_id")
	}

	sendResp := c.call("2", "agent.send", map[string]string{
		"agent_id": created.AgentID,
		"prompt":   "status?",
	})
	if sendResp["error"] != nil {
		t.Fatalf("agent.send error: %s", sendResp["error"])
	}

	listResp := c.call("3", "session.list", nil)
	if listResp["error"] != nil {
		t.Fatalf("session.list error: %s", listResp["error"])
	}

	termResp := c.call("4", "agent.terminate", map[string]string{"agent_id": created.AgentID})
	if termResp["error"] != nil {
		t.Fatalf("agent.terminate error: %s", termResp["error"])
	}
}

func TestUnknownMethodReturnsNotFoundError(t *testing.T) {
	_, sockPath := newTestServer(t)
	c := dial(t, sockPath)

	resp := c.call("1", "agent.frobnicate", nil)
	if resp["error"] == nil {
		t.Fatal("expected an error for an unknown method")
	}
	var wireErr wireError
	if err := json.Unmarshal(resp["error"], &wireErr); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if wireErr.Code != "not-found" {
		t.Fatalf("expected not-found, got %q", wireErr.Code)
	}
}

func TestMalformedRequestClosesConnection(t *testing.T) {
	_, sockPath := newTestServer(t)
	conn := func() net.Conn {
		for i := 0; i < 50; i++ {
			c, err := net.Dial("unix", sockPath)
			if err == nil {
				return c
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatal("could not dial")
		return nil
	}()
	defer conn.Close()

	if _, err := conn.Write([]byte("not json at all\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("expected an error response before close: %v", scanner.Err())
	}
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["error"] == nil {
		t.Fatal("expected malformed-request error")
	}
}
