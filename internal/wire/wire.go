// Package wire implements the daemon's Unix-domain-socket JSON-RPC surface
// from spec.md section 6: newline-delimited {id, method, params} requests,
// answered with {id, result} or {id, error: {code, message}}.
package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/substrat/substrat/internal/orchestrator"
	"github.com/substrat/substrat/internal/substraterr"
)

// request is one decoded line of the wire protocol.
type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Tap receives a copy of every request/response pair the Server handles.
// Implemented by internal/inspector.Hub; nil means no tap is attached.
type Tap interface {
	Publish(event InspectorEvent)
}

// InspectorEvent mirrors inspector.Event without importing that package,
// keeping the wire protocol's only dependency on the inspector optional and
// one-directional.
type InspectorEvent struct {
	Direction string
	Method    string
	ID        json.RawMessage
	Payload   json.RawMessage
}

// Server accepts connections on a Unix domain socket and dispatches each
// request line to the Orchestrator. One goroutine per connection; requests
// on a single connection are handled one at a time (no pipelining).
type Server struct {
	orch *orchestrator.Orchestrator
	tap  Tap

	mu       sync.Mutex
	listener net.Listener

	core sync.Mutex // serializes dispatch into the Orchestrator across connections
}

// New returns a Server dispatching to orch.
func New(orch *orchestrator.Orchestrator) *Server {
	return &Server{orch: orch}
}

// SetTap attaches an inspector tap. Must be called before Serve.
func (s *Server) SetTap(tap Tap) {
	s.tap = tap
}

// Serve listens on socketPath (removing a stale socket file first) and
// accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath) // stale socket from an unclean shutdown

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return substraterr.Wrap(substraterr.KindIOFailure, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var (
		wg    sync.WaitGroup
		conns sync.Map // open connections, closed for reading on shutdown
	)
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Idle clients must not hold Serve open; a request already being
			// dispatched still has its response written.
			conns.Range(func(c, _ any) bool {
				_ = c.(*net.UnixConn).CloseRead()
				return true
			})
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return substraterr.Wrap(substraterr.KindIOFailure, err)
		}
		conns.Store(conn, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conns.Delete(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			// Malformed framing: the protocol gives up on this connection
			// rather than guessing where the next valid request begins.
			_ = enc.Encode(response{Error: &wireError{Code: "io-failure", Message: "malformed request: " + err.Error()}})
			return
		}
		s.publish("request", req.Method, req.ID, req.Params)

		resp := s.dispatch(ctx, req)
		resp.ID = req.ID
		s.publishResponse(req.ID, resp)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) publish(direction, method string, id, payload json.RawMessage) {
	if s.tap == nil {
		return
	}
	s.tap.Publish(InspectorEvent{Direction: direction, Method: method, ID: id, Payload: payload})
}

func (s *Server) publishResponse(id json.RawMessage, resp response) {
	if s.tap == nil {
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.tap.Publish(InspectorEvent{Direction: "response", ID: id, Payload: payload})
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	s.core.Lock()
	result, err := s.call(ctx, req.Method, req.Params)
	s.core.Unlock()
	if err != nil {
		return response{Error: &wireError{Code: string(substraterr.KindOf(err)), Message: err.Error()}}
	}
	return response{Result: result}
}

func (s *Server) call(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "agent.create":
		var p struct {
			Provider     string `json:"provider"`
			Model        string `json:"model"`
			Instructions string `json:"instructions"`
			Name         string `json:"name"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		agentID, err := s.orch.CreateRootAgent(ctx, p.Name, p.Instructions, p.Provider, p.Model)
		if err != nil {
			return nil, err
		}
		node, _ := s.orch.Tree.Get(agentID)
		return map[string]string{"agent_id": agentID, "session_id": node.SessionID}, nil

	case "agent.spawn":
		var p struct {
			ParentAgentID   string `json:"parent_agent_id"`
			Name            string `json:"name"`
			Instructions    string `json:"instructions"`
			Role            string `json:"role"`
			WorkspaceSubdir string `json:"workspace_subdir"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		result := s.orch.Handler.SpawnAgent(p.ParentAgentID, p.Name, p.Instructions, p.Role, p.WorkspaceSubdir)
		if result.Status != "created" {
			return nil, substraterr.New(substraterr.KindNameConflict, "%s", result.Reason)
		}
		return map[string]string{"agent_id": result.AgentID, "name": result.Name}, nil

	case "agent.terminate":
		var p struct {
			AgentID string `json:"agent_id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.orch.TerminateAgent(p.AgentID); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case "agent.send":
		var p struct {
			AgentID string `json:"agent_id"`
			Prompt  string `json:"prompt"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		resp, err := s.orch.RunTurn(ctx, p.AgentID, p.Prompt)
		if err != nil {
			return nil, err
		}
		return map[string]string{"response": resp}, nil

	case "session.list":
		sessions, err := s.orch.Sched.Sessions()
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(sessions))
		for _, sess := range sessions {
			out = append(out, map[string]any{
				"id":            sess.ID,
				"state":         string(sess.State),
				"provider_name": sess.ProviderName,
				"model":         sess.Model,
			})
		}
		return map[string]any{"sessions": out}, nil

	case "session.suspend":
		var p struct {
			SessionID string `json:"session_id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.orch.Sched.SuspendSession(ctx, p.SessionID); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case "session.resume":
		var p struct {
			SessionID string `json:"session_id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.orch.Sched.ResumeSession(ctx, p.SessionID); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case "session.delete":
		var p struct {
			SessionID string `json:"session_id"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		if err := s.orch.Sched.DeleteSession(p.SessionID); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	default:
		return nil, substraterr.New(substraterr.KindNotFound, "unknown method %q", method)
	}
}

func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return substraterr.Wrap(substraterr.KindIOFailure, fmt.Errorf("decode params: %w", err))
	}
	return nil
}
