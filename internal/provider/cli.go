package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/fxamacker/cbor/v2"

	"github.com/substrat/substrat/internal/dlog"
)

// CLIProvider drives an interactive agentic CLI tool (the substrat analogue
// of Claude Code, Codex, or similar) as a subprocess attached to a
// pseudo-terminal, the way these tools are normally driven interactively.
// Each Send launches a fresh invocation of the binary (--print /
// --output-format stream-json, mirroring how these tools are actually
// scripted for non-interactive consumption) and resumes the backend's own
// prior turn via ResumeFlag once one has run; the backend is expected to
// persist its own conversation state externally the way `claude --resume
// <id>` or `codex exec resume <id>` do, so CLIProvider only ever stores that
// external id as its opaque provider_state. That keeps Suspend/Restore
// cheap regardless of how large the underlying conversation has grown, and
// means there is no long-lived subprocess to leak between turns.
type CLIProvider struct {
	// Command is the CLI binary to invoke, e.g. "claude".
	Command string
	// BaseArgs are flags applied to every invocation before the turn- and
	// resume-specific flags.
	BaseArgs []string
	// ResumeFlag is the flag name used to resume a prior external session,
	// e.g. "--resume". Empty disables resume: every turn starts fresh.
	ResumeFlag string
	// WorkDir is the process's working directory (the agent's workspace
	// root). Empty means inherit the daemon's cwd.
	WorkDir string
}

// NewCLIProvider returns a CLIProvider for the given binary.
func NewCLIProvider(command string, baseArgs []string, resumeFlag, workDir string) *CLIProvider {
	return &CLIProvider{Command: command, BaseArgs: baseArgs, ResumeFlag: resumeFlag, WorkDir: workDir}
}

// Name returns "cli".
func (p *CLIProvider) Name() string { return "cli" }

// Create starts a fresh conversation with no resume id; the first Send
// invokes the binary for the first time.
func (p *CLIProvider) Create(ctx context.Context, model, systemPrompt string) (ProviderSession, error) {
	return &cliSession{provider: p, model: model, systemPrompt: systemPrompt}, nil
}

// cliSnapshot is the opaque cbor payload holding just enough to resume: the
// backend's own external session id plus the parameters needed to relaunch
// the process identically.
type cliSnapshot struct {
	Model          string
	SystemPrompt   string
	ExternalSessID string
}

// Restore rebuilds the session wrapper with the backend's own external id,
// so the next Send passes ResumeFlag and the backend reconstructs the
// conversation from its own external state. No process is started here.
func (p *CLIProvider) Restore(ctx context.Context, state []byte) (ProviderSession, error) {
	var snap cliSnapshot
	if err := cbor.Unmarshal(state, &snap); err != nil {
		return nil, fmt.Errorf("cli provider: decode state: %w", err)
	}
	return &cliSession{provider: p, model: snap.Model, systemPrompt: snap.SystemPrompt, externalSessID: snap.ExternalSessID}, nil
}

type cliSession struct {
	mu             sync.Mutex
	provider       *CLIProvider
	model          string
	systemPrompt   string
	externalSessID string
	activeCmd      *exec.Cmd
	activePTY      *os.File
	stopped        bool
}

// cliEvent is the subset of a stream-json NDJSON event this provider reads:
// the init event that carries the backend's external session id, and
// assistant/result events that carry response text.
type cliEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	// SessionID is only present on the "system"/"init" event.
	SessionID string `json:"session_id"`
	Message   *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	Result string `json:"result"`
}

func (e cliEvent) text() string {
	if e.Type == "result" && strings.TrimSpace(e.Result) != "" {
		return e.Result
	}
	if e.Type == "assistant" && e.Message != nil {
		var b strings.Builder
		for _, block := range e.Message.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
		return b.String()
	}
	return ""
}

// Send launches one subprocess invocation for this turn under a
// pseudo-terminal, writes the prompt, and resumes the prior external
// session (if any) via ResumeFlag. The process exits on its own once the
// turn completes; CLIProvider never keeps a subprocess alive between
// Sends.
func (s *cliSession) Send(ctx context.Context, prompt string) (<-chan Chunk, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, fmt.Errorf("cli provider: send on stopped session")
	}

	args := make([]string, 0, len(s.provider.BaseArgs)+6)
	args = append(args, s.provider.BaseArgs...)
	if s.model != "" {
		args = append(args, "--model", s.model)
	}
	if s.systemPrompt != "" {
		args = append(args, "--system", s.systemPrompt)
	}
	if s.externalSessID != "" && s.provider.ResumeFlag != "" {
		args = append(args, s.provider.ResumeFlag, s.externalSessID)
	}
	// --print enables non-interactive mode; --output-format stream-json
	// --verbose produces the NDJSON events parsed below.
	args = append(args, "--print", "--output-format", "stream-json", "--verbose")

	dlog.Event("provider.cli", "launching", "command", s.provider.Command, "args", strings.Join(args, " "), "resume", s.externalSessID)

	cmd := exec.CommandContext(ctx, s.provider.Command, args...)
	if s.provider.WorkDir != "" {
		cmd.Dir = s.provider.WorkDir
	}
	cmd.Env = os.Environ()
	// Run in its own process group so cancellation reaches every descendant
	// the CLI tool spawns, not just the immediate child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
	cmd.WaitDelay = 5 * time.Second

	f, err := pty.Start(cmd)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("cli provider: start pty: %w", err)
	}
	if _, err := f.WriteString(prompt + "\n"); err != nil {
		_ = f.Close()
		s.mu.Unlock()
		return nil, fmt.Errorf("cli provider: write prompt: %w", err)
	}
	s.activeCmd = cmd
	s.activePTY = f
	s.mu.Unlock()

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	readLoop:
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				out <- Chunk{Err: ctx.Err()}
				break readLoop
			default:
			}
			var ev cliEvent
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				continue
			}
			if ev.Type == "system" && ev.Subtype == "init" && ev.SessionID != "" {
				s.mu.Lock()
				s.externalSessID = ev.SessionID
				s.mu.Unlock()
			}
			if text := ev.text(); text != "" {
				out <- Chunk{Text: text}
			}
		}

		_ = f.Close()
		waitErr := cmd.Wait()
		s.mu.Lock()
		s.activeCmd = nil
		s.activePTY = nil
		s.mu.Unlock()

		var exitErr *exec.ExitError
		if waitErr != nil && !errors.As(waitErr, &exitErr) {
			out <- Chunk{Err: fmt.Errorf("cli provider: wait: %w", waitErr)}
		}
	}()
	return out, nil
}

// Suspend encodes the external resume id captured from the backend's own
// init event and kills any in-flight turn. Because every turn is a fresh,
// self-resuming subprocess, there is nothing to keep alive between turns:
// Suspend's job is purely "stop anything currently running and remember how
// to resume."
func (s *cliSession) Suspend(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := cliSnapshot{Model: s.model, SystemPrompt: s.systemPrompt, ExternalSessID: s.externalSessID}
	data, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("cli provider: encode state: %w", err)
	}
	s.killActiveLocked()
	return data, nil
}

func (s *cliSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.killActiveLocked()
	return nil
}

func (s *cliSession) killActiveLocked() {
	if s.activePTY != nil {
		_ = s.activePTY.Close()
	}
	if s.activeCmd == nil || s.activeCmd.Process == nil {
		return
	}
	_ = syscall.Kill(-s.activeCmd.Process.Pid, syscall.SIGTERM)
	_ = s.activeCmd.Process.Kill()
}

// Pid reports the PID of the turn currently in flight, if any. Unlike a
// provider that holds one subprocess alive for the session's whole
// lifetime, CLIProvider only has a process to report while a Send is
// running; recovery's best-effort orphan cleanup (spec.md section 4.9 step
// 2) simply finds no PID file for a CLI session between turns, which is
// correct since there is nothing orphaned to clean up at that point.
func (s *cliSession) Pid() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeCmd == nil || s.activeCmd.Process == nil {
		return 0, false
	}
	return s.activeCmd.Process.Pid, true
}
