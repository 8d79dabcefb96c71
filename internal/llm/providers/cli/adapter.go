package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/danshapiro/voicetest/internal/llm"
	"github.com/danshapiro/voicetest/internal/providerspec"
)

// Adapter runs a locally installed model CLI once per request. The request is
// rendered into one prompt; tool calls are recognised from TOOL_CALL lines in the
// reply.
type Adapter struct {
	provider   string
	executable string
	args       []string
	mode       providerspec.PromptMode
	env        []string
}

type Config struct {
	Provider   string
	Executable string
	// Args overrides the builtin invocation template.
	Args []string
	Env  []string
}

func NewAdapter(cfg Config) (*Adapter, error) {
	key := providerspec.CanonicalProviderKey(cfg.Provider)
	spec, ok := providerspec.Builtin(key)
	if !ok || spec.CLI == nil {
		if strings.TrimSpace(cfg.Executable) == "" || len(cfg.Args) == 0 {
			return nil, &llm.ConfigurationError{Message: fmt.Sprintf("provider %q is not a CLI backend and no executable/args were configured", cfg.Provider)}
		}
		spec = providerspec.Spec{Key: key, CLI: &providerspec.CLISpec{PromptMode: providerspec.PromptArg}}
	}
	a := &Adapter{
		provider:   key,
		executable: spec.CLI.DefaultExecutable,
		args:       spec.CLI.InvocationTemplate,
		mode:       spec.CLI.PromptMode,
		env:        cfg.Env,
	}
	if strings.TrimSpace(cfg.Executable) != "" {
		a.executable = strings.TrimSpace(cfg.Executable)
	}
	if len(cfg.Args) > 0 {
		a.args = append([]string{}, cfg.Args...)
		a.mode = providerspec.PromptArg
		if !hasPromptPlaceholder(a.args) {
			a.mode = providerspec.PromptStdin
		}
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.provider }

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	exe, err := exec.LookPath(a.executable)
	if err != nil {
		return llm.Response{}, &llm.ConfigurationError{Message: fmt.Sprintf("%s: executable %q not found", a.provider, a.executable)}
	}
	prompt := RenderPrompt(req)
	argv := expandArgs(a.args, req.Model, prompt, a.mode == providerspec.PromptArg)

	cmd := exec.CommandContext(ctx, exe, argv...)
	if a.mode == providerspec.PromptStdin {
		cmd.Stdin = strings.NewReader(prompt)
	} else {
		cmd.Stdin = strings.NewReader("")
	}
	cmd.Env = append(os.Environ(), a.env...)
	// Own process group so cancellation kills the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return llm.Response{}, llm.WrapContextError(a.provider, ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return llm.Response{}, llm.NewProcessError(a.provider, msg, transientExit(err, msg))
	}
	text, calls := parseToolCalls(stdout.String())
	return llm.Response{
		Provider:  a.provider,
		Model:     req.Model,
		Text:      text,
		ToolCalls: calls,
	}, nil
}

// permanentFailure matches CLI stderr for usage and credential problems.
var permanentFailure = regexp.MustCompile(`(?i)unknown (option|flag|command)|unrecognized (option|argument)|invalid (option|argument|api key)|usage:|not logged in|log ?in required|unauthori[sz]ed|authentication (failed|required|error)|permission denied`)

// transientExit reports whether a failed CLI run is worth retrying. Exit codes 126
// and 127 mean the shell could not run the command at all.
func transientExit(err error, stderr string) bool {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if code := ee.ExitCode(); code == 126 || code == 127 {
			return false
		}
	}
	return !permanentFailure.MatchString(stderr)
}

func hasPromptPlaceholder(args []string) bool {
	for _, a := range args {
		if strings.Contains(a, "{{prompt}}") {
			return true
		}
	}
	return false
}

func expandArgs(tmpl []string, model, prompt string, promptInArgs bool) []string {
	out := make([]string, 0, len(tmpl))
	for i := 0; i < len(tmpl); i++ {
		arg := tmpl[i]
		if strings.Contains(arg, "{{model}}") && strings.TrimSpace(model) == "" {
			// Drop "--model {{model}}" pairs when no model was selected.
			if len(out) > 0 && strings.HasPrefix(out[len(out)-1], "-") {
				out = out[:len(out)-1]
			}
			continue
		}
		arg = strings.ReplaceAll(arg, "{{model}}", model)
		if promptInArgs {
			arg = strings.ReplaceAll(arg, "{{prompt}}", prompt)
		}
		out = append(out, arg)
	}
	return out
}

// RenderPrompt flattens a chat request into one prompt for CLIs that take a single
// input.
func RenderPrompt(req llm.Request) string {
	var b strings.Builder
	if sys := req.SystemPrompt(); sys != "" {
		b.WriteString(sys)
		b.WriteString("\n\n")
	}
	if len(req.Tools) > 0 {
		b.WriteString("You may call these tools. To call one, put a line of the form\nTOOL_CALL <name> <json arguments>\non its own line in your reply.\n")
		for _, t := range req.Tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
		b.WriteString("\n")
	}
	conv := req.Conversation()
	if len(conv) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range conv {
			fmt.Fprintf(&b, "%s: %s\n", strings.ToUpper(string(m.Role)), m.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("Reply with the next ASSISTANT message only.")
	return b.String()
}

var toolCallLineRE = regexp.MustCompile(`^TOOL_CALL\s+([A-Za-z0-9_-]+)\s*(.*)$`)

func parseToolCalls(out string) (string, []llm.ToolCall) {
	var text []string
	var calls []llm.ToolCall
	for _, line := range strings.Split(out, "\n") {
		m := toolCallLineRE.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			text = append(text, line)
			continue
		}
		args := strings.TrimSpace(m[2])
		if args == "" || !json.Valid([]byte(args)) {
			args = "{}"
		}
		calls = append(calls, llm.ToolCall{
			ID:        fmt.Sprintf("cli_call_%d", len(calls)+1),
			Name:      m[1],
			Arguments: json.RawMessage(args),
		})
	}
	return strings.TrimSpace(strings.Join(text, "\n")), calls
}
