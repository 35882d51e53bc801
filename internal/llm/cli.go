package llm

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/stenohq/steno/internal/errkind"
)

// CLI shells out to a locally installed assistant command. The prompt goes to
// stdin; stdout is taken as the completion. Structured output always uses the
// prompt fallback.
type CLI struct {
	command string
	timeout time.Duration
}

func NewCLI(command string, timeout time.Duration) *CLI {
	return &CLI{command: command, timeout: timeout}
}

func (c *CLI) Name() string { return "cli" }

func (c *CLI) Complete(ctx context.Context, req Request) (Response, error) {
	if c.command == "" {
		return Response{}, errkind.Hinted(errkind.InvalidArgument,
			"cli provider has no command configured", "set llm_cli_command in config.json")
	}
	argv, err := shlex.Split(c.command)
	if err != nil || len(argv) == 0 {
		return Response{}, errkind.Wrap(errkind.InvalidArgument, "parse llm cli command", err)
	}

	prompt := req.User
	if req.System != "" {
		prompt = req.System + "\n\n" + prompt
	}
	if len(req.Schema) > 0 {
		prompt = schemaPrompt(prompt, req.Schema)
	}

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Env = subprocessEnv()
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return Response{}, errkind.Wrap(errkind.Transient, "llm cli timed out", runCtx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return Response{}, errkind.Newf(errkind.Internal, "llm cli failed: %s", msg)
	}

	content := strings.TrimSpace(stdout.String())
	if content == "" {
		return Response{}, errkind.New(errkind.Internal, "llm cli produced no output")
	}
	return Response{
		Content:          content,
		Model:            argv[0],
		CompletionTokens: len(content)/4 + 1,
		FinishReason:     "stop",
		DurationMS:       since(start),
	}, nil
}

func (c *CLI) CalculateCost(int, int) float64 { return 0 }

// subprocessEnvPrefixes lists uppercase key prefixes safe to pass to the
// assistant subprocess. An allowlist keeps our own secrets (STENO_* API
// keys) out of the child environment.
var subprocessEnvPrefixes = []string{
	"PATH",
	"HOME", "USERPROFILE",
	"USER", "USERNAME", "LOGNAME",
	"LANG", "LC_",
	"TERM", "COLORTERM",
	"TMPDIR", "TEMP", "TMP",
	"XDG_",
	"SHELL",
	"SSL_CERT_", "CURL_CA_BUNDLE",
	"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY",
	"SYSTEMROOT", "COMSPEC", "PATHEXT", "WINDIR",
	"HOMEDRIVE", "HOMEPATH",
	"APPDATA", "LOCALAPPDATA", "PROGRAMDATA",
}

func envKeyAllowed(key string) bool {
	upper := strings.ToUpper(key)
	for _, p := range subprocessEnvPrefixes {
		if strings.HasSuffix(p, "_") {
			if strings.HasPrefix(upper, p) {
				return true
			}
		} else if upper == p {
			return true
		}
	}
	return false
}

func subprocessEnv() []string {
	env := os.Environ()
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		k, _, _ := strings.Cut(e, "=")
		if envKeyAllowed(k) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}
