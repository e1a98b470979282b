package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"pubmatrix/internal/publish"
	logx "pubmatrix/pkg/logx"
)

// request is the JSON handed to the uploader process on stdin.
type request struct {
	JobID             string          `json:"job_id"`
	Platform          string          `json:"platform"`
	AccountID         string          `json:"account_id"`
	ContentID         string          `json:"content_id"`
	Payload           publish.Payload `json:"payload"`
	RetryCount        int             `json:"retry_count"`
	VerificationValue string          `json:"verification_value,omitempty"`
}

// result is the JSON the uploader process reports on stdout.
//
// success true means the content is live. Otherwise escalation (when
// present) selects the path: kind "verification" parks the job for
// human input, kind "terminal" fails it outright. Without an
// escalation, retryable false is terminal and retryable true retries,
// optionally after retry_after (a Go duration string).
type result struct {
	Success    bool        `json:"success"`
	Retryable  bool        `json:"retryable"`
	RetryAfter string      `json:"retry_after,omitempty"`
	Escalation *escalation `json:"escalation,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type escalation struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
	URL    string `json:"url,omitempty"`
}

// CommandExecutor runs one platform's uploader as a subprocess.
type CommandExecutor struct {
	platform string
	argv     []string
	timeout  time.Duration
	log      logx.Logger
}

func NewCommand(platform, command string, timeout time.Duration, log logx.Logger) (*CommandExecutor, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandExecutor{
		platform: platform,
		argv:     argv,
		timeout:  timeout,
		log:      log.With(logx.String("platform", platform)),
	}, nil
}

func (c *CommandExecutor) Execute(ctx context.Context, job *publish.Job) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(request{
		JobID:             job.ID,
		Platform:          job.Platform,
		AccountID:         job.AccountID,
		ContentID:         job.ContentID,
		Payload:           job.Payload,
		RetryCount:        job.RetryCount,
		VerificationValue: job.VerificationValue,
	})
	if err != nil {
		return publish.Terminal(fmt.Errorf("encode request: %w", err))
	}

	cmd := exec.CommandContext(ctx, c.argv[0], c.argv[1:]...)
	cmd.Stdin = bytes.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	c.log.Debug("uploader finished",
		logx.String("job", job.ID),
		logx.Duration("took", time.Since(start)),
		logx.Bool("exit_ok", runErr == nil))

	if ctx.Err() != nil {
		// Deadline or cancellation wins over whatever the process
		// managed to write; the attempt is retryable.
		return fmt.Errorf("uploader interrupted: %w", ctx.Err())
	}
	return decode(stdout.Bytes(), stderr.Bytes(), runErr)
}

// decode maps process output onto the escalation taxonomy. A parseable
// result wins even when the process exited nonzero; without one, any
// run error is a plain retryable failure carrying the stderr tail.
func decode(stdout, stderr []byte, runErr error) error {
	res, ok := parseResult(stdout)
	if !ok {
		if runErr != nil {
			return fmt.Errorf("uploader failed: %v%s", runErr, stderrTail(stderr))
		}
		return fmt.Errorf("uploader returned no result%s", stderrTail(stderr))
	}
	return mapResult(res)
}

// parseResult accepts the whole stdout as JSON, or, when the process
// logged noise first, the last non-empty line.
func parseResult(stdout []byte) (result, bool) {
	var res result
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return res, false
	}
	if err := json.Unmarshal(trimmed, &res); err == nil {
		return res, true
	}
	lines := bytes.Split(trimmed, []byte("\n"))
	last := bytes.TrimSpace(lines[len(lines)-1])
	if err := json.Unmarshal(last, &res); err == nil {
		return res, true
	}
	return res, false
}

func mapResult(res result) error {
	if res.Success {
		return nil
	}
	msg := strings.TrimSpace(res.Error)
	if msg == "" {
		msg = "uploader reported failure"
	}
	base := errors.New(msg)

	if esc := res.Escalation; esc != nil {
		switch esc.Kind {
		case "verification":
			return publish.NeedsVerification(base, esc.Reason, esc.URL)
		case "terminal":
			return publish.Terminal(base)
		default:
			// Unknown escalation kinds stay retryable so a newer
			// uploader cannot permanently fail jobs on older cores.
			return fmt.Errorf("unknown escalation %q: %w", esc.Kind, base)
		}
	}
	if !res.Retryable {
		return publish.Terminal(base)
	}
	if res.RetryAfter != "" {
		if d, err := time.ParseDuration(res.RetryAfter); err == nil && d > 0 {
			return publish.RetryAfter(base, d)
		}
	}
	return base
}

func stderrTail(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if s == "" {
		return ""
	}
	if len(s) > 300 {
		s = s[len(s)-300:]
	}
	return ": " + strings.ReplaceAll(s, "\n", " | ")
}
