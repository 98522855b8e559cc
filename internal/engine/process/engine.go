// Package process runs adaptation scripts through external interpreters.
//
// Every invocation starts the interpreter configured for the script's extension with the
// script file as last argument, writes one JSON request to its stdin and reads one JSON
// response from its stdout. Empty output leaves the message unchanged.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/starwalkn/ladle/internal/message"
	"github.com/starwalkn/ladle/internal/script"
)

const (
	maxOutputSize = 64 * 1024 * 1024 // 64 MB
	waitDelay     = 100 * time.Millisecond
)

var errOutputTooLarge = fmt.Errorf("script output exceeds %d bytes", maxOutputSize)

type Request struct {
	Mode           string         `json:"mode"`
	URL            string         `json:"url"`
	Method         string         `json:"method"`
	StatusCode     int            `json:"status_code"`
	RequestHeader  string         `json:"request_header"`
	ResponseHeader string         `json:"response_header"`
	Header         string         `json:"header"`
	Body           string         `json:"body"`
	UserID         string         `json:"user_id"`
	UserGroup      string         `json:"user_group"`
	Cache          map[string]any `json:"cache,omitempty"`
}

// Response fields left out keep the corresponding value unchanged.
type Response struct {
	Body        *string        `json:"body"`
	Header      *string        `json:"header"`
	URL         *string        `json:"url"`
	Trace       []string       `json:"trace"`
	Error       string         `json:"error"`
	CacheSet    map[string]any `json:"cache_set"`
	CacheDelete []string       `json:"cache_delete"`
}

type Engine struct {
	interpreters map[string][]string
	workDir      string
	shareCache   bool
	log          *zap.Logger
}

// New creates the engine. interpreters maps a file extension to the command line that
// runs scripts with that extension.
func New(interpreters map[string][]string, workDir string, shareCache bool, log *zap.Logger) (*Engine, error) {
	clean := make(map[string][]string, len(interpreters))

	for ext, argv := range interpreters {
		if len(argv) == 0 || argv[0] == "" {
			return nil, fmt.Errorf("no interpreter for %s", ext)
		}

		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}

		clean[strings.ToLower(ext)] = argv
	}

	return &Engine{
		interpreters: clean,
		workDir:      workDir,
		shareCache:   shareCache,
		log:          log,
	}, nil
}

func (e *Engine) Name() string { return "process" }

func (e *Engine) Extensions() []string {
	exts := make([]string, 0, len(e.interpreters))
	for ext := range e.interpreters {
		exts = append(exts, ext)
	}

	sort.Strings(exts)

	return exts
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// Compile stores the source in a file of its own in the work directory. Nothing is checked
// beyond the interpreter being present: syntax errors show up on the first run.
func (e *Engine) Compile(_ context.Context, name, source string) (script.Program, error) {
	ext := strings.ToLower(filepath.Ext(name))

	argv, ok := e.interpreters[ext]
	if !ok {
		return nil, fmt.Errorf("no interpreter configured for %s", ext)
	}

	bin, err := exec.LookPath(argv[0])
	if err != nil {
		return nil, err
	}

	if err = os.MkdirAll(e.workDir, 0o750); err != nil {
		return nil, err
	}

	base := strings.TrimSuffix(filepath.Base(name), ext)

	f, err := os.CreateTemp(e.workDir, unsafeChars.ReplaceAllString(base, "_")+"_*"+ext)
	if err != nil {
		return nil, err
	}

	path := f.Name()

	_, err = f.WriteString(source)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	e.log.Debug("script stored", zap.String("script", name), zap.String("path", path))

	return &program{
		name:       name,
		path:       path,
		argv:       append([]string{bin}, argv[1:]...),
		shareCache: e.shareCache,
		log:        e.log,
	}, nil
}

type program struct {
	name       string
	path       string
	argv       []string
	shareCache bool
	log        *zap.Logger
}

//nolint:funlen // request, process and response handling
func (p *program) Run(ctx context.Context, env *script.Env) (*script.Result, error) {
	req := Request{
		Mode:           env.Mode.String(),
		URL:            env.URL,
		Method:         env.Method,
		StatusCode:     env.StatusCode,
		RequestHeader:  env.RequestHeader,
		ResponseHeader: env.ResponseHeader,
		Header:         activeHeader(env),
		Body:           env.Body,
		UserID:         env.UserID,
		UserGroup:      env.UserGroup,
	}

	if p.shareCache && env.Cache != nil {
		req.Cache = snapshot(env.Cache)
	}

	in, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	args := append(append([]string{}, p.argv[1:]...), p.path)

	//nolint:gosec // interpreters come from the server configuration
	cmd := exec.CommandContext(ctx, p.argv[0], args...)
	cmd.Stdin = bytes.NewReader(in)
	cmd.WaitDelay = waitDelay

	var stdout, stderr limitedBuffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err = cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}

		return nil, err
	}

	if stdout.overflow {
		return nil, errOutputTooLarge
	}

	p.log.Debug("script finished", zap.String("script", p.name), zap.Int("output", stdout.Len()))

	res := &script.Result{Body: env.Body, Header: req.Header}

	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		res.Trace = append(res.Trace, msg)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return res, nil
	}

	var resp Response
	if err = json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("invalid script output: %w", err)
	}

	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}

	res.Trace = append(res.Trace, resp.Trace...)

	if resp.Body != nil {
		res.Body = *resp.Body
	}

	if resp.Header != nil {
		res.Header = *resp.Header
	}

	if resp.URL != nil && *resp.URL != env.URL && env.Mode == message.ModeReqmod && env.Message != nil {
		env.Message.RequestHeader.Replace(res.Header)

		if err = env.Message.SetURL(*resp.URL); err != nil {
			return nil, fmt.Errorf("url: %w", err)
		}

		res.Header = env.Message.RequestHeader.String()
	}

	if env.Cache != nil {
		for k, v := range resp.CacheSet {
			env.Cache.Put(k, v)
		}

		for _, k := range resp.CacheDelete {
			env.Cache.Delete(k)
		}
	}

	return res, nil
}

// Close removes the stored script.
func (p *program) Close() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

func activeHeader(env *script.Env) string {
	if env.Mode == message.ModeRespmod {
		return env.ResponseHeader
	}

	return env.RequestHeader
}

func snapshot(c script.Cache) map[string]any {
	keys := c.Keys()
	out := make(map[string]any, len(keys))

	for _, k := range keys {
		if v, ok := c.Get(k); ok {
			out[k] = v
		}
	}

	return out
}

// limitedBuffer stops collecting once maxOutputSize is reached.
type limitedBuffer struct {
	bytes.Buffer

	overflow bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.Len()+len(p) > maxOutputSize {
		b.overflow = true
		return len(p), nil
	}

	return b.Buffer.Write(p)
}
