// Package star runs adaptation scripts written in Starlark.
//
// The message is bound to a fixed set of global variables before the script body runs;
// the script reassigns them and the engine reads them back once the body returns.
package star

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.starlark.net/lib/json"
	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"

	"github.com/starwalkn/ladle/internal/message"
	"github.com/starwalkn/ladle/internal/script"
)

const envName = "__ladle_env__"

// Bindings names the script variables.
type Bindings struct {
	URL            string `json:"url" yaml:"url" toml:"url" default:"requestedurl"`
	RequestHeader  string `json:"request_header" yaml:"request_header" toml:"request_header" default:"requestheader"`
	RequestBody    string `json:"request_body" yaml:"request_body" toml:"request_body" default:"httprequest"`
	ResponseHeader string `json:"response_header" yaml:"response_header" toml:"response_header" default:"responseheader"`
	ResponseBody   string `json:"response_body" yaml:"response_body" toml:"response_body" default:"httpresponse"`
	UserID         string `json:"user_id" yaml:"user_id" toml:"user_id" default:"user_id"`
	UserGroup      string `json:"user_group" yaml:"user_group" toml:"user_group" default:"user_group"`
	Cache          string `json:"cache" yaml:"cache" toml:"cache" default:"sharedcache"`
	Trace          string `json:"trace" yaml:"trace" toml:"trace" default:"trace"`
}

func DefaultBindings() Bindings {
	return Bindings{
		URL:            "requestedurl",
		RequestHeader:  "requestheader",
		RequestBody:    "httprequest",
		ResponseHeader: "responseheader",
		ResponseBody:   "httpresponse",
		UserID:         "user_id",
		UserGroup:      "user_group",
		Cache:          "sharedcache",
		Trace:          "trace",
	}
}

func (b Bindings) names() []string {
	return []string{b.URL, b.RequestHeader, b.RequestBody, b.ResponseHeader, b.ResponseBody, b.UserID, b.UserGroup, b.Cache, b.Trace}
}

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

type Engine struct {
	bindings Bindings
	maxSteps uint64
	log      *zap.Logger
}

// New creates the engine. maxSteps bounds the computation steps of one run, 0 means
// unbounded.
func New(bindings Bindings, maxSteps uint64, log *zap.Logger) *Engine {
	return &Engine{
		bindings: bindings,
		maxSteps: maxSteps,
		log:      log,
	}
}

func (e *Engine) Name() string         { return "starlark" }
func (e *Engine) Extensions() []string { return []string{".star"} }

// Compile prepends one line unpacking the environment into the script variables.
// Reported positions are shifted back by that line.
func (e *Engine) Compile(_ context.Context, name, source string) (script.Program, error) {
	prelude := strings.Join(e.bindings.names(), ", ") + " = " + envName + "\n"

	_, prog, err := starlark.SourceProgramOptions(fileOptions, name, prelude+source, func(s string) bool {
		return s == envName || s == "json"
	})
	if err != nil {
		return nil, shiftError(err)
	}

	e.log.Debug("script compiled", zap.String("script", name))

	return &program{
		name:     name,
		prog:     prog,
		bindings: e.bindings,
		maxSteps: e.maxSteps,
	}, nil
}

type program struct {
	name     string
	prog     *starlark.Program
	bindings Bindings
	maxSteps uint64
}

//nolint:funlen // binding and reading back every variable
func (p *program) Run(ctx context.Context, env *script.Env) (*script.Result, error) {
	var trace []string

	thread := &starlark.Thread{
		Name: p.name,
		Print: func(_ *starlark.Thread, msg string) {
			trace = append(trace, msg)
		},
	}

	if p.maxSteps > 0 {
		thread.SetMaxExecutionSteps(p.maxSteps)
	}

	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})
	defer stop()

	reqBody, respBody := "", ""
	if env.Mode == message.ModeRespmod {
		respBody = env.Body
	} else {
		reqBody = env.Body
	}

	values := starlark.Tuple{
		starlark.String(env.URL),
		starlark.String(env.RequestHeader),
		starlark.String(reqBody),
		starlark.String(env.ResponseHeader),
		starlark.String(respBody),
		starlark.String(env.UserID),
		starlark.String(env.UserGroup),
		newCache(env.Cache),
		starlark.String(""),
	}

	globals, err := p.prog.Init(thread, starlark.StringDict{envName: values, "json": json.Module})
	if err != nil {
		return nil, shiftError(err)
	}

	bodyName, headerName := p.bindings.RequestBody, p.bindings.RequestHeader
	if env.Mode == message.ModeRespmod {
		bodyName, headerName = p.bindings.ResponseBody, p.bindings.ResponseHeader
	}

	body, err := stringGlobal(globals, bodyName)
	if err != nil {
		return nil, err
	}

	header, err := stringGlobal(globals, headerName)
	if err != nil {
		return nil, err
	}

	if t, _ := stringGlobal(globals, p.bindings.Trace); t != "" {
		trace = append(trace, t)
	}

	if env.Mode == message.ModeReqmod && env.Message != nil {
		url, uerr := stringGlobal(globals, p.bindings.URL)
		if uerr != nil {
			return nil, uerr
		}

		if url != env.URL {
			env.Message.RequestHeader.Replace(header)

			if err = env.Message.SetURL(url); err != nil {
				return nil, fmt.Errorf("%s: %w", p.bindings.URL, err)
			}

			header = env.Message.RequestHeader.String()
		}
	}

	return &script.Result{
		Body:   body,
		Header: header,
		Trace:  trace,
	}, nil
}

func (p *program) Close() error { return nil }

func stringGlobal(globals starlark.StringDict, name string) (string, error) {
	v, ok := globals[name]
	if !ok || v == starlark.None {
		return "", nil
	}

	s, ok := starlark.AsString(v)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %s", name, v.Type())
	}

	return s, nil
}

// shiftError moves positions back by the prelude line.
func shiftError(err error) error {
	var (
		evalErr *starlark.EvalError
		synErr  syntax.Error
		resErrs resolve.ErrorList
	)

	switch {
	case errors.As(err, &evalErr):
		for i := range len(evalErr.CallStack) {
			pos := evalErr.CallStack.At(i).Pos
			if pos.Line == 0 {
				continue // builtin frame
			}

			pos.Line--

			return fmt.Errorf("%s: %s", pos, evalErr.Msg)
		}

		return errors.New(evalErr.Msg)
	case errors.As(err, &synErr):
		synErr.Pos.Line--
		return synErr
	case errors.As(err, &resErrs):
		msgs := make([]string, 0, len(resErrs))

		for _, e := range resErrs {
			e.Pos.Line--
			msgs = append(msgs, e.Error())
		}

		return errors.New(strings.Join(msgs, "; "))
	default:
		return err
	}
}
