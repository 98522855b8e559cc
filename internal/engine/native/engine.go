// Package native runs adaptation scripts written in Go.
//
// A script is a main package defining
//
//	func Main(m HttpMessage)
//
// It is compiled once per content change and called in process. Go code cannot be
// interrupted from the outside: a script that overruns its deadline is abandoned and
// its goroutine keeps running until Main returns.
package native

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/starwalkn/ladle/internal/script"
)

type Engine struct {
	builder Builder
	log     *zap.Logger
}

func New(builder Builder, log *zap.Logger) *Engine {
	return &Engine{
		builder: builder,
		log:     log,
	}
}

func (e *Engine) Name() string         { return "go" }
func (e *Engine) Extensions() []string { return []string{".go"} }

func (e *Engine) Compile(ctx context.Context, name, source string) (script.Program, error) {
	wrapped, err := Wrap(name, source)
	if err != nil {
		return nil, err
	}

	entry, err := e.builder.Build(ctx, name, wrapped)
	if err != nil {
		return nil, err
	}

	e.log.Debug("script compiled", zap.String("script", name))

	return &program{entry: entry}, nil
}

type program struct {
	entry Entry
}

func (p *program) Run(ctx context.Context, env *script.Env) (*script.Result, error) {
	if env.Message == nil {
		return nil, errors.New("go scripts need the message")
	}

	m := newHTTPMessage(env)
	p.entry(m)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return m.result(), nil
}

func (p *program) Close() error { return nil }
