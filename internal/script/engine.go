package script

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/starwalkn/ladle/internal/message"
)

// Engine compiles script sources of the extensions it claims.
type Engine interface {
	Name() string
	Extensions() []string
	Compile(ctx context.Context, name, source string) (Program, error)
}

// Program is a compiled script. Run may be called concurrently; Close releases whatever
// the engine keeps for the program.
type Program interface {
	Run(ctx context.Context, env *Env) (*Result, error)
	Close() error
}

// Cache is the store shared by every script of the process.
type Cache interface {
	Get(key string) (any, bool)
	Put(key string, value any)
	Delete(key string)
	Keys() []string
	Len() int
}

// Env is the execution environment of one invocation. Message is a private copy the
// engine may mutate; the strings mirror it for engines working on text only.
type Env struct {
	Mode           message.Mode
	URL            string
	Method         string
	StatusCode     int
	RequestHeader  string
	ResponseHeader string
	Body           string
	UserID         string
	UserGroup      string

	Cache   Cache
	Message *message.Message
}

// Result carries what a successful run hands back: the body text for the next script
// and the active header block.
type Result struct {
	Body   string
	Header string
	Trace  []string
}

// Engines selects an engine by file extension.
type Engines struct {
	byExt map[string]Engine
}

func NewEngines(engines ...Engine) (*Engines, error) {
	set := &Engines{byExt: make(map[string]Engine)}

	for _, e := range engines {
		for _, ext := range e.Extensions() {
			ext = strings.ToLower(ext)

			if prev, ok := set.byExt[ext]; ok {
				return nil, fmt.Errorf("extension %s claimed by both %s and %s", ext, prev.Name(), e.Name())
			}

			set.byExt[ext] = e
		}
	}

	return set, nil
}

func (s *Engines) ForPath(path string) (Engine, bool) {
	e, ok := s.byExt[strings.ToLower(filepath.Ext(path))]
	return e, ok
}

func (s *Engines) Extensions() []string {
	out := make([]string, 0, len(s.byExt))
	for ext := range s.byExt {
		out = append(out, ext)
	}

	sort.Strings(out)

	return out
}
