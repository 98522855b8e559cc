// Package registry keeps the loaded adaptation scripts. Every change builds new ordered
// collections off to the side and publishes them with one pointer swap, so request
// handling reads without locking and never sees a half-built list.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/starwalkn/ladle/internal/message"
	"github.com/starwalkn/ladle/internal/metric"
	"github.com/starwalkn/ladle/internal/script"
)

var ErrNotFound = errors.New("script not found")

// CheckFunc runs a freshly compiled script once; an error becomes its pending error.
type CheckFunc func(ctx context.Context, d *script.Descriptor) error

type Options struct {
	Dir          string
	Parse        script.ParseOptions
	Engines      *script.Engines
	Check        CheckFunc
	PollInterval time.Duration
}

// Snapshot is one published state. It is never modified after publishing.
type Snapshot struct {
	Request    []*script.Descriptor
	Response   []*script.Descriptor
	Generation ulid.ULID
	LoadedAt   time.Time

	inserted []*script.Descriptor // directory order, breaks order ties
}

// All returns the request scripts followed by the response scripts.
func (s *Snapshot) All() []*script.Descriptor {
	out := make([]*script.Descriptor, 0, len(s.Request)+len(s.Response))
	out = append(out, s.Request...)

	return append(out, s.Response...)
}

func (s *Snapshot) ForMode(mode message.Mode) []*script.Descriptor {
	if mode == message.ModeRespmod {
		return s.Response
	}

	return s.Request
}

type Registry struct {
	opts    Options
	log     *zap.Logger
	metrics metric.Metrics

	current atomic.Pointer[Snapshot]

	mu    sync.Mutex // serializes reload and reorder
	group singleflight.Group
}

func New(opts Options, log *zap.Logger, metrics metric.Metrics) *Registry {
	r := &Registry{
		opts:    opts,
		log:     log,
		metrics: metrics,
	}

	r.current.Store(&Snapshot{Generation: ulid.Make(), LoadedAt: time.Now()})

	return r
}

func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

// ISTag identifies the published state towards ICAP clients.
func (r *Registry) ISTag() string {
	return r.current.Load().Generation.String()
}

// LoadAll drops every descriptor and loads the directory from scratch.
func (r *Registry) LoadAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.reload(ctx, false)
}

// ReloadChanged rescans the directory and recompiles only files whose modification time
// or size changed. Calls made while a pass is running share its outcome.
func (r *Registry) ReloadChanged(ctx context.Context) error {
	_, err, _ := r.group.Do("reload", func() (any, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		return nil, r.reload(ctx, true)
	})

	return err
}

// Reorder sorts the published collections by order again, e.g. after SetOrder.
func (r *Registry) Reorder() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.publish(r.current.Load().inserted)
}

func (r *Registry) Lookup(name string) (*script.Descriptor, bool) {
	for _, d := range r.current.Load().All() {
		if d.Name == name {
			return d, true
		}
	}

	for _, d := range r.current.Load().All() {
		if filepath.Base(d.Path) == name {
			return d, true
		}
	}

	return nil, false
}

func (r *Registry) SetEnabled(name string, enabled bool) error {
	d, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	d.SetEnabled(enabled)

	r.log.Info("script switched", zap.String("script", d.Name), zap.Bool("enabled", enabled))
	r.Reorder()

	return nil
}

func (r *Registry) SetOrder(name string, order int) error {
	d, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	d.SetOrder(order)
	r.Reorder()

	return nil
}

// Applicable returns the scripts of mode that apply to url and status, in execution order.
// The scripts stay usable across reloads until release is called.
func (r *Registry) Applicable(mode message.Mode, url string, status int) ([]*script.Descriptor, func()) {
	for {
		out, ok := acquire(r.current.Load().ForMode(mode), url, status)
		if ok {
			return out, func() { releaseAll(out) }
		}
	}
}

// acquire fails when a reload retired one of the scripts in between; the caller then
// retries on the newer snapshot, which is published before anything is retired.
func acquire(all []*script.Descriptor, url string, status int) ([]*script.Descriptor, bool) {
	var out []*script.Descriptor

	for _, d := range all {
		if !d.Acquire() {
			releaseAll(out)
			return nil, false
		}

		if !d.IsApplicable(url, status) {
			d.Release()
			continue
		}

		out = append(out, d)
	}

	return out, true
}

func releaseAll(scripts []*script.Descriptor) {
	for _, d := range scripts {
		d.Release()
	}
}

//nolint:funlen // scan, compile and publish
func (r *Registry) reload(ctx context.Context, reuse bool) error {
	prev := r.current.Load()

	existing := make(map[string]*script.Descriptor)
	if reuse {
		for _, d := range prev.All() {
			existing[d.Path] = d
		}
	}

	entries, err := os.ReadDir(r.opts.Dir)
	if err != nil {
		r.metrics.IncReloadsTotal(false)
		return fmt.Errorf("cannot read scripts directory: %w", err)
	}

	var (
		loaded   []*script.Descriptor
		kept     = make(map[*script.Descriptor]bool)
		names    = make(map[string]string)
		compiled int
	)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(r.opts.Dir, entry.Name())

		if script.ModeOf(path, r.opts.Parse) == message.ModeUnknown {
			continue
		}

		engine, ok := r.opts.Engines.ForPath(path)
		if !ok {
			r.log.Debug("no engine for file", zap.String("path", path))
			continue
		}

		d, fresh, lerr := r.load(ctx, path, engine, existing[path])
		if lerr != nil {
			r.log.Warn("cannot load script", zap.String("path", path), zap.Error(lerr))
			continue
		}

		if fresh {
			compiled++
		}

		if other, dup := names[d.Name]; dup {
			r.log.Warn("duplicate script name", zap.String("script", d.Name),
				zap.String("path", path), zap.String("first", other))
		} else {
			names[d.Name] = path
		}

		kept[d] = true
		loaded = append(loaded, d)
	}

	snap := r.publish(loaded)

	for _, d := range prev.All() {
		if !kept[d] {
			d.Retire()
		}
	}

	r.metrics.IncReloadsTotal(true)
	r.log.Info("scripts loaded",
		zap.Int("reqmod", len(snap.Request)),
		zap.Int("respmod", len(snap.Response)),
		zap.Int("compiled", compiled),
		zap.String("generation", snap.Generation.String()),
	)

	return nil
}

// load reuses the previous descriptor of an unchanged file, else parses and compiles it.
func (r *Registry) load(ctx context.Context, path string, engine script.Engine, prev *script.Descriptor) (*script.Descriptor, bool, error) {
	if prev != nil {
		info, err := os.Stat(path)
		if err != nil {
			return nil, false, err
		}

		if info.ModTime().Equal(prev.ModTime) && info.Size() == prev.Size {
			return prev, false, nil
		}
	}

	d, err := script.ParseFile(path, r.opts.Parse)
	if err != nil {
		return nil, false, err
	}

	d.Engine = engine.Name()

	for _, w := range d.Warnings {
		r.log.Warn("script header", zap.String("script", d.Name), zap.String("warning", w))
	}

	prog, err := engine.Compile(ctx, filepath.Base(path), d.Source)
	d.SetProgram(prog, err)

	if err != nil {
		r.log.Warn("script does not compile", zap.String("script", d.Name), zap.Error(err))
		return d, true, nil
	}

	if r.opts.Check != nil {
		if cerr := r.opts.Check(ctx, d); cerr != nil {
			r.log.Warn("script check failed", zap.String("script", d.Name), zap.Error(cerr))
			d.SetProgram(nil, cerr)
		}
	}

	return d, true, nil
}

// publish sorts the scripts by order, ties kept in directory order, and swaps them in.
func (r *Registry) publish(inserted []*script.Descriptor) *Snapshot {
	var req, resp []*script.Descriptor

	for _, d := range inserted {
		if d.Mode == message.ModeRespmod {
			resp = append(resp, d)
		} else {
			req = append(req, d)
		}
	}

	byOrder := func(list []*script.Descriptor) {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Order() < list[j].Order() })
	}

	byOrder(req)
	byOrder(resp)

	snap := &Snapshot{
		Request:    req,
		Response:   resp,
		Generation: ulid.Make(),
		LoadedAt:   time.Now(),
		inserted:   inserted,
	}

	r.current.Store(snap)

	r.metrics.SetScriptsLoaded(message.ModeReqmod.String(), len(req))
	r.metrics.SetScriptsLoaded(message.ModeRespmod.String(), len(resp))

	return snap
}
