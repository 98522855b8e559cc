package native

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"plugin"
	"regexp"
	"runtime"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
)

// Entry is the Main function of a loaded script.
type Entry func(m HttpMessage)

// Builder turns a wrapped script into a callable entry.
type Builder interface {
	Build(ctx context.Context, name, source string) (Entry, error)
}

// PluginBuilder compiles every script into its own shared object with the go tool and
// loads it into the process. Loaded plugins are never unloaded, so each distinct source
// gets a module path of its own.
type PluginBuilder struct {
	WorkDir string
	GoBin   string

	log *zap.Logger
}

func NewPluginBuilder(workDir, goBin string, log *zap.Logger) *PluginBuilder {
	if goBin == "" {
		goBin = "go"
	}

	return &PluginBuilder{
		WorkDir: workDir,
		GoBin:   goBin,
		log:     log,
	}
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_]+`)

func (b *PluginBuilder) Build(ctx context.Context, name, source string) (Entry, error) {
	sum := blake2b.Sum256([]byte(source))
	id := unsafeChars.ReplaceAllString(name, "_") + "_" + hex.EncodeToString(sum[:8])

	dir := filepath.Join(b.WorkDir, id)
	so := filepath.Join(dir, id+".so")

	if _, err := os.Stat(so); errors.Is(err, os.ErrNotExist) {
		if err = b.compile(ctx, dir, id, so, source); err != nil {
			return nil, err
		}
	}

	p, err := plugin.Open(so)
	if err != nil {
		return nil, fmt.Errorf("cannot load %s: %w", name, err)
	}

	sym, err := p.Lookup(entryName)
	if err != nil {
		return nil, fmt.Errorf("cannot load %s: %w", name, err)
	}

	fn, ok := sym.(func(HttpMessage))
	if !ok {
		return nil, errNoEntry
	}

	return fn, nil
}

func (b *PluginBuilder) compile(ctx context.Context, dir, id, so, source string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}

	gomod := fmt.Sprintf("module ladle.script/%s\n\ngo %s\n", id, goDirective())

	if err := os.WriteFile(filepath.Join(dir, "go.mod"), []byte(gomod), 0o600); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte(source), 0o600); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, b.GoBin, "build", "-buildmode=plugin", "-o", so, ".")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=1", "GOFLAGS=-mod=mod")

	out, err := cmd.CombinedOutput()
	if err != nil {
		b.log.Debug("plugin build failed", zap.String("dir", dir), zap.ByteString("output", out))

		_ = os.Remove(so)

		msg := strings.TrimSpace(strings.ReplaceAll(string(out), dir+string(filepath.Separator), ""))
		if msg == "" {
			msg = err.Error()
		}

		return errors.New(msg)
	}

	b.log.Debug("plugin built", zap.String("path", so))

	return nil
}

// goDirective derives the go.mod language version from the running toolchain.
func goDirective() string {
	v, ok := strings.CutPrefix(runtime.Version(), "go")
	if !ok {
		return "1.25"
	}

	parts := strings.SplitN(v, ".", 3) //nolint:mnd // major.minor.patch
	if len(parts) < 2 {                 //nolint:mnd // major.minor
		return "1.25"
	}

	return parts[0] + "." + strings.TrimFunc(parts[1], func(r rune) bool { return r < '0' || r > '9' })
}
