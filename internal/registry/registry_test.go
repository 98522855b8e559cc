package registry_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/starwalkn/ladle/internal/message"
	"github.com/starwalkn/ladle/internal/metric"
	"github.com/starwalkn/ladle/internal/registry"
	"github.com/starwalkn/ladle/internal/script"
)

// echoEngine rejects sources containing "syntax error". Its programs append the last
// source line to the body.
type echoEngine struct {
	compiles atomic.Int32
}

func (e *echoEngine) Name() string         { return "echo" }
func (e *echoEngine) Extensions() []string { return []string{".echo"} }

func (e *echoEngine) Compile(_ context.Context, name, source string) (script.Program, error) {
	e.compiles.Add(1)

	if strings.Contains(source, "syntax error") {
		return nil, errors.New(name + ":1: syntax error")
	}

	return &echoProgram{tag: strings.TrimSpace(lastLine(source))}, nil
}

type echoProgram struct {
	tag    string
	closed atomic.Bool
}

func (p *echoProgram) Run(_ context.Context, env *script.Env) (*script.Result, error) {
	return &script.Result{Body: env.Body + p.tag}, nil
}

func (p *echoProgram) Close() error {
	p.closed.Store(true)
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}

func writeScript(dir, name string, order int, body string) {
	src := "# ==ServerScript==\n"
	if order > 0 {
		src += "# @order " + strconv.Itoa(order) + "\n"
	}

	src += "# ==/ServerScript==\n" + body + "\n"

	Expect(os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600)).To(Succeed())
}

func names(list []*script.Descriptor) []string {
	out := make([]string, 0, len(list))
	for _, d := range list {
		out = append(out, d.Name)
	}

	return out
}

func applicable(reg *registry.Registry, url string) []string {
	list, release := reg.Applicable(message.ModeRespmod, url, 200)
	defer release()

	return names(list)
}

func run(d *script.Descriptor) string {
	res, err := d.Program().Run(context.Background(), &script.Env{Body: ""})
	Expect(err).NotTo(HaveOccurred())

	return res.Body
}

var _ = Describe("Registry", func() {
	var (
		dir    string
		engine *echoEngine
		reg    *registry.Registry
		ctx    context.Context
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		engine = &echoEngine{}
		ctx = context.Background()

		engines, err := script.NewEngines(engine)
		Expect(err).NotTo(HaveOccurred())

		reg = registry.New(registry.Options{
			Dir: dir,
			Parse: script.ParseOptions{
				RequestTag:     ".req.",
				ResponseTag:    ".resp.",
				MaxTimeout:     time.Second,
				ErrorThreshold: 2,
			},
			Engines: engines,
		}, zap.NewNop(), metric.NewNop())
	})

	Describe("LoadAll", func() {
		It("splits scripts by mode and sorts them by order", func() {
			writeScript(dir, "c.resp.echo", 5, "c")
			writeScript(dir, "a.resp.echo", 10, "a")
			writeScript(dir, "b.resp.echo", 5, "b")
			writeScript(dir, "r.req.echo", 0, "r")
			writeScript(dir, "notes.txt", 0, "ignored")
			writeScript(dir, "untagged.echo", 0, "ignored")

			Expect(reg.LoadAll(ctx)).To(Succeed())

			snap := reg.Snapshot()
			Expect(names(snap.Response)).To(Equal([]string{"b.resp", "c.resp", "a.resp"}))
			Expect(names(snap.Request)).To(Equal([]string{"r.req"}))
		})

		It("keeps scripts that do not compile but never applies them", func() {
			writeScript(dir, "bad.resp.echo", 0, "syntax error")
			writeScript(dir, "good.resp.echo", 0, "g")

			Expect(reg.LoadAll(ctx)).To(Succeed())

			bad, ok := reg.Lookup("bad.resp")
			Expect(ok).To(BeTrue())
			Expect(bad.Compiled()).To(BeFalse())
			Expect(bad.PendingError()).To(ContainSubstring("syntax error"))

			Expect(applicable(reg, "http://a/")).To(Equal([]string{"good.resp"}))
		})

		It("fails on a missing directory and keeps the published state", func() {
			writeScript(dir, "a.resp.echo", 0, "a")
			Expect(reg.LoadAll(ctx)).To(Succeed())

			before := reg.ISTag()
			Expect(os.RemoveAll(dir)).To(Succeed())

			Expect(reg.LoadAll(ctx)).NotTo(Succeed())
			Expect(reg.ISTag()).To(Equal(before))
			Expect(reg.Snapshot().Response).To(HaveLen(1))
		})

		It("records a failed check as pending error", func() {
			engines, _ := script.NewEngines(engine)
			checked := registry.New(registry.Options{
				Dir:     dir,
				Parse:   script.ParseOptions{RequestTag: ".req.", ResponseTag: ".resp.", MaxTimeout: time.Second},
				Engines: engines,
				Check: func(_ context.Context, d *script.Descriptor) error {
					if d.Name == "fails.resp" {
						return errors.New("check failed")
					}

					return nil
				},
			}, zap.NewNop(), metric.NewNop())

			writeScript(dir, "fails.resp.echo", 0, "x")
			writeScript(dir, "passes.resp.echo", 0, "y")

			Expect(checked.LoadAll(ctx)).To(Succeed())

			d, _ := checked.Lookup("fails.resp")
			Expect(d.Compiled()).To(BeFalse())
			Expect(d.PendingError()).To(Equal("check failed"))
		})
	})

	Describe("ReloadChanged", func() {
		BeforeEach(func() {
			writeScript(dir, "a.resp.echo", 0, "a")
			writeScript(dir, "b.resp.echo", 0, "b")
			Expect(reg.LoadAll(ctx)).To(Succeed())
		})

		It("reuses unchanged descriptors", func() {
			before := reg.Snapshot().Response
			compiles := engine.compiles.Load()

			Expect(reg.ReloadChanged(ctx)).To(Succeed())
			Expect(reg.ReloadChanged(ctx)).To(Succeed())

			after := reg.Snapshot().Response
			Expect(engine.compiles.Load()).To(Equal(compiles))
			Expect(after).To(HaveLen(2))
			Expect(after[0]).To(BeIdenticalTo(before[0]))
			Expect(after[1]).To(BeIdenticalTo(before[1]))
			Expect(run(after[0])).To(Equal(run(before[0])))
		})

		It("recompiles changed files and drops deleted ones", func() {
			old, _ := reg.Lookup("a.resp")
			oldProg, _ := old.Program().(*echoProgram)

			writeScript(dir, "a.resp.echo", 0, "a2")
			later := time.Now().Add(time.Second)
			Expect(os.Chtimes(filepath.Join(dir, "a.resp.echo"), later, later)).To(Succeed())
			Expect(os.Remove(filepath.Join(dir, "b.resp.echo"))).To(Succeed())

			Expect(reg.ReloadChanged(ctx)).To(Succeed())

			fresh, ok := reg.Lookup("a.resp")
			Expect(ok).To(BeTrue())
			Expect(fresh).NotTo(BeIdenticalTo(old))
			Expect(run(fresh)).To(Equal("a2"))

			_, ok = reg.Lookup("b.resp")
			Expect(ok).To(BeFalse())

			Expect(oldProg.closed.Load()).To(BeTrue())
		})

		It("keeps a replaced script usable until the message holding it is done", func() {
			held, release := reg.Applicable(message.ModeRespmod, "http://a/", 200)
			Expect(names(held)).To(Equal([]string{"a.resp", "b.resp"}))

			oldProg, _ := held[0].Program().(*echoProgram)

			writeScript(dir, "a.resp.echo", 0, "a2")
			later := time.Now().Add(time.Second)
			Expect(os.Chtimes(filepath.Join(dir, "a.resp.echo"), later, later)).To(Succeed())

			Expect(reg.ReloadChanged(ctx)).To(Succeed())

			Expect(oldProg.closed.Load()).To(BeFalse())
			Expect(run(held[0])).To(Equal("a"))

			fresh, _ := reg.Lookup("a.resp")
			Expect(run(fresh)).To(Equal("a2"))

			release()

			Expect(oldProg.closed.Load()).To(BeTrue())
			Expect(held[0].Compiled()).To(BeFalse())
		})

		It("serves the recompiled script to messages after a reload", func() {
			writeScript(dir, "a.resp.echo", 0, "a2")
			later := time.Now().Add(time.Second)
			Expect(os.Chtimes(filepath.Join(dir, "a.resp.echo"), later, later)).To(Succeed())

			Expect(reg.ReloadChanged(ctx)).To(Succeed())

			list, release := reg.Applicable(message.ModeRespmod, "http://a/", 200)
			defer release()

			Expect(names(list)).To(Equal([]string{"a.resp", "b.resp"}))
			Expect(run(list[0])).To(Equal("a2"))
		})

		It("changes the ISTag on every publish", func() {
			before := reg.ISTag()
			Expect(reg.ReloadChanged(ctx)).To(Succeed())
			Expect(reg.ISTag()).NotTo(Equal(before))
		})

		It("coalesces concurrent triggers", func() {
			var wg sync.WaitGroup

			for range 16 {
				wg.Add(1)

				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					Expect(reg.ReloadChanged(ctx)).To(Succeed())
				}()
			}

			wg.Wait()

			Expect(reg.Snapshot().Response).To(HaveLen(2))
		})
	})

	Describe("operator actions", func() {
		BeforeEach(func() {
			writeScript(dir, "a.resp.echo", 0, "a")
			writeScript(dir, "b.resp.echo", 0, "b")
			writeScript(dir, "c.resp.echo", 0, "c")
			Expect(reg.LoadAll(ctx)).To(Succeed())
		})

		It("reorders after SetOrder with ties in directory order", func() {
			Expect(reg.SetOrder("c.resp", 1)).To(Succeed())
			Expect(names(reg.Snapshot().Response)).To(Equal([]string{"c.resp", "a.resp", "b.resp"}))

			Expect(reg.SetOrder("c.resp", 9999)).To(Succeed())
			Expect(names(reg.Snapshot().Response)).To(Equal([]string{"a.resp", "b.resp", "c.resp"}))
		})

		It("keeps operator changes across reloads of unchanged files", func() {
			Expect(reg.SetEnabled("b.resp", false)).To(Succeed())
			Expect(reg.SetOrder("a.resp", 50)).To(Succeed())

			Expect(reg.ReloadChanged(ctx)).To(Succeed())

			Expect(applicable(reg, "http://x/")).To(Equal([]string{"a.resp", "c.resp"}))
		})

		It("reports unknown scripts", func() {
			Expect(errors.Is(reg.SetEnabled("nope", true), registry.ErrNotFound)).To(BeTrue())
			Expect(errors.Is(reg.SetOrder("nope", 1), registry.ErrNotFound)).To(BeTrue())
		})

		It("finds scripts by file name too", func() {
			d, ok := reg.Lookup("b.resp.echo")
			Expect(ok).To(BeTrue())
			Expect(d.Name).To(Equal("b.resp"))
		})
	})

	Describe("Watch", func() {
		It("picks up new files", func() {
			Expect(reg.LoadAll(ctx)).To(Succeed())

			wctx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)

			go func() { done <- reg.Watch(wctx) }()

			DeferCleanup(func() {
				cancel()
				Eventually(done).Should(Receive(BeNil()))
			})

			// give the watcher time to register
			time.Sleep(50 * time.Millisecond)
			writeScript(dir, "new.resp.echo", 0, "n")

			Eventually(func() bool {
				_, ok := reg.Lookup("new.resp")
				return ok
			}).WithTimeout(3 * time.Second).Should(BeTrue())
		})
	})
})
