package ladle

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http/httputil"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/starwalkn/ladle/internal/icap"
	"github.com/starwalkn/ladle/internal/message"
	"github.com/starwalkn/ladle/internal/metric"
	"github.com/starwalkn/ladle/internal/sandbox"
)

const (
	htmlPage   = "<html><body>hello</body></html>"
	testReqHdr = "GET http://example.com/index.html HTTP/1.1\r\nHost: example.com\r\n\r\n"
)

func htmlResHdr(extra ...string) string {
	h := "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: " + strconv.Itoa(len(htmlPage)) + "\r\n"
	for _, e := range extra {
		h += e + "\r\n"
	}

	return h + "\r\n"
}

// newTestService loads a configuration pointing at a fresh scripts directory holding
// scripts (file name to source).
func newTestService(t *testing.T, scripts map[string]string, mutate func(*Config)) *Service {
	t.Helper()

	dir := t.TempDir()
	scriptsDir := filepath.Join(dir, "scripts")

	if err := os.Mkdir(scriptsDir, 0o755); err != nil {
		t.Fatalf("cannot create scripts dir: %v", err)
	}

	for name, src := range scripts {
		if err := os.WriteFile(filepath.Join(scriptsDir, name), []byte(src), 0o600); err != nil {
			t.Fatalf("cannot write script: %v", err)
		}
	}

	cfgFile := filepath.Join(dir, "ladle.yaml")
	yml := fmt.Sprintf("config_version: v1\nscripts:\n  dir: %s\n  watch: false\n", scriptsDir)

	if err := os.WriteFile(cfgFile, []byte(yml), 0o600); err != nil {
		t.Fatalf("cannot write config: %v", err)
	}

	cfg, err := LoadConfig(cfgFile)
	if err != nil {
		t.Fatalf("unexpected config error: %v", err)
	}

	if mutate != nil {
		mutate(&cfg)
	}

	svc, err := New(cfg, zap.NewNop(), metric.NewNop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err = svc.Load(context.Background()); err != nil {
		t.Fatalf("cannot load scripts: %v", err)
	}

	return svc
}

// encapsulate builds a client request. A nil body is sent as null-body.
func encapsulate(method, service, reqHdr, resHdr string, body []byte, fields ...string) string {
	var (
		enc []string
		off int
	)

	if reqHdr != "" {
		enc = append(enc, "req-hdr=0")
		off = len(reqHdr)
	}

	if resHdr != "" {
		enc = append(enc, fmt.Sprintf("res-hdr=%d", off))
		off += len(resHdr)
	}

	bodyTag := "res-body"
	if method == "REQMOD" {
		bodyTag = "req-body"
	}

	if body == nil {
		bodyTag = "null-body"
	}

	enc = append(enc, fmt.Sprintf("%s=%d", bodyTag, off))

	var b bytes.Buffer

	b.WriteString(method + " icap://localhost/" + service + " ICAP/1.0\r\nHost: localhost\r\n")

	for _, f := range fields {
		b.WriteString(f + "\r\n")
	}

	b.WriteString("Encapsulated: " + strings.Join(enc, ", ") + "\r\n\r\n")
	b.WriteString(reqHdr)
	b.WriteString(resHdr)

	if body != nil {
		if len(body) > 0 {
			fmt.Fprintf(&b, "%x\r\n%s\r\n", len(body), body)
		}

		b.WriteString("0\r\n\r\n")
	}

	return b.String()
}

type icapResponse struct {
	status int
	header textproto.MIMEHeader
	http   string
	body   []byte
}

func serve(t *testing.T, svc *Service, raw string) icapResponse {
	t.Helper()

	req, err := icap.ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}

	var out bytes.Buffer

	bw := bufio.NewWriter(&out)
	rw := icap.NewResponseWriter(bw, svc.ISTag(), "ladle-test", req.KeepAlive())
	req.SetContinue(rw.WriteContinue)

	svc.ServeICAP(context.Background(), rw, req)

	if err = bw.Flush(); err != nil {
		t.Fatalf("cannot flush: %v", err)
	}

	return parseResponse(t, out.Bytes())
}

func parseResponse(t *testing.T, raw []byte) icapResponse {
	t.Helper()

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))

	line, err := tp.ReadLine()
	if err != nil {
		t.Fatalf("cannot read status line: %v", err)
	}

	f := strings.Fields(line)
	if len(f) < 2 {
		t.Fatalf("malformed status line %q", line)
	}

	status, _ := strconv.Atoi(f[1])

	h, err := tp.ReadMIMEHeader()
	if err != nil {
		t.Fatalf("cannot read header: %v", err)
	}

	resp := icapResponse{status: status, header: h}

	enc := h.Get("Encapsulated")
	if enc == "" || strings.HasPrefix(enc, "null-body=") {
		return resp
	}

	rest, _ := io.ReadAll(tp.R)

	bodyAt := len(rest)

	for _, part := range strings.Split(enc, ",") {
		name, off, _ := strings.Cut(strings.TrimSpace(part), "=")
		n, _ := strconv.Atoi(off)

		if strings.HasSuffix(name, "-body") {
			bodyAt = n
		}
	}

	resp.http = string(rest[:bodyAt])

	if strings.Contains(enc, "null-body") {
		return resp
	}

	resp.body, err = io.ReadAll(httputil.NewChunkedReader(bytes.NewReader(rest[bodyAt:])))
	if err != nil {
		t.Fatalf("cannot read chunked body: %v", err)
	}

	return resp
}

const h1Script = `httpresponse = httpresponse.replace("<body>", "<body><h1>hi</h1>", 1)`

func TestService_RespmodInsertsContent(t *testing.T) {
	g := NewWithT(t)

	svc := newTestService(t, map[string]string{"h1.resp.star": h1Script}, nil)

	resp := serve(t, svc, encapsulate("RESPMOD", "respmod", testReqHdr, htmlResHdr(), []byte(htmlPage), "Allow: 204"))

	want := "<html><body><h1>hi</h1>hello</body></html>"

	g.Expect(resp.status).To(Equal(icap.StatusOK))
	g.Expect(resp.header.Get("ISTag")).To(Equal(`"` + svc.ISTag() + `"`))
	g.Expect(string(resp.body)).To(Equal(want))
	g.Expect(resp.http).To(HavePrefix("HTTP/1.1 200 OK\r\n"))
	g.Expect(resp.http).To(ContainSubstring("Content-Length: " + strconv.Itoa(len(want)) + "\r\n"))
	g.Expect(resp.http).To(ContainSubstring("Content-Type: text/html; charset=utf-8\r\n"))
}

func TestService_RespmodUnchanged(t *testing.T) {
	svc := newTestService(t, map[string]string{"noop.resp.star": "x = 1\n"}, nil)

	t.Run("allow 204", func(t *testing.T) {
		resp := serve(t, svc, encapsulate("RESPMOD", "respmod", testReqHdr, htmlResHdr(), []byte(htmlPage), "Allow: 204"))
		if resp.status != icap.StatusNoContent {
			t.Fatalf("expected 204, got %d", resp.status)
		}
	})

	t.Run("echo", func(t *testing.T) {
		resp := serve(t, svc, encapsulate("RESPMOD", "respmod", testReqHdr, htmlResHdr(), []byte(htmlPage)))
		if resp.status != icap.StatusOK {
			t.Fatalf("expected 200, got %d", resp.status)
		}

		if string(resp.body) != htmlPage {
			t.Fatalf("expected the original body, got %q", resp.body)
		}
	})
}

func TestService_RespmodUnsupportedType(t *testing.T) {
	svc := newTestService(t, map[string]string{"h1.resp.star": h1Script}, nil)

	resHdr := "HTTP/1.1 200 OK\r\nContent-Type: image/png\r\n\r\n"
	resp := serve(t, svc, encapsulate("RESPMOD", "respmod", testReqHdr, resHdr, []byte("\x89PNG\r\n\x1a\n"), "Allow: 204"))

	if resp.status != icap.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.status)
	}
}

func TestService_RespmodHeaderOnlyChange(t *testing.T) {
	g := NewWithT(t)

	src := `responseheader = responseheader.replace("\r\n\r\n", "\r\nX-Adapted: yes\r\n\r\n", 1)`
	svc := newTestService(t, map[string]string{"hdr.resp.star": src}, nil)

	resp := serve(t, svc, encapsulate("RESPMOD", "respmod", testReqHdr, htmlResHdr(), []byte(htmlPage), "Allow: 204"))

	g.Expect(resp.status).To(Equal(icap.StatusOK))
	g.Expect(resp.http).To(ContainSubstring("X-Adapted: yes\r\n"))
	g.Expect(string(resp.body)).To(Equal(htmlPage))
}

func TestService_RespmodGzip(t *testing.T) {
	g := NewWithT(t)

	var zipped bytes.Buffer

	zw := gzip.NewWriter(&zipped)
	_, _ = zw.Write([]byte(htmlPage))
	g.Expect(zw.Close()).To(Succeed())

	resHdr := "HTTP/1.1 200 OK\r\nContent-Type: text/html; charset=utf-8\r\nContent-Encoding: gzip\r\nContent-Length: " +
		strconv.Itoa(zipped.Len()) + "\r\n\r\n"

	svc := newTestService(t, map[string]string{"h1.resp.star": h1Script}, nil)
	resp := serve(t, svc, encapsulate("RESPMOD", "respmod", testReqHdr, resHdr, zipped.Bytes(), "Allow: 204"))

	g.Expect(resp.status).To(Equal(icap.StatusOK))
	g.Expect(resp.http).To(ContainSubstring("Content-Encoding: gzip\r\n"))
	g.Expect(resp.http).To(ContainSubstring("Content-Length: " + strconv.Itoa(len(resp.body)) + "\r\n"))

	zr, err := gzip.NewReader(bytes.NewReader(resp.body))
	g.Expect(err).NotTo(HaveOccurred())

	plain, err := io.ReadAll(zr)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(string(plain)).To(Equal("<html><body><h1>hi</h1>hello</body></html>"))
}

func TestService_ScriptsRunInOrder(t *testing.T) {
	scripts := map[string]string{
		"first.resp.star":  "# ==ServerScript==\n# @order 1\n# ==/ServerScript==\nhttpresponse = httpresponse + \"1\"\n",
		"second.resp.star": "# ==ServerScript==\n# @order 2\n# ==/ServerScript==\nhttpresponse = httpresponse + \"2\"\n",
	}

	svc := newTestService(t, scripts, nil)
	resp := serve(t, svc, encapsulate("RESPMOD", "respmod", testReqHdr, htmlResHdr(), []byte(htmlPage)))

	if string(resp.body) != htmlPage+"12" {
		t.Fatalf("expected %q, got %q", htmlPage+"12", resp.body)
	}
}

func TestService_ReqmodWithoutScripts(t *testing.T) {
	svc := newTestService(t, map[string]string{"h1.resp.star": h1Script}, nil)

	resp := serve(t, svc, encapsulate("REQMOD", "reqmod", testReqHdr, "", nil, "Allow: 204"))
	if resp.status != icap.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.status)
	}

	resp = serve(t, svc, encapsulate("REQMOD", "reqmod", testReqHdr, "", nil))
	if resp.status != icap.StatusOK {
		t.Fatalf("expected 200, got %d", resp.status)
	}

	if !strings.HasPrefix(resp.http, "GET http://example.com/index.html HTTP/1.1\r\n") {
		t.Fatalf("expected the request header echoed, got %q", resp.http)
	}
}

func TestService_ReqmodBody(t *testing.T) {
	g := NewWithT(t)

	svc := newTestService(t, map[string]string{"form.req.star": `httprequest = httprequest + "&b=2"`}, nil)

	reqHdr := "POST http://example.com/form HTTP/1.1\r\nHost: example.com\r\n" +
		"Content-Type: application/x-www-form-urlencoded\r\nContent-Length: 3\r\n\r\n"

	resp := serve(t, svc, encapsulate("REQMOD", "reqmod", reqHdr, "", []byte("a=1"), "Allow: 204"))

	g.Expect(resp.status).To(Equal(icap.StatusOK))
	g.Expect(string(resp.body)).To(Equal("a=1&b=2"))
	g.Expect(resp.http).To(ContainSubstring("Content-Length: 7\r\n"))
	g.Expect(resp.header.Get("Encapsulated")).To(HavePrefix("req-hdr=0, req-body="))
}

func TestService_FailingScriptIsDisabled(t *testing.T) {
	g := NewWithT(t)

	svc := newTestService(t, map[string]string{"bad.resp.star": `fail("boom")`}, func(cfg *Config) {
		cfg.Scripts.ErrorThreshold = 1
	})

	for range 2 {
		resp := serve(t, svc, encapsulate("RESPMOD", "respmod", testReqHdr, htmlResHdr(), []byte(htmlPage), "Allow: 204"))
		g.Expect(resp.status).To(Equal(icap.StatusNoContent))
	}

	d, ok := svc.Registry().Lookup("bad.resp")
	g.Expect(ok).To(BeTrue())
	g.Expect(d.Enabled()).To(BeFalse())

	resp := serve(t, svc, encapsulate("RESPMOD", "respmod", testReqHdr, htmlResHdr(), []byte(htmlPage), "Allow: 204"))
	g.Expect(resp.status).To(Equal(icap.StatusNoContent))
}

func TestService_ChainAbort(t *testing.T) {
	g := NewWithT(t)

	svc := newTestService(t, map[string]string{"bad.resp.star": `fail("boom")`}, func(cfg *Config) {
		cfg.Scripts.BypassOnError = false
	})

	resp := serve(t, svc, encapsulate("RESPMOD", "respmod", testReqHdr, htmlResHdr(), []byte(htmlPage), "Allow: 204"))

	g.Expect(resp.status).To(Equal(icap.StatusServiceTimeout))
	g.Expect(resp.header.Get("Connection")).To(Equal("keep-alive"))
}

func TestService_Options(t *testing.T) {
	g := NewWithT(t)

	svc := newTestService(t, nil, nil)

	resp := serve(t, svc, "OPTIONS icap://localhost/respmod ICAP/1.0\r\nHost: localhost\r\n\r\n")

	g.Expect(resp.status).To(Equal(icap.StatusOK))
	g.Expect(resp.header.Get("Methods")).To(Equal("RESPMOD"))
	g.Expect(resp.header.Get("ISTag")).To(Equal(`"` + svc.ISTag() + `"`))
	g.Expect(resp.header.Get("Preview")).To(Equal("4096"))
	g.Expect(resp.header.Get("Options-TTL")).To(Equal("300"))

	resp = serve(t, svc, "OPTIONS icap://localhost/ladle ICAP/1.0\r\nHost: localhost\r\n\r\n")
	g.Expect(resp.header.Get("Methods")).To(Equal("REQMOD, RESPMOD"))
}

func TestService_ReloadKeepsRunningChain(t *testing.T) {
	g := NewWithT(t)
	ctx := context.Background()

	svc := newTestService(t, map[string]string{"tag.resp.star": `httpresponse = httpresponse + "-tagged"`}, nil)

	scripts, release := svc.Registry().Applicable(message.ModeRespmod, "http://localhost/", 200)
	defer release()

	g.Expect(scripts).To(HaveLen(1))

	path := filepath.Join(svc.cfg.Scripts.Dir, "tag.resp.star")
	g.Expect(os.WriteFile(path, []byte(`httpresponse = httpresponse + "-retagged"`), 0o600)).To(Succeed())

	later := time.Now().Add(time.Second)
	g.Expect(os.Chtimes(path, later, later)).To(Succeed())
	g.Expect(svc.Registry().ReloadChanged(ctx)).To(Succeed())

	tx := &transaction{mode: message.ModeRespmod}

	out, err := svc.applyScripts(ctx, scripts, sandbox.Synthetic(message.ModeRespmod), "body", tx)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(out).To(Equal("body-tagged"))
	g.Expect(tx.scripts).To(HaveLen(1))

	resp := serve(t, svc, encapsulate("RESPMOD", "respmod", testReqHdr, htmlResHdr(), []byte(htmlPage)))
	g.Expect(string(resp.body)).To(Equal(htmlPage + "-retagged"))
}
