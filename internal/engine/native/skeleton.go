package native

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
)

// HttpMessage is what a script's Main receives. Scripts see the same method set through
// the alias the skeleton inserts, which keeps the two types identical across the plugin
// boundary.
//
//nolint:revive // name is part of the script API
type HttpMessage = interface {
	URL() string
	SetURL(raw string) error
	Method() string
	Type() string
	StatusCode() int
	RequestHeaders() string
	ResponseHeaders() string
	RequestHeader(name string) string
	ResponseHeader(name string) string
	AddHeader(name, value string)
	DeleteHeader(name string)
	RewriteHeader(name, value string)
	SetHeaders(raw string)
	Body() string
	SetBody(body string)
	Username() string
	Usergroup() string
	CacheGet(key string) (any, bool)
	CachePut(key string, value any)
	CacheDelete(key string)
	Debug(msg string)
}

const aliasDecl = "type HttpMessage = interface {" +
	" URL() string;" +
	" SetURL(raw string) error;" +
	" Method() string;" +
	" Type() string;" +
	" StatusCode() int;" +
	" RequestHeaders() string;" +
	" ResponseHeaders() string;" +
	" RequestHeader(name string) string;" +
	" ResponseHeader(name string) string;" +
	" AddHeader(name, value string);" +
	" DeleteHeader(name string);" +
	" RewriteHeader(name, value string);" +
	" SetHeaders(raw string);" +
	" Body() string;" +
	" SetBody(body string);" +
	" Username() string;" +
	" Usergroup() string;" +
	" CacheGet(key string) (any, bool);" +
	" CachePut(key string, value any);" +
	" CacheDelete(key string);" +
	" Debug(msg string) }"

const entryName = "Main"

var errNoEntry = errors.New("script must define func Main(m HttpMessage)")

// Wrap turns a script into a complete main package. The package clause is added when
// missing and the HttpMessage alias goes on the line of the last import, so compiler
// positions still point at the script's own lines.
func Wrap(name, source string) (string, error) {
	if !hasPackageClause(name, source) {
		source = "package main; " + source
	}

	fset := token.NewFileSet()

	f, err := parser.ParseFile(fset, name, source, parser.ImportsOnly)
	if err != nil {
		return "", err
	}

	if f.Name.Name != "main" {
		return "", fmt.Errorf("%s: package must be main, got %s", name, f.Name.Name)
	}

	insertAt := f.Name.End()

	for _, decl := range f.Decls {
		if gd, ok := decl.(*ast.GenDecl); ok && gd.Tok == token.IMPORT {
			insertAt = gd.End()
		}
	}

	offset := fset.Position(insertAt).Offset
	wrapped := source[:offset] + "; " + aliasDecl + source[offset:]

	if err = checkEntry(name, wrapped); err != nil {
		return "", err
	}

	return wrapped, nil
}

func hasPackageClause(name, source string) bool {
	_, err := parser.ParseFile(token.NewFileSet(), name, source, parser.PackageClauseOnly)
	return err == nil
}

// checkEntry parses the whole file so syntax errors surface before the go tool runs.
func checkEntry(name, source string) error {
	f, err := parser.ParseFile(token.NewFileSet(), name, source, parser.SkipObjectResolution)
	if err != nil {
		return err
	}

	for _, decl := range f.Decls {
		fd, ok := decl.(*ast.FuncDecl)
		if !ok || fd.Recv != nil || fd.Name.Name != entryName {
			continue
		}

		params := fd.Type.Params.List
		if len(params) != 1 || len(params[0].Names) > 1 || fd.Type.Results != nil {
			return errNoEntry
		}

		if id, isIdent := params[0].Type.(*ast.Ident); !isIdent || id.Name != "HttpMessage" {
			return errNoEntry
		}

		return nil
	}

	return errNoEntry
}

// methodNames lists the methods the alias declares.
func methodNames() []string {
	body := strings.TrimSuffix(strings.TrimPrefix(aliasDecl, "type HttpMessage = interface {"), "}")

	var names []string

	for _, m := range strings.Split(body, ";") {
		m = strings.TrimSpace(m)
		if i := strings.IndexByte(m, '('); i > 0 {
			names = append(names, m[:i])
		}
	}

	return names
}
