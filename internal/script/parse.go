package script

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/starwalkn/ladle/internal/circuitbreaker"
	"github.com/starwalkn/ladle/internal/message"
)

const (
	headerStart  = "==ServerScript=="
	headerEnd    = "==/ServerScript=="
	rightsPrefix = "#rights="
)

// ParseOptions carry the server-wide values a descriptor depends on.
type ParseOptions struct {
	RequestTag     string
	ResponseTag    string
	MaxTimeout     time.Duration
	ErrorThreshold int
}

// ModeOf derives the adaptation mode from the file name tag.
func ModeOf(path string, opts ParseOptions) message.Mode {
	base := strings.ToLower(filepath.Base(path))

	switch {
	case opts.RequestTag != "" && strings.Contains(base, strings.ToLower(opts.RequestTag)):
		return message.ModeReqmod
	case opts.ResponseTag != "" && strings.Contains(base, strings.ToLower(opts.ResponseTag)):
		return message.ModeRespmod
	default:
		return message.ModeUnknown
	}
}

// ParseFile reads and parses one script file.
func ParseFile(path string, opts ParseOptions) (*Descriptor, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	d, err := Parse(path, string(src), opts)
	if err != nil {
		return nil, err
	}

	d.ModTime = info.ModTime()
	d.Size = info.Size()

	return d, nil
}

// Parse builds a descriptor from the source of the script stored at path. It fails only
// when the mode cannot be derived from the file name; bad header values become warnings.
//
//nolint:gocognit,funlen // one branch per directive
func Parse(path, src string, opts ParseOptions) (*Descriptor, error) {
	mode := ModeOf(path, opts)
	if mode == message.ModeUnknown {
		return nil, fmt.Errorf("%s: file name carries neither %q nor %q", path, opts.RequestTag, opts.ResponseTag)
	}

	d := &Descriptor{
		Name:    strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Path:    path,
		Mode:    mode,
		Rights:  RightsAdmin,
		Timeout: opts.MaxTimeout,
		breaker: circuitbreaker.New(opts.ErrorThreshold),
	}

	d.enabled.Store(true)
	d.order.Store(DefaultOrder)

	if first, rest, _ := strings.Cut(src, "\n"); strings.HasPrefix(strings.TrimSpace(first), rightsPrefix) {
		d.Rights = parseRights(strings.TrimPrefix(strings.TrimSpace(first), rightsPrefix))
		src = rest
	}

	d.Source = src

	inHeader := false

	for _, line := range strings.Split(src, "\n") {
		line = strings.TrimRight(line, "\r")

		switch {
		case strings.Contains(line, headerEnd):
			inHeader = false
			continue
		case strings.Contains(line, headerStart):
			inHeader = true
			continue
		case !inHeader:
			continue
		}

		at := strings.IndexByte(line, '@')
		if at < 0 {
			continue
		}

		key, value, _ := strings.Cut(strings.TrimSpace(line[at+1:]), " ")
		value = strings.TrimSpace(value)

		switch strings.ToLower(key) {
		case "name":
			if value != "" {
				d.Name = value
			}
		case "description":
			d.Description = value
		case "status":
			d.enabled.Store(!strings.EqualFold(value, "off"))
		case "include", "exclude":
			if value == "" {
				continue
			}

			re, err := compilePattern(value)
			if err != nil {
				d.Warnings = append(d.Warnings, fmt.Sprintf("invalid @%s pattern %q: %v", key, value, err))
				continue
			}

			if strings.EqualFold(key, "include") {
				d.Includes = append(d.Includes, re)
			} else {
				d.Excludes = append(d.Excludes, re)
			}
		case "order":
			order, err := strconv.Atoi(value)
			if err != nil {
				d.Warnings = append(d.Warnings, fmt.Sprintf("invalid @order %q", value))
				continue
			}

			d.order.Store(int64(order))
		case "responsecode":
			d.ResponseCodes = d.parseResponseCodes(value)
		case "timeout":
			ms, err := strconv.Atoi(value)
			if err != nil {
				d.Warnings = append(d.Warnings, fmt.Sprintf("invalid @timeout %q", value))
				continue
			}

			d.Timeout = capTimeout(time.Duration(ms)*time.Millisecond, opts.MaxTimeout)
		}
	}

	return d, nil
}

func (d *Descriptor) parseResponseCodes(value string) []int {
	var codes []int

	for _, f := range strings.Fields(value) {
		if f == "*" || f == "0" {
			return nil
		}

		code, err := strconv.Atoi(f)
		if err != nil {
			d.Warnings = append(d.Warnings, fmt.Sprintf("invalid @responsecode %q", f))
			continue
		}

		codes = append(codes, code)
	}

	return codes
}

// capTimeout bounds a script timeout by the server maximum; non-positive values take the
// maximum.
func capTimeout(t, limit time.Duration) time.Duration {
	if limit <= 0 {
		return t
	}

	if t <= 0 || t > limit {
		return limit
	}

	return t
}

func parseRights(v string) Rights {
	switch r := Rights(strings.ToUpper(strings.TrimSpace(v))); r {
	case RightsAdmin, RightsUser, RightsNone:
		return r
	default:
		return RightsAdmin
	}
}
