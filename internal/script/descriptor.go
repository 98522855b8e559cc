package script

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/starwalkn/ladle/internal/circuitbreaker"
	"github.com/starwalkn/ladle/internal/message"
)

type Rights string

const (
	RightsAdmin Rights = "ADMIN"
	RightsUser  Rights = "USER"
	RightsNone  Rights = "NONE"
)

// DefaultOrder puts scripts without @order after every ordered one.
const DefaultOrder = 9999

// Descriptor is one loaded script file. Header fields are fixed after parsing; the
// enabled flag, order, program and failure state change at runtime.
type Descriptor struct {
	Name        string
	Description string
	Path        string
	ModTime     time.Time
	Size        int64
	Mode        message.Mode
	Rights      Rights
	Engine      string
	Source      string

	Includes      []*regexp.Regexp
	Excludes      []*regexp.Regexp
	ResponseCodes []int
	Timeout       time.Duration

	// Warnings collects header lines that were ignored while parsing.
	Warnings []string

	enabled atomic.Bool
	order   atomic.Int64
	breaker *circuitbreaker.CircuitBreaker

	mu           sync.Mutex
	program      Program
	pendingError string
	refs         int
	retired      bool
}

func (d *Descriptor) Enabled() bool { return d.enabled.Load() }
func (d *Descriptor) Order() int    { return int(d.order.Load()) }

func (d *Descriptor) SetOrder(order int) {
	d.order.Store(int64(order))
}

// SetEnabled flips the operator switch. Enabling also closes a tripped breaker.
func (d *Descriptor) SetEnabled(enabled bool) {
	if enabled {
		d.breaker.Reset()

		d.mu.Lock()
		if d.program != nil {
			d.pendingError = ""
		}
		d.mu.Unlock()
	}

	d.enabled.Store(enabled)
}

func (d *Descriptor) Program() Program {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.program
}

func (d *Descriptor) Compiled() bool {
	return d.Program() != nil
}

// SetProgram installs the compile outcome. A compile error leaves the descriptor without
// a program and keeps the message as pending error.
func (d *Descriptor) SetProgram(p Program, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.program != nil && d.program != p {
		_ = d.program.Close()
	}

	d.program = p
	d.pendingError = ""

	if err != nil {
		d.program = nil
		d.pendingError = err.Error()
	}
}

// Acquire pins the program for one message. It fails once the descriptor is retired.
func (d *Descriptor) Acquire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.retired {
		return false
	}

	d.refs++

	return true
}

// Release undoes Acquire. The last release of a retired descriptor closes its program.
func (d *Descriptor) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.refs > 0 {
		d.refs--
	}

	if d.retired && d.refs == 0 {
		d.closeProgram()
	}
}

// Retire marks a descriptor replaced by a reload. The program stays usable until every
// message that acquired it is done.
func (d *Descriptor) Retire() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.retired = true

	if d.refs == 0 {
		d.closeProgram()
	}
}

// closeProgram must be called with mu held.
func (d *Descriptor) closeProgram() {
	if d.program == nil {
		return
	}

	_ = d.program.Close()
	d.program = nil
}

func (d *Descriptor) PendingError() string {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.pendingError
}

// RecordFailure counts a failed run and disables the script when the breaker opens.
// It reports whether this failure disabled the script.
func (d *Descriptor) RecordFailure(err error) bool {
	if !d.breaker.OnFailure() {
		return false
	}

	d.enabled.Store(false)

	d.mu.Lock()
	d.pendingError = fmt.Sprintf("disabled after %d consecutive errors: %v", d.breaker.Failures(), err)
	d.mu.Unlock()

	return true
}

func (d *Descriptor) RecordSuccess() {
	d.breaker.OnSuccess()
}

func (d *Descriptor) Failures() int {
	return d.breaker.Failures()
}

// MatchURL applies the exclude patterns first, then the includes. No include pattern
// means every URL.
func (d *Descriptor) MatchURL(url string) bool {
	for _, re := range d.Excludes {
		if re.MatchString(url) {
			return false
		}
	}

	if len(d.Includes) == 0 {
		return true
	}

	for _, re := range d.Includes {
		if re.MatchString(url) {
			return true
		}
	}

	return false
}

// MatchStatus reports whether code is in the response code filter. An empty filter or a
// 0 entry accepts every code.
func (d *Descriptor) MatchStatus(code int) bool {
	if len(d.ResponseCodes) == 0 {
		return true
	}

	return slices.Contains(d.ResponseCodes, 0) || slices.Contains(d.ResponseCodes, code)
}

// IsApplicable reports whether the script must run for a message. Disabled and
// uncompiled scripts never apply; the response code only matters in RESPMOD.
func (d *Descriptor) IsApplicable(url string, status int) bool {
	if !d.Enabled() || !d.Compiled() {
		return false
	}

	if d.Mode == message.ModeRespmod && !d.MatchStatus(status) {
		return false
	}

	return d.MatchURL(url)
}

// Status is a point-in-time view for operators.
type Status struct {
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Path          string   `json:"path"`
	Mode          string   `json:"mode"`
	Engine        string   `json:"engine"`
	Rights        string   `json:"rights"`
	Enabled       bool     `json:"enabled"`
	Compiled      bool     `json:"compiled"`
	Order         int      `json:"order"`
	Timeout       string   `json:"timeout"`
	Includes      []string `json:"includes,omitempty"`
	Excludes      []string `json:"excludes,omitempty"`
	ResponseCodes []int    `json:"response_codes,omitempty"`
	Breaker       string   `json:"breaker"`
	Failures      int      `json:"failures"`
	LastFailureAt string   `json:"last_failure_at,omitempty"`
	PendingError  string   `json:"pending_error,omitempty"`
}

func (d *Descriptor) Status() Status {
	s := Status{
		Name:          d.Name,
		Description:   d.Description,
		Path:          d.Path,
		Mode:          d.Mode.String(),
		Engine:        d.Engine,
		Rights:        string(d.Rights),
		Enabled:       d.Enabled(),
		Compiled:      d.Compiled(),
		Order:         d.Order(),
		Timeout:       d.Timeout.String(),
		ResponseCodes: d.ResponseCodes,
		Breaker:       d.breaker.State().String(),
		Failures:      d.Failures(),
		PendingError:  d.PendingError(),
	}

	if at := d.breaker.LastFailureAt(); !at.IsZero() {
		s.LastFailureAt = at.UTC().Format(time.RFC3339)
	}

	for _, re := range d.Includes {
		s.Includes = append(s.Includes, pattern(re))
	}

	for _, re := range d.Excludes {
		s.Excludes = append(s.Excludes, pattern(re))
	}

	return s
}

func compilePattern(p string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?i:` + p + `)$`)
}

func pattern(re *regexp.Regexp) string {
	s := re.String()
	s = strings.TrimPrefix(s, "^(?i:")

	return strings.TrimSuffix(s, ")$")
}
