package trigger

import "time"

// Directories under which contexts are stored.
const (
	DirStatic  = "static"
	DirDynamic = "dynamic"
)

// Context is the mutable scheduling state of one task.
//
// Zero times mean "never". A zero Period marks a one-shot task.
// Version is the store-native revision observed when the context was read.
type Context struct {
	Name string `json:"-"`

	LastScheduled  time.Time     `json:"last_scheduled,omitempty"`
	LastActual     time.Time     `json:"last_actual,omitempty"`
	LastCompletion time.Time     `json:"last_completion,omitempty"`
	Period         time.Duration `json:"period,omitempty"`

	Bean      string `json:"bean,omitempty"`
	Arg       []byte `json:"arg,omitempty"`
	Cancelled bool   `json:"cancelled,omitempty"`

	Version int64 `json:"-"`
}

// Dynamic reports whether the context carries its own executable reference.
func (c *Context) Dynamic() bool { return c != nil && c.Bean != "" }

// Dir returns the store directory the context belongs to.
func (c *Context) Dir() string {
	if c.Dynamic() {
		return DirDynamic
	}
	return DirStatic
}

func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	cp := *c
	if c.Arg != nil {
		cp.Arg = append([]byte(nil), c.Arg...)
	}
	return &cp
}

// DirFor maps the dynamic flag to a store directory.
func DirFor(dynamic bool) string {
	if dynamic {
		return DirDynamic
	}
	return DirStatic
}
