package bundle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	NameCwd       = "cwd"
	NameEnv       = "env"
	NameStdio     = "stdio"
	NameStdio2    = "stdio2"
	NameExec      = "exec"
	NameTermProxy = "termproxy"
)

var (
	ErrUnknownSection   = errors.New("unknown bundle section")
	ErrDuplicateSection = errors.New("duplicate bundle section")
	ErrBadArguments     = errors.New("bad section arguments")
)

// Section is one configuration action. The implementations in this package are the only ones.
type Section interface {
	Name() string
	args() []any
}

// Cwd changes the worker's working directory.
type Cwd struct {
	Path string
}

// Env replaces the worker's whole environment.
type Env struct {
	Vars map[string]string
}

// Stdio replaces the worker's standard streams with the given paths, usually /proc/<pid>/fd/N of the client.
type Stdio struct {
	Stdin, Stdout, Stderr string
}

// Stdio2 is like Stdio but the paths are named pipes relayed by the client.
type Stdio2 struct {
	Stdin, Stdout, Stderr string
}

// Exec selects the registered payload the worker runs once the bundle is applied.
type Exec struct {
	Payload string
	Args    []string
}

// TermProxy asks the worker to send terminal attribute queries to the client
// whenever its stdin is not a terminal.
type TermProxy struct{}

func (Cwd) Name() string       { return NameCwd }
func (Env) Name() string       { return NameEnv }
func (Stdio) Name() string     { return NameStdio }
func (Stdio2) Name() string    { return NameStdio2 }
func (Exec) Name() string      { return NameExec }
func (TermProxy) Name() string { return NameTermProxy }

func (s Cwd) args() []any    { return []any{raw(s.Path)} }
func (s Stdio) args() []any  { return []any{raw(s.Stdin), raw(s.Stdout), raw(s.Stderr)} }
func (s Stdio2) args() []any { return []any{raw(s.Stdin), raw(s.Stdout), raw(s.Stderr)} }
func (TermProxy) args() []any {
	return []any{}
}

// Env travels as a sorted list of KEY=VALUE entries.
func (s Env) args() []any {
	entries := make([]raw, 0, len(s.Vars))
	for k, v := range s.Vars {
		entries = append(entries, raw(k+"="+v))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i] < entries[j] })
	return []any{entries}
}

func (s Exec) args() []any {
	if len(s.Args) == 0 {
		return []any{s.Payload}
	}
	args := make([]raw, len(s.Args))
	for i, a := range s.Args {
		args[i] = raw(a)
	}
	return []any{s.Payload, args}
}

// raw carries a string as base64. Paths, environment entries and arguments
// are arbitrary bytes, which a JSON string cannot hold.
type raw string

func (r raw) MarshalJSON() ([]byte, error) {
	return json.Marshal([]byte(r))
}

func (r *raw) UnmarshalJSON(data []byte) error {
	var b []byte
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	*r = raw(b)
	return nil
}

// Bundle is an ordered set of sections with unique names.
type Bundle []Section

// Merge returns a copy of b with sections added. A section whose name is
// already present replaces the old one in place.
func (b Bundle) Merge(sections ...Section) Bundle {
	out := append(Bundle(nil), b...)
	for _, s := range sections {
		if i := out.index(s.Name()); i >= 0 {
			out[i] = s
			continue
		}
		out = append(out, s)
	}
	return out
}

func (b Bundle) Get(name string) (Section, bool) {
	if i := b.index(name); i >= 0 {
		return b[i], true
	}
	return nil, false
}

func (b Bundle) Has(name string) bool {
	return b.index(name) >= 0
}

func (b Bundle) index(name string) int {
	for i, s := range b {
		if s.Name() == name {
			return i
		}
	}
	return -1
}

type encodedSection struct {
	Section string `json:"section"`
	Args    []any  `json:"args"`
}

type wireSection struct {
	Section string            `json:"section"`
	Args    []json.RawMessage `json:"args"`
}

// Encode serializes the bundle. A nil bundle encodes as JSON null.
func (b Bundle) Encode() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	out := make([]encodedSection, 0, len(b))
	seen := map[string]bool{}
	for _, s := range b {
		if seen[s.Name()] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateSection, s.Name())
		}
		seen[s.Name()] = true
		out = append(out, encodedSection{Section: s.Name(), Args: s.args()})
	}
	return json.Marshal(out)
}

func isNull(data []byte) bool {
	data = bytes.TrimSpace(data)
	return len(data) == 0 || bytes.Equal(data, []byte("null"))
}

func parse(data []byte) ([]wireSection, error) {
	if isNull(data) {
		return nil, nil
	}
	var sections []wireSection
	if err := json.Unmarshal(data, &sections); err != nil {
		return nil, fmt.Errorf("decoding bundle: %w", err)
	}
	seen := map[string]bool{}
	for i, s := range sections {
		if s.Section == "" {
			return nil, fmt.Errorf("bundle section %d has no name", i)
		}
		if seen[s.Section] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateSection, s.Section)
		}
		seen[s.Section] = true
	}
	return sections, nil
}

// Validate checks that data is a well-formed bundle without interpreting its sections.
func Validate(data []byte) error {
	_, err := parse(data)
	return err
}

// Decode parses a bundle. Empty input or JSON null yields a nil Bundle.
func Decode(data []byte) (Bundle, error) {
	sections, err := parse(data)
	if err != nil || sections == nil {
		return nil, err
	}
	b := make(Bundle, 0, len(sections))
	for _, w := range sections {
		s, err := w.section()
		if err != nil {
			return nil, err
		}
		b = append(b, s)
	}
	return b, nil
}

func (w wireSection) section() (Section, error) {
	var err error
	switch w.Section {
	case NameCwd:
		var s Cwd
		err = w.decode(1, (*raw)(&s.Path))
		return s, err
	case NameEnv:
		var entries []raw
		if err = w.decode(1, &entries); err != nil {
			return nil, err
		}
		s := Env{Vars: make(map[string]string, len(entries))}
		for _, e := range entries {
			k, v, ok := strings.Cut(string(e), "=")
			if !ok || k == "" {
				return nil, fmt.Errorf("%w: %q entry %q is not KEY=VALUE", ErrBadArguments, w.Section, e)
			}
			s.Vars[k] = v
		}
		return s, nil
	case NameStdio:
		var s Stdio
		err = w.decode(3, (*raw)(&s.Stdin), (*raw)(&s.Stdout), (*raw)(&s.Stderr))
		return s, err
	case NameStdio2:
		var s Stdio2
		err = w.decode(3, (*raw)(&s.Stdin), (*raw)(&s.Stdout), (*raw)(&s.Stderr))
		return s, err
	case NameExec:
		var s Exec
		var args []raw
		err = w.decode(1, &s.Payload, &args)
		for _, a := range args {
			s.Args = append(s.Args, string(a))
		}
		return s, err
	case NameTermProxy:
		err = w.decode(0)
		return TermProxy{}, err
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSection, w.Section)
}

// decode unmarshals the positional arguments into dst; the first min are required.
func (w wireSection) decode(min int, dst ...any) error {
	if len(w.Args) < min || len(w.Args) > len(dst) {
		return fmt.Errorf("%w: %q takes %d to %d arguments, got %d", ErrBadArguments, w.Section, min, len(dst), len(w.Args))
	}
	for i, raw := range w.Args {
		if err := json.Unmarshal(raw, dst[i]); err != nil {
			return fmt.Errorf("%w: %q argument %d: %s", ErrBadArguments, w.Section, i, err)
		}
	}
	return nil
}
