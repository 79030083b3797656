// Package tty carries terminal attributes between processes and applies them to local descriptors.
package tty

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Attrs is the wire form of a termios structure.
type Attrs struct {
	Iflag  uint32 `json:"iflag"`
	Oflag  uint32 `json:"oflag"`
	Cflag  uint32 `json:"cflag"`
	Lflag  uint32 `json:"lflag"`
	Line   uint8  `json:"line"`
	Cc     []byte `json:"cc"`
	Ispeed uint32 `json:"ispeed"`
	Ospeed uint32 `json:"ospeed"`
}

// When selects when a change of attributes takes effect, as with tcsetattr(3).
type When int

const (
	Now   When = iota // TCSANOW
	Drain             // TCSADRAIN
	Flush             // TCSAFLUSH
)

func (w When) request() (uint, error) {
	switch w {
	case Now:
		return unix.TCSETS, nil
	case Drain:
		return unix.TCSETSW, nil
	case Flush:
		return unix.TCSETSF, nil
	}
	return 0, fmt.Errorf("unknown tcsetattr action %d", int(w))
}

func FromTermios(t *unix.Termios) Attrs {
	return Attrs{
		Iflag:  t.Iflag,
		Oflag:  t.Oflag,
		Cflag:  t.Cflag,
		Lflag:  t.Lflag,
		Line:   t.Line,
		Cc:     append([]byte(nil), t.Cc[:]...),
		Ispeed: t.Ispeed,
		Ospeed: t.Ospeed,
	}
}

func (a Attrs) Termios() *unix.Termios {
	t := &unix.Termios{
		Iflag:  a.Iflag,
		Oflag:  a.Oflag,
		Cflag:  a.Cflag,
		Lflag:  a.Lflag,
		Line:   a.Line,
		Ispeed: a.Ispeed,
		Ospeed: a.Ospeed,
	}
	copy(t.Cc[:], a.Cc)
	return t
}

// Get reads the attributes of the terminal open on fd.
func Get(fd int) (Attrs, error) {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return Attrs{}, fmt.Errorf("tcgetattr on fd %d: %w", fd, err)
	}
	return FromTermios(t), nil
}

// Set applies attributes to the terminal open on fd.
func Set(fd int, when When, a Attrs) error {
	req, err := when.request()
	if err != nil {
		return err
	}
	if err := unix.IoctlSetTermios(fd, req, a.Termios()); err != nil {
		return fmt.Errorf("tcsetattr on fd %d: %w", fd, err)
	}
	return nil
}

func IsTerminal(fd int) bool {
	return term.IsTerminal(fd)
}

// Device reads and writes the attributes of one terminal.
type Device interface {
	GetAttr() (Attrs, error)
	SetAttr(when When, a Attrs) error
}

// FD is a Device backed by an already open descriptor.
type FD int

func (fd FD) GetAttr() (Attrs, error)          { return Get(int(fd)) }
func (fd FD) SetAttr(when When, a Attrs) error { return Set(int(fd), when, a) }

// File is a Device that owns its descriptor.
type File struct {
	*os.File
}

// Open opens the controlling terminal of the calling process.
func Open() (*File, error) {
	f, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening controlling terminal: %w", err)
	}
	return &File{File: f}, nil
}

func (f *File) GetAttr() (Attrs, error)          { return Get(int(f.Fd())) }
func (f *File) SetAttr(when When, a Attrs) error { return Set(int(f.Fd()), when, a) }
