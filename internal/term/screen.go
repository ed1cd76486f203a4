// Package term renders console output through a VT emulator so that line
// editing, erase sequences and colors collapse into what a user would see.
package term

import (
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// Screen is an emulated terminal fed by UART output.
type Screen struct {
	emu *vt.SafeEmulator

	mu      sync.Mutex
	onReply func([]byte)

	closeOnce sync.Once
	done      chan struct{}
}

// NewScreen returns a width x height screen.
func NewScreen(width, height int) *Screen {
	emu := vt.NewSafeEmulator(width, height)
	swallowQueries(emu)

	s := &Screen{
		emu:  emu,
		done: make(chan struct{}),
	}
	go s.readReplies()
	return s
}

// swallowQueries keeps the emulator from answering status and attribute
// queries. The replies would otherwise arrive on the UART as typed input and
// land in the firmware's line buffer.
func swallowQueries(emu *vt.SafeEmulator) {
	// DSR: CSI 5 n, CSI 6 n.
	emu.RegisterCsiHandler('n', func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		if !ok {
			return false
		}
		return n == 5 || n == 6
	})
	// Extended cursor position report: CSI ? 6 n.
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), func(params ansi.Params) bool {
		n, _, ok := params.Param(0, 1)
		return ok && n == 6
	})
	// Primary and secondary device attributes.
	emu.RegisterCsiHandler('c', func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), func(params ansi.Params) bool {
		n, _, _ := params.Param(0, 0)
		return n == 0
	})
}

// OnReply sets where the emulator's remaining replies go. Without a callback
// they are discarded.
func (s *Screen) OnReply(fn func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReply = fn
}

// readReplies drains the emulator's input side. The emulator blocks on writes
// until its replies are read, so delivery happens on a separate goroutine:
// the callback may take locks held by whoever is writing to the screen.
func (s *Screen) readReplies() {
	q := make(chan []byte, 64)
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		for b := range q {
			s.mu.Lock()
			fn := s.onReply
			s.mu.Unlock()
			if fn != nil {
				fn(b)
			}
		}
	}()

	defer func() {
		close(q)
		<-delivered
		close(s.done)
	}()
	buf := make([]byte, 4096)
	for {
		n, err := s.emu.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			q <- b
		}
		if err != nil {
			return
		}
	}
}

// Write implements io.Writer.
func (s *Screen) Write(p []byte) (int, error) {
	return s.emu.Write(p)
}

// Close stops the emulator and waits for the reply reader to exit.
func (s *Screen) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.emu.Close()
		<-s.done
	})
	return err
}

// Size returns the screen dimensions in cells.
func (s *Screen) Size() (width, height int) {
	return s.emu.Width(), s.emu.Height()
}

// Cursor returns the cursor column and row.
func (s *Screen) Cursor() (x, y int) {
	pos := s.emu.CursorPosition()
	return pos.X, pos.Y
}

// Lines returns the text of every row with trailing blanks removed. Styles
// are dropped.
func (s *Screen) Lines() []string {
	w, h := s.Size()
	lines := make([]string, h)
	var sb strings.Builder
	for y := 0; y < h; y++ {
		sb.Reset()
		for x := 0; x < w; {
			cell := s.emu.CellAt(x, y)
			if cell == nil || cell.Content == "" {
				sb.WriteByte(' ')
				x++
				continue
			}
			sb.WriteString(cell.Content)
			x += max(cell.Width, 1)
		}
		lines[y] = strings.TrimRight(sb.String(), " ")
	}
	return lines
}

// String returns the screen contents up to the last non-empty row.
func (s *Screen) String() string {
	lines := s.Lines()
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

// Plain strips escape sequences from raw console output.
func Plain(raw string) string {
	return ansi.Strip(raw)
}

// Tee returns a writer that feeds both w and the screen.
func (s *Screen) Tee(w io.Writer) io.Writer {
	return io.MultiWriter(w, s)
}
