package console

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/hifive/internal/heap"
	"github.com/tinyrange/hifive/internal/regs"
)

// fakeUART is a register bus with a capturing transmitter and a queued
// receiver. Every other register is plain memory.
type fakeUART struct {
	words   map[uint64]uint32
	tx      bytes.Buffer
	rx      []byte
	txBusy  int // polls reporting "full" before each accepted byte
	txPolls int
}

func newFakeUART() *fakeUART {
	return &fakeUART{words: make(map[uint64]uint32)}
}

func (f *fakeUART) Read32(addr uint64) (uint32, error) {
	switch regs.Reg(addr) {
	case regs.UART0TxData:
		f.txPolls++
		if f.txBusy > 0 {
			f.txBusy--
			return regs.UARTTxFull, nil
		}
		return 0, nil
	case regs.UART0RxData:
		if len(f.rx) == 0 {
			return regs.UARTRxEmpty, nil
		}
		c := f.rx[0]
		f.rx = f.rx[1:]
		return uint32(c), nil
	}
	return f.words[addr], nil
}

func (f *fakeUART) Write32(addr uint64, value uint32) error {
	if regs.Reg(addr) == regs.UART0TxData {
		f.tx.WriteByte(byte(value))
		return nil
	}
	f.words[addr] = value
	return nil
}

func (f *fakeUART) Read64(addr uint64) (uint64, error) {
	return 0, fmt.Errorf("no 64-bit registers")
}

func (f *fakeUART) Write64(addr uint64, value uint64) error {
	return fmt.Errorf("no 64-bit registers")
}

func newTransport(t *testing.T, cfg Config) (*Transport, *fakeUART) {
	t.Helper()
	u := newFakeUART()
	return New(regs.New(u, nil), cfg), u
}

func feed(tr *Transport, s string) {
	for i := 0; i < len(s); i++ {
		tr.Receive(s[i])
	}
}

func TestInitProgramsUART(t *testing.T) {
	tr, u := newTransport(t, Config{})
	tr.Init()

	if got := u.words[uint64(regs.UART0TxCtrl)]; got&regs.UARTTxEnable == 0 {
		t.Fatalf("txctrl = 0x%x", got)
	}
	if got := u.words[uint64(regs.UART0RxCtrl)]; got != regs.UARTRxEnable {
		t.Fatalf("rxctrl = 0x%x, want enable with zero watermark", got)
	}
	if got := u.words[uint64(regs.UART0IE)]; got != regs.UARTIERxWM {
		t.Fatalf("ie = 0x%x", got)
	}
	if got := u.words[uint64(regs.GPIOIOFEn)]; got != regs.Bit(16)|regs.Bit(17) {
		t.Fatalf("iof_en = 0x%x", got)
	}
}

func TestPutCharTranslatesNewline(t *testing.T) {
	tr, u := newTransport(t, Config{})
	tr.PutString("a\nb")
	tr.PutLine("c")
	if got := u.tx.String(); got != "a\r\nbc\r\n" {
		t.Fatalf("tx = %q", got)
	}
}

func TestPutCharWaitsWhileFull(t *testing.T) {
	tr, u := newTransport(t, Config{})
	u.txBusy = 3
	tr.PutChar('x')
	if u.txPolls != 4 {
		t.Fatalf("polled txdata %d times, want 4", u.txPolls)
	}
	if u.tx.String() != "x" {
		t.Fatalf("tx = %q", u.tx.String())
	}
}

func TestReceiveLineIsReadable(t *testing.T) {
	tr, u := newTransport(t, Config{})
	feed(tr, "hello\r")

	if got := u.tx.String(); got != "hello\r\n" {
		t.Fatalf("echo = %q", got)
	}
	buf := make([]byte, 64)
	n := tr.ReadLine(buf)
	if string(buf[:n]) != "hello" {
		t.Fatalf("ReadLine = %q", buf[:n])
	}
	if _, ok := tr.TryReadLine(buf); ok {
		t.Fatalf("line delivered twice")
	}
}

func TestLinesReadInOrder(t *testing.T) {
	tr, _ := newTransport(t, Config{RingSize: 64})
	lines := []string{"one", "two", "", "three"}
	for _, l := range lines {
		feed(tr, l+"\r")
	}
	buf := make([]byte, 16)
	for _, want := range lines {
		n, ok := tr.TryReadLine(buf)
		if !ok {
			t.Fatalf("missing line %q", want)
		}
		if string(buf[:n]) != want {
			t.Fatalf("got %q, want %q", buf[:n], want)
		}
	}
	if !tr.Ring().Empty() {
		t.Fatalf("ring not empty after reading every line")
	}
}

func TestBackspaceEditing(t *testing.T) {
	tr, u := newTransport(t, Config{})
	feed(tr, "\b") // no-op on an empty line
	feed(tr, "helo\x7flp\b\r")

	buf := make([]byte, 16)
	n, ok := tr.TryReadLine(buf)
	if !ok || string(buf[:n]) != "hell" {
		t.Fatalf("line = %q, %v", buf[:n], ok)
	}
	want := "helo\b \blp\b \b\r\n"
	if got := u.tx.String(); got != want {
		t.Fatalf("echo = %q, want %q", got, want)
	}
}

func TestControlCharactersAlert(t *testing.T) {
	tr, u := newTransport(t, Config{})
	feed(tr, "a\x01\x1bb\r")

	buf := make([]byte, 16)
	n, _ := tr.TryReadLine(buf)
	if string(buf[:n]) != "ab" {
		t.Fatalf("line = %q", buf[:n])
	}
	if got := u.tx.String(); got != "a\a\ab\r\n" {
		t.Fatalf("echo = %q", got)
	}
	if tr.Stats().Alerts != 2 {
		t.Fatalf("alerts = %d", tr.Stats().Alerts)
	}
}

func TestCRLFIsOneLine(t *testing.T) {
	tr, u := newTransport(t, Config{})
	feed(tr, "a\r\nb\r\n")

	buf := make([]byte, 16)
	var got []string
	for {
		n, ok := tr.TryReadLine(buf)
		if !ok {
			break
		}
		got = append(got, string(buf[:n]))
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("lines = %q, want [a b]", got)
	}
	if tr.Stats().LinesQueued != 2 {
		t.Fatalf("queued = %d", tr.Stats().LinesQueued)
	}
	// The stray LFs are alerted and dropped, not added to the next line.
	if tr.Stats().Alerts != 2 || len(tr.Pending()) != 0 {
		t.Fatalf("alerts = %d, pending = %q", tr.Stats().Alerts, tr.Pending())
	}
	if want := "a\r\n\ab\r\n\a"; u.tx.String() != want {
		t.Fatalf("echo = %q, want %q", u.tx.String(), want)
	}
}

func TestFullLineBufferRejectsBytes(t *testing.T) {
	tr, u := newTransport(t, Config{LineSize: 4})
	feed(tr, "abcdef\r")

	buf := make([]byte, 16)
	n, _ := tr.TryReadLine(buf)
	if string(buf[:n]) != "abcd" {
		t.Fatalf("line = %q", buf[:n])
	}
	if got := u.tx.String(); got != "abcd\a\a\r\n" {
		t.Fatalf("echo = %q", got)
	}
	if tr.Stats().BytesRejected != 2 {
		t.Fatalf("bytes rejected = %d", tr.Stats().BytesRejected)
	}
}

func TestRingFullRejectsAndPreservesLine(t *testing.T) {
	// Capacity 8 leaves 7 usable bytes.
	tr, u := newTransport(t, Config{RingSize: 8})
	feed(tr, "abcd\r") // 5 bytes used, 2 free
	if tr.Stats().LinesQueued != 1 {
		t.Fatalf("first line not queued")
	}

	if !tr.WouldReject(2) {
		t.Fatalf("2-byte line should not fit in 2 free bytes")
	}
	if tr.WouldReject(1) {
		t.Fatalf("1-byte line should fit in 2 free bytes")
	}

	u.tx.Reset()
	feed(tr, "xy\r")
	if got := u.tx.String(); got != "xy\a" {
		t.Fatalf("echo = %q, want bell on rejected line", got)
	}
	if string(tr.Pending()) != "xy" {
		t.Fatalf("pending line = %q, want preserved", tr.Pending())
	}
	if tr.Stats().LinesRejected != 1 {
		t.Fatalf("rejected = %d", tr.Stats().LinesRejected)
	}

	buf := make([]byte, 8)
	n, _ := tr.TryReadLine(buf)
	if string(buf[:n]) != "abcd" {
		t.Fatalf("first line = %q", buf[:n])
	}

	// Retry succeeds once the reader has made room.
	feed(tr, "\r")
	n, ok := tr.TryReadLine(buf)
	if !ok || string(buf[:n]) != "xy" {
		t.Fatalf("retried line = %q, %v", buf[:n], ok)
	}
	if len(tr.Pending()) != 0 {
		t.Fatalf("line buffer not reset after submit")
	}
}

func TestRingWrapsAround(t *testing.T) {
	tr, _ := newTransport(t, Config{RingSize: 10})
	buf := make([]byte, 16)
	for i := 0; i < 50; i++ {
		want := strings.Repeat(string(rune('a'+i%26)), 1+i%6)
		feed(tr, want+"\r")
		n, ok := tr.TryReadLine(buf)
		if !ok || string(buf[:n]) != want {
			t.Fatalf("iteration %d: got %q, %v want %q", i, buf[:n], ok, want)
		}
	}
}

func TestReadLineTruncates(t *testing.T) {
	tr, _ := newTransport(t, Config{})
	feed(tr, "abcdefgh\rnext\r")

	buf := make([]byte, 3)
	if n := tr.ReadLine(buf); string(buf[:n]) != "abc" {
		t.Fatalf("truncated read = %q", buf[:n])
	}
	buf = make([]byte, 8)
	if n := tr.ReadLine(buf); string(buf[:n]) != "next" {
		t.Fatalf("following line = %q", buf[:n])
	}
}

func TestReadLineSpinsUntilInterruptDeliversLine(t *testing.T) {
	tr, u := newTransport(t, Config{})
	spins := 0
	tr.SetRelax(func() {
		spins++
		if spins == 3 {
			// The receive interrupt fires while the reader waits.
			u.rx = append(u.rx, []byte("late\r")...)
			tr.HandleInterrupt(regs.PLICSourceUART0)
		}
	})

	buf := make([]byte, 16)
	n := tr.ReadLine(buf)
	if string(buf[:n]) != "late" {
		t.Fatalf("ReadLine = %q", buf[:n])
	}
	if spins != 3 {
		t.Fatalf("spun %d times", spins)
	}
}

func TestHandleInterruptDrainsFIFO(t *testing.T) {
	tr, u := newTransport(t, Config{})
	u.rx = []byte("ls\rpwd\r")
	tr.HandleInterrupt(regs.PLICSourceUART0)
	if len(u.rx) != 0 {
		t.Fatalf("FIFO not drained: %q", u.rx)
	}
	if tr.Stats().LinesQueued != 2 {
		t.Fatalf("queued = %d", tr.Stats().LinesQueued)
	}
}

func TestPrintfUsesHeap(t *testing.T) {
	tr, u := newTransport(t, Config{})
	h, err := heap.New(256)
	if err != nil {
		t.Fatal(err)
	}
	tr.SetHeap(h)

	before, _ := h.Stats()
	tr.Printf("pin %d fired\n", 23)
	if got := u.tx.String(); got != "pin 23 fired\r\n" {
		t.Fatalf("tx = %q", got)
	}
	after, _ := h.Stats()
	if after != before {
		t.Fatalf("heap not restored after Printf: %v -> %v", before, after)
	}

	// A message larger than the arena is still delivered.
	u.tx.Reset()
	long := strings.Repeat("z", 400)
	tr.Printf("%s", long)
	if u.tx.String() != long {
		t.Fatalf("long message truncated to %d bytes", u.tx.Len())
	}
}

func TestTransportBacksSlog(t *testing.T) {
	tr, u := newTransport(t, Config{})
	log := slog.New(slog.NewTextHandler(tr, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	}))
	log.Warn("phantom GPIO interrupt", "pin", 23)
	if got := u.tx.String(); got != "level=WARN msg=\"phantom GPIO interrupt\" pin=23\r\n" {
		t.Fatalf("tx = %q", got)
	}
}
