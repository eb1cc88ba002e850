// Package vga decodes the colour text-mode buffer at 0xB8000 and renders it as
// plain text, ANSI-coloured text or a PNG image.
package vga

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"strings"
)

const (
	Cols       = 80
	Rows       = 25
	CellSize   = 2
	BufferSize = Cols * Rows * CellSize
)

var ErrShortBuffer = errors.New("vga: text buffer too short")

// Palette is the default 16-colour text-mode palette.
var Palette = [16]color.RGBA{
	{0x00, 0x00, 0x00, 0xFF}, // black
	{0x00, 0x00, 0xAA, 0xFF}, // blue
	{0x00, 0xAA, 0x00, 0xFF}, // green
	{0x00, 0xAA, 0xAA, 0xFF}, // cyan
	{0xAA, 0x00, 0x00, 0xFF}, // red
	{0xAA, 0x00, 0xAA, 0xFF}, // magenta
	{0xAA, 0x55, 0x00, 0xFF}, // brown
	{0xAA, 0xAA, 0xAA, 0xFF}, // light grey
	{0x55, 0x55, 0x55, 0xFF}, // dark grey
	{0x55, 0x55, 0xFF, 0xFF}, // light blue
	{0x55, 0xFF, 0x55, 0xFF}, // light green
	{0x55, 0xFF, 0xFF, 0xFF}, // light cyan
	{0xFF, 0x55, 0x55, 0xFF}, // light red
	{0xFF, 0x55, 0xFF, 0xFF}, // light magenta
	{0xFF, 0xFF, 0x55, 0xFF}, // yellow
	{0xFF, 0xFF, 0xFF, 0xFF}, // white
}

// Cell is one character position: a code point and its attribute byte.
type Cell struct {
	Char byte
	Attr byte
}

func (c Cell) Foreground() uint8 { return c.Attr & 0x0F }

// Background ignores bit 7, which selects blinking in the default mode.
func (c Cell) Background() uint8 { return (c.Attr >> 4) & 0x07 }

func (c Cell) Blink() bool { return c.Attr&0x80 != 0 }

// Rune maps the code point to something printable. NUL shows as a space and
// anything outside printable ASCII as '?'.
func (c Cell) Rune() rune {
	switch {
	case c.Char == 0:
		return ' '
	case c.Char < 0x20 || c.Char > 0x7E:
		return '?'
	}
	return rune(c.Char)
}

type Screen struct {
	cells [Rows][Cols]Cell
}

// Decode reads a text buffer laid out as the adapter sees it: row-major cells
// of (character, attribute).
func Decode(buf []byte) (*Screen, error) {
	if len(buf) < BufferSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortBuffer, len(buf))
	}
	s := &Screen{}
	for row := 0; row < Rows; row++ {
		for col := 0; col < Cols; col++ {
			i := (row*Cols + col) * CellSize
			s.cells[row][col] = Cell{Char: buf[i], Attr: buf[i+1]}
		}
	}
	return s, nil
}

func (s *Screen) Cell(row, col int) Cell { return s.cells[row][col] }

// Line returns row as text without trailing blanks.
func (s *Screen) Line(row int) string {
	var b strings.Builder
	for _, c := range s.cells[row] {
		b.WriteRune(c.Rune())
	}
	return strings.TrimRight(b.String(), " ")
}

// Text returns the screen as lines, dropping blank rows at the bottom.
func (s *Screen) Text() string {
	lines := make([]string, Rows)
	for row := range lines {
		lines[row] = s.Line(row)
	}
	n := Rows
	for n > 0 && lines[n-1] == "" {
		n--
	}
	return strings.Join(lines[:n], "\n")
}

// ANSI colour numbers in VGA order.
var ansiColor = [8]int{0, 4, 2, 6, 1, 5, 3, 7}

func sgr(attr byte) string {
	fg := attr & 0x0F
	base := 30
	if fg >= 8 {
		base = 90
	}
	return fmt.Sprintf("\x1b[0;%d;%dm", base+ansiColor[fg&7], 40+ansiColor[(attr>>4)&7])
}

// WriteANSI writes the non-blank rows with SGR colour sequences, switching
// colour only where the attribute changes.
func (s *Screen) WriteANSI(w io.Writer) error {
	var b strings.Builder
	n := Rows
	for n > 0 && s.Line(n-1) == "" {
		n--
	}
	for row := 0; row < n; row++ {
		last := -1
		for _, c := range s.cells[row] {
			if int(c.Attr) != last {
				b.WriteString(sgr(c.Attr))
				last = int(c.Attr)
			}
			b.WriteRune(c.Rune())
		}
		b.WriteString("\x1b[0m\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
