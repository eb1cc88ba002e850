package vga_test

import (
	"bytes"
	"errors"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"example.com/protoboot/core_engine/vga"
)

// textBuffer returns a blank buffer with s written at row/col in attr.
func textBuffer(row, col int, s string, attr byte) []byte {
	buf := make([]byte, vga.BufferSize)
	for i := 0; i < len(s); i++ {
		off := (row*vga.Cols + col + i) * vga.CellSize
		buf[off] = s[i]
		buf[off+1] = attr
	}
	return buf
}

func TestDecode_Text(t *testing.T) {
	buf := textBuffer(0, 0, "Hello, UART!", 0x0F)
	copy(buf[(2*vga.Cols+4)*2:], []byte{'o', 0x07, 'k', 0x07})
	s, err := vga.Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.Line(0); got != "Hello, UART!" {
		t.Errorf("line 0 = %q", got)
	}
	if got := s.Text(); got != "Hello, UART!\n\n    ok" {
		t.Errorf("text = %q", got)
	}
	c := s.Cell(0, 0)
	if c.Char != 'H' || c.Foreground() != 15 || c.Background() != 0 || c.Blink() {
		t.Errorf("cell = %+v", c)
	}
}

func TestDecode_ShortBuffer(t *testing.T) {
	if _, err := vga.Decode(make([]byte, vga.BufferSize-1)); !errors.Is(err, vga.ErrShortBuffer) {
		t.Errorf("err = %v", err)
	}
}

func TestCell_Attributes(t *testing.T) {
	c := vga.Cell{Char: 0x01, Attr: 0x9E}
	if c.Foreground() != 0xE || c.Background() != 1 || !c.Blink() {
		t.Errorf("fg=%d bg=%d blink=%v", c.Foreground(), c.Background(), c.Blink())
	}
	if c.Rune() != '?' {
		t.Errorf("control character rendered as %q", c.Rune())
	}
}

func TestScreen_WriteANSI(t *testing.T) {
	s, err := vga.Decode(textBuffer(0, 0, "Hi", 0x1E))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := s.WriteANSI(&out); err != nil {
		t.Fatal(err)
	}
	// Yellow on blue, then the blank remainder of the row in grey on black.
	want := "\x1b[0;93;44mHi\x1b[0;30;40m"
	if !strings.HasPrefix(out.String(), want) {
		t.Errorf("ANSI = %q", out.String())
	}
	if strings.Count(out.String(), "\n") != 1 {
		t.Errorf("blank rows written: %q", out.String())
	}
}

func TestScreen_Render(t *testing.T) {
	s, err := vga.Decode(textBuffer(0, 0, "H", 0x1F))
	if err != nil {
		t.Fatal(err)
	}
	img := s.Render()
	b := img.Bounds()
	if b.Dx() != vga.Cols*vga.CellWidth || b.Dy() != vga.Rows*vga.CellHeight {
		t.Fatalf("image is %dx%d", b.Dx(), b.Dy())
	}

	blue := vga.Palette[1]
	if got := color.RGBAModel.Convert(img.At(vga.CellWidth-1, vga.CellHeight-1)); got != blue {
		t.Errorf("cell corner = %v, want background %v", got, blue)
	}
	glyph := 0
	for y := 0; y < vga.CellHeight; y++ {
		for x := 0; x < vga.CellWidth; x++ {
			if color.RGBAModel.Convert(img.At(x, y)) != blue {
				glyph++
			}
		}
	}
	if glyph == 0 {
		t.Error("no glyph pixels drawn for 'H'")
	}
	if got := color.RGBAModel.Convert(img.At(vga.CellWidth+3, 5)); got != vga.Palette[0] {
		t.Errorf("empty cell = %v", got)
	}
}

func TestScreen_WritePNG(t *testing.T) {
	s, err := vga.Decode(textBuffer(12, 30, "protoboot", 0x0A))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := s.WritePNG(&out); err != nil {
		t.Fatal(err)
	}
	cfg, err := png.DecodeConfig(&out)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 640 || cfg.Height != 400 {
		t.Errorf("PNG is %dx%d", cfg.Width, cfg.Height)
	}
}
