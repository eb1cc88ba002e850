package vga

import (
	"image"
	"io"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

// Character cell size in pixels. The 7x13 face sits in the top left of each
// cell, leaving the same gaps an 8x16 adapter font does.
const (
	CellWidth  = 8
	CellHeight = 16
	glyphTop   = 2
)

func (s *Screen) draw() *gg.Context {
	face := basicfont.Face7x13
	dc := gg.NewContext(Cols*CellWidth, Rows*CellHeight)
	dc.SetFontFace(face)
	for row := 0; row < Rows; row++ {
		for col := 0; col < Cols; col++ {
			c := s.cells[row][col]
			x, y := float64(col*CellWidth), float64(row*CellHeight)
			dc.SetColor(Palette[c.Background()])
			dc.DrawRectangle(x, y, CellWidth, CellHeight)
			dc.Fill()
			if r := c.Rune(); r != ' ' {
				dc.SetColor(Palette[c.Foreground()])
				dc.DrawString(string(r), x, y+glyphTop+float64(face.Ascent))
			}
		}
	}
	return dc
}

// Render draws the screen at one pixel per font dot.
func (s *Screen) Render() image.Image {
	return s.draw().Image()
}

func (s *Screen) WritePNG(w io.Writer) error {
	return s.draw().EncodePNG(w)
}

func (s *Screen) SavePNG(path string) error {
	return s.draw().SavePNG(path)
}
