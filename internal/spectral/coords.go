package spectral

import "fmt"

// Shape is the raster geometry of a slice. Pixels are numbered row-major:
// pixel p sits at row p / Cols, column p % Cols.
type Shape struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// Pixels returns the number of pixels in the raster.
func (s Shape) Pixels() int {
	return s.Rows * s.Cols
}

// ToCoordinate maps a pixel index to its (row, col) position.
func (s Shape) ToCoordinate(pixel int) (row, col int, err error) {
	if pixel < 0 || pixel >= s.Pixels() {
		return 0, 0, fmt.Errorf("%w: pixel %d not in [0, %d)", ErrPixelOutOfBounds, pixel, s.Pixels())
	}
	return pixel / s.Cols, pixel % s.Cols, nil
}

// ToPixel is the inverse of ToCoordinate.
func (s Shape) ToPixel(row, col int) (int, error) {
	if row < 0 || row >= s.Rows || col < 0 || col >= s.Cols {
		return 0, fmt.Errorf("%w: (%d, %d) not in %dx%d", ErrPixelOutOfBounds, row, col, s.Rows, s.Cols)
	}
	return row*s.Cols + col, nil
}
