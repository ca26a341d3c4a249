package models

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Volume represents a 3D sample array with its voxel-to-physical transform
type Volume struct {
	// Data is the 3D volume data as a 1D array with x varying fastest:
	// index = z*Width*Height + y*Width + x
	Data []float64

	// Width, Height and Depth are the voxel counts along axes 0, 1 and 2
	Width  int
	Height int
	Depth  int

	// Affine maps voxel indices (i, j, k, 1) to physical coordinates in mm.
	// It is 4x4.
	Affine *mat.Dense
}

// NewVolume allocates a zeroed volume with an identity affine.
func NewVolume(width, height, depth int) *Volume {
	return &Volume{
		Data:   make([]float64, width*height*depth),
		Width:  width,
		Height: height,
		Depth:  depth,
		Affine: IdentityAffine(),
	}
}

// IdentityAffine returns a 4x4 identity transform.
func IdentityAffine() *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
}

// DiagonalAffine returns a transform scaling each axis by the given spacing.
func DiagonalAffine(sx, sy, sz float64) *mat.Dense {
	return mat.NewDense(4, 4, []float64{
		sx, 0, 0, 0,
		0, sy, 0, 0,
		0, 0, sz, 0,
		0, 0, 0, 1,
	})
}

// Dims returns the voxel counts per axis.
func (v *Volume) Dims() [3]int {
	return [3]int{v.Width, v.Height, v.Depth}
}

// Validate checks that Data matches the declared dimensions.
func (v *Volume) Validate() error {
	if v.Width <= 0 || v.Height <= 0 || v.Depth <= 0 {
		return fmt.Errorf("invalid volume dimensions %dx%dx%d", v.Width, v.Height, v.Depth)
	}
	if len(v.Data) != v.Width*v.Height*v.Depth {
		return fmt.Errorf("volume data has %d samples, want %d", len(v.Data), v.Width*v.Height*v.Depth)
	}
	if v.Affine != nil {
		if r, c := v.Affine.Dims(); r != 4 || c != 4 {
			return fmt.Errorf("affine must be 4x4, got %dx%d", r, c)
		}
	}
	return nil
}

// Index returns the position of voxel (x, y, z) in Data.
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the sample at voxel (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Spacing returns the physical length of one voxel step along each axis: the
// norm of the affine's first three columns.
func (v *Volume) Spacing() [3]float64 {
	if v.Affine == nil {
		return [3]float64{1, 1, 1}
	}
	var s [3]float64
	col := make([]float64, 4)
	for axis := 0; axis < 3; axis++ {
		mat.Col(col, axis, v.Affine)
		s[axis] = floats.Norm(col[:3], 2)
	}
	return s
}

// MinMax returns the smallest and largest sample in the volume.
func (v *Volume) MinMax() (min, max float64) {
	if len(v.Data) == 0 {
		return 0, 0
	}
	return floats.Min(v.Data), floats.Max(v.Data)
}

// MoveAxisLast returns a copy of the volume in which axis becomes axis 2. The
// remaining axes keep their relative order and the affine columns follow the
// data. Moving axis 2 returns v itself.
func (v *Volume) MoveAxisLast(axis int) *Volume {
	if axis == 2 {
		return v
	}
	// order[n] is the source axis that becomes axis n.
	order := [3]int{0, 1, 2}
	switch axis {
	case 0:
		order = [3]int{1, 2, 0}
	case 1:
		order = [3]int{0, 2, 1}
	}

	src := v.Dims()
	out := &Volume{
		Data:   make([]float64, len(v.Data)),
		Width:  src[order[0]],
		Height: src[order[1]],
		Depth:  src[order[2]],
	}

	var idx [3]int
	for z := 0; z < v.Depth; z++ {
		idx[2] = z
		for y := 0; y < v.Height; y++ {
			idx[1] = y
			for x := 0; x < v.Width; x++ {
				idx[0] = x
				out.Data[out.Index(idx[order[0]], idx[order[1]], idx[order[2]])] = v.Data[v.Index(x, y, z)]
			}
		}
	}

	if v.Affine != nil {
		affine := mat.NewDense(4, 4, nil)
		col := make([]float64, 4)
		for n := 0; n < 3; n++ {
			mat.Col(col, order[n], v.Affine)
			affine.SetCol(n, col)
		}
		mat.Col(col, 3, v.Affine)
		affine.SetCol(3, col)
		out.Affine = affine
	}
	return out
}
