package renderinfo

import (
	"github.com/gomlx/devicebroker/devrt"
	"github.com/x448/float16"
)

// Matrix4 is a 4x4 matrix of float32 in row-major order: element (row, col) is at row*4+col.
type Matrix4 [16]float32

// Identity returns the 4x4 identity matrix.
func Identity() Matrix4 {
	return Matrix4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// At returns element (row, col).
func (m *Matrix4) At(row, col int) float32 {
	return m[row*4+col]
}

// Resolution of the rendered image, in pixels.
type Resolution struct {
	X, Y int
}

// Renderer is the view the volume is rendered into.
type Renderer interface {
	// Size of the viewport in pixels.
	Size() (width, height int)

	// Origin of the viewport in its window, in pixels.
	Origin() (x, y int)

	// ZBuffer returns the depth values of the window rectangle [x1, x2] x [y1, y2] (inclusive),
	// row by row.
	ZBuffer(x1, y1, x2, y2 int) ([]float32, error)
}

// Plane is a clipping plane in world coordinates.
type Plane struct {
	Normal, Origin [3]float32
}

// PlaneCollection is a set of clipping planes with a modification time, so that the derived
// voxel-space planes are only recomputed when it changes.
type PlaneCollection interface {
	// ModifiedTime increases every time the collection changes.
	ModifiedTime() uint64

	// Planes in the collection.
	Planes() []Plane
}

// Planes is a simple PlaneCollection. Use Set to change the planes, so MTime is bumped.
type Planes struct {
	List  []Plane
	MTime uint64
}

// ModifiedTime implements PlaneCollection.
func (p *Planes) ModifiedTime() uint64 { return p.MTime }

// Planes implements PlaneCollection.
func (p *Planes) Planes() []Plane { return p.List }

// Set replaces the planes and bumps the modification time.
func (p *Planes) Set(planes ...Plane) {
	p.List = planes
	p.MTime++
}

// ZBuffer is the depth buffer of the viewport handed to a ZBufferLoader. Exactly one of
// Depth or DepthHalf is set, depending on the handler's configuration.
type ZBuffer struct {
	Width, Height int
	Depth         []float32
	DepthHalf     []float16.Float16
}

// ZBufferLoader uploads z-buffers to the device, where the ray caster reads them.
//
// Both methods are called with the device of the handler's stream pinned as the active device.
type ZBufferLoader interface {
	LoadZBuffer(zBuffer *ZBuffer, stream devrt.NativeStream) error
	UnloadZBuffer(stream devrt.NativeStream) error
}
