// Package renderinfo manages the per-renderer information a volume ray caster needs on the
// device: output resolution, gradient shading constants, view-to-voxels transform, clipping
// planes in voxel space and the renderer's z-buffer.
//
// Each Handler is a client of the device broker: it owns one device and one stream, acquired
// when it is created and released by Handler.Close.
package renderinfo

import (
	"runtime"

	"github.com/chewxy/math32"
	"github.com/gomlx/devicebroker/broker"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

const (
	// NumClippingPlanes is the number of clipping planes supported: a collection with any other
	// number of planes disables clipping.
	NumClippingPlanes = 6

	// DefaultDarkness is the gradient shading darkness of new handlers.
	DefaultDarkness = float32(0.605)
)

// Info is the information uploaded to the ray caster.
type Info struct {
	ActualResolution Resolution

	// GradientShadeScale and GradientShadeShift map the gradient shading term to
	// scale*shade + shift.
	GradientShadeScale, GradientShadeShift float32

	// ViewToVoxels maps normalized pixel positions directly to voxel coordinates, see
	// Handler.SetViewToVoxelsMatrix.
	ViewToVoxels Matrix4

	// NumClippingPlanes is either 0 or NumClippingPlanes.
	NumClippingPlanes int

	// ClippingPlanes in voxel coordinates, as (a, b, c, d) with a*x + b*y + c*z + d = 0.
	ClippingPlanes [NumClippingPlanes][4]float32
}

// Config is created with New, and is a "builder pattern" to configure a Handler.
//
// Once finished call Config.Done to acquire the device and stream and get back the Handler.
type Config struct {
	broker *broker.Broker
	device int
	stream broker.Stream
	loader ZBufferLoader
	half   bool
	used   bool
}

// New starts the configuration of a Handler that renders on device, using the broker b.
func New(b *broker.Broker, device int) *Config {
	return &Config{broker: b, device: device}
}

// WithStream makes the Handler share an existing stream, which must be bound to the same device,
// instead of creating its own.
//
// It panics if called more than once.
func (c *Config) WithStream(stream broker.Stream) *Config {
	if c.stream != broker.NoStream {
		exceptions.Panicf("renderinfo.Config.WithStream called more than once")
	}
	c.stream = stream
	return c
}

// WithZBufferLoader sets the loader used to upload z-buffers to the device. Without one,
// Handler.LoadZBuffer only fetches the z-buffer from the renderer.
func (c *Config) WithZBufferLoader(loader ZBufferLoader) *Config {
	c.loader = loader
	return c
}

// WithHalfPrecisionZBuffer makes the z-buffer be converted to float16 before it's uploaded.
func (c *Config) WithHalfPrecisionZBuffer() *Config {
	c.half = true
	return c
}

// Done acquires the device and the stream and returns the configured Handler.
// The Config can't be used again afterwards.
func (c *Config) Done() (*Handler, error) {
	if c.used {
		return nil, errors.New("renderinfo.Config.Done called more than once, call renderinfo.New() again")
	}
	c.used = true
	if c.broker == nil {
		return nil, errors.New("renderinfo.New() requires a device broker")
	}

	owner := broker.NewOwner()
	if err := c.broker.AcquireDevice(owner, c.device); err != nil {
		return nil, errors.WithMessagef(err, "renderinfo: acquiring device %d", c.device)
	}
	stream, err := c.broker.AcquireStream(owner, c.device, c.stream)
	if err != nil {
		if releaseErr := c.broker.ReleaseDevice(owner, c.device); releaseErr != nil {
			klog.Errorf("renderinfo: failed to release device %d: %+v", c.device, releaseErr)
		}
		return nil, errors.WithMessagef(err, "renderinfo: acquiring a stream on device %d", c.device)
	}
	h := &Handler{
		broker: c.broker,
		owner:  owner,
		device: c.device,
		stream: stream,
		loader: c.loader,
		half:   c.half,
	}
	h.worldToVoxels = Identity()
	h.voxelsToWorld = Identity()
	h.info.ViewToVoxels = Identity()
	if err := h.SetGradientShadingConstants(DefaultDarkness); err != nil {
		return nil, err
	}
	klog.V(1).Infof("renderinfo: %s created on device %d, %s", owner, c.device, stream)
	return h, nil
}

// Handler holds the rendering information of one renderer. It is not safe for concurrent use.
type Handler struct {
	broker *broker.Broker
	owner  broker.Owner
	device int
	stream broker.Stream
	loader ZBufferLoader
	half   bool

	renderer      Renderer
	info          Info
	worldToVoxels Matrix4
	voxelsToWorld Matrix4

	// clipModified is the modification time of the planes the clipping planes were last computed from.
	clipModified uint64
	zBuffer      *ZBuffer
	closed       bool
}

// Info returns a copy of the current rendering information.
func (h *Handler) Info() Info { return h.info }

// Owner returns the broker owner identity of the handler.
func (h *Handler) Owner() broker.Owner { return h.owner }

// Device the handler renders on.
func (h *Handler) Device() int { return h.device }

// Stream the handler issues its device work on.
func (h *Handler) Stream() broker.Stream { return h.stream }

// Renderer returns the current renderer, or nil.
func (h *Handler) Renderer() Renderer { return h.renderer }

// ZBuffer returns the last z-buffer loaded, or nil.
func (h *Handler) ZBuffer() *ZBuffer { return h.zBuffer }

// SetRenderer sets the renderer and updates the resolution from it.
func (h *Handler) SetRenderer(r Renderer) {
	h.renderer = r
	h.Update()
}

// Update refreshes the actual resolution from the renderer's size.
func (h *Handler) Update() {
	if h.renderer == nil {
		return
	}
	h.info.ActualResolution.X, h.info.ActualResolution.Y = h.renderer.Size()
}

// SetGradientShadingConstants sets the shading darkness, which must be in [0, 1].
// Out of range values are rejected and the constants left unchanged.
func (h *Handler) SetGradientShadingConstants(darkness float32) error {
	if math32.IsNaN(darkness) || darkness < 0 || darkness > 1 {
		return errors.Errorf("gradient shading darkness must be in [0, 1], got %g", darkness)
	}
	h.info.GradientShadeScale = darkness
	h.info.GradientShadeShift = 1 - darkness
	return nil
}

// SetViewToVoxelsMatrix sets the view-to-voxels transform. The normalization of pixel
// coordinates by the resolution is folded into the matrix, so the ray caster can apply it
// directly to (x/resX, y/resY):
//
//	m[r][3] += m[r][0] - m[r][1]
//	m[r][0] *= -2
//	m[r][1] *= 2
func (h *Handler) SetViewToVoxelsMatrix(m Matrix4) {
	for row := range 4 {
		base := row * 4
		m[base+3] += m[base] - m[base+1]
		m[base] *= -2
		m[base+1] *= 2
	}
	h.info.ViewToVoxels = m
}

// SetWorldToVoxelsMatrix sets the world-to-voxels transform, used for the clipping planes' origins.
// The clipping planes are recomputed on the next SetClippingPlanes.
func (h *Handler) SetWorldToVoxelsMatrix(m Matrix4) {
	h.clipModified = 0
	h.worldToVoxels = m
}

// SetVoxelsToWorldMatrix sets the voxels-to-world transform, used for the clipping planes' normals.
// The clipping planes are recomputed on the next SetClippingPlanes.
func (h *Handler) SetVoxelsToWorldMatrix(m Matrix4) {
	h.clipModified = 0
	h.voxelsToWorld = m
}

// SetClippingPlanes converts the planes to voxel coordinates, if they changed since the last call.
// A nil collection is ignored.
func (h *Handler) SetClippingPlanes(planes PlaneCollection) {
	if planes == nil || planes.ModifiedTime() < h.clipModified {
		return
	}
	h.clipModified = planes.ModifiedTime()
	h.info.NumClippingPlanes, h.info.ClippingPlanes = h.voxelPlanes(planes.Planes())
}

// voxelPlanes converts world planes to voxel planes: normals are transformed by the transpose of
// the voxels-to-world matrix and origins by the world-to-voxels matrix.
func (h *Handler) voxelPlanes(planes []Plane) (n int, voxelPlanes [NumClippingPlanes][4]float32) {
	if len(planes) != NumClippingPlanes {
		return
	}
	v2w, w2v := &h.voxelsToWorld, &h.worldToVoxels
	for i, plane := range planes {
		normal, origin := plane.Normal, plane.Origin
		var p [4]float32
		for col := range 3 {
			p[col] = normal[0]*v2w.At(0, col) + normal[1]*v2w.At(1, col) + normal[2]*v2w.At(2, col)
		}
		var o [4]float32
		for row := range 4 {
			o[row] = origin[0]*w2v.At(row, 0) + origin[1]*w2v.At(row, 1) + origin[2]*w2v.At(row, 2) + w2v.At(row, 3)
		}
		if o[3] != 1 {
			o[0] /= o[3]
			o[1] /= o[3]
			o[2] /= o[3]
		}
		p[3] = -(p[0]*o[0] + p[1]*o[1] + p[2]*o[2])
		voxelPlanes[i] = p
	}
	return NumClippingPlanes, voxelPlanes
}

// LoadZBuffer fetches the renderer's depth buffer for its viewport and uploads it to the device.
//
// Non-finite depths (which some drivers return for cleared pixels) are replaced by 1, the far plane.
func (h *Handler) LoadZBuffer() error {
	if h.closed {
		return errors.New("renderinfo: LoadZBuffer on a closed handler")
	}
	if h.renderer == nil {
		return errors.New("renderinfo: LoadZBuffer requires a renderer, see SetRenderer")
	}
	width, height := h.info.ActualResolution.X, h.info.ActualResolution.Y
	x1, y1 := h.renderer.Origin()
	x2, y2 := x1+width-1, y1+height-1
	depth, err := h.renderer.ZBuffer(x1, y1, x2, y2)
	if err != nil {
		return errors.WithMessagef(err, "renderinfo: reading z-buffer (%d, %d)-(%d, %d)", x1, y1, x2, y2)
	}
	if len(depth) != width*height {
		return errors.Errorf("renderinfo: renderer returned %d depth values for a %dx%d viewport", len(depth), width, height)
	}
	for i, d := range depth {
		if math32.IsNaN(d) || math32.IsInf(d, 0) {
			depth[i] = 1
		}
	}
	zBuffer := &ZBuffer{Width: width, Height: height}
	if h.half {
		zBuffer.DepthHalf = make([]float16.Float16, len(depth))
		for i, d := range depth {
			zBuffer.DepthHalf[i] = float16.Fromfloat32(d)
		}
	} else {
		zBuffer.Depth = depth
	}
	h.zBuffer = zBuffer
	if h.loader == nil {
		return nil
	}
	return h.onPinnedDevice(func() error {
		native, err := h.broker.NativeStream(h.stream)
		if err != nil {
			return err
		}
		return h.loader.LoadZBuffer(zBuffer, native)
	})
}

// Deinitialize unloads the z-buffer from the device.
func (h *Handler) Deinitialize() error {
	if h.closed {
		return nil
	}
	h.zBuffer = nil
	if h.loader == nil {
		return nil
	}
	return h.onPinnedDevice(func() error {
		native, err := h.broker.NativeStream(h.stream)
		if err != nil {
			return err
		}
		return h.loader.UnloadZBuffer(native)
	})
}

// onPinnedDevice runs fn with the handler's device pinned as the active device of the thread.
func (h *Handler) onPinnedDevice(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := h.broker.PinActiveDevice(h.stream); err != nil {
		return errors.WithMessagef(err, "renderinfo: reserving device %d", h.device)
	}
	return fn()
}

// Close releases the handler's stream and device. It is safe to call more than once.
func (h *Handler) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.zBuffer = nil
	streamErr := h.broker.ReleaseStream(h.owner, h.stream, h.device)
	deviceErr := h.broker.ReleaseDevice(h.owner, h.device)
	if streamErr != nil {
		return errors.WithMessagef(streamErr, "renderinfo: releasing %s", h.stream)
	}
	if deviceErr != nil {
		return errors.WithMessagef(deviceErr, "renderinfo: releasing device %d", h.device)
	}
	return nil
}
