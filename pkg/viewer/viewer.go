// Package viewer ties the decoder, slicer, windowing, playback and session
// cache together into the single-volume viewing workflow that UI event
// handlers drive.
//
// A Viewer holds at most one volume. Loading a file replaces it wholesale,
// stops playback and rewinds to the first slice. The volume is written
// through to the session cache on a best-effort basis; cache failures are
// published as events and never fail the load.
package viewer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/DmitriyVTitov/size"
	"github.com/coocood/freecache"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"niftiview/pkg/events"
	"niftiview/pkg/nifti"
	"niftiview/pkg/playback"
	"niftiview/pkg/schedule"
	"niftiview/pkg/session"
	"niftiview/pkg/visualization"
	"niftiview/pkg/volume"
	"niftiview/pkg/windowing"
)

var (
	// ErrUnsupportedFile is returned by LoadFile for names that are not
	// .nii or .nii.gz. Nothing is decoded in that case.
	ErrUnsupportedFile = errors.New("unsupported file type: choose a .nii or .nii.gz file")

	// ErrNoVolume is returned by operations that need a loaded volume.
	ErrNoVolume = errors.New("no volume loaded")
)

const (
	// minFrameCache is the smallest frame cache freecache accepts.
	minFrameCache = 512 * 1024

	// freecache refuses entries larger than 1/1024 of the cache, header
	// included, so frames are stored as chunks no larger than that.
	frameEntryHeader = 24
	frameKeyLen      = 24
	maxFrameChunks   = math.MaxUint16
)

// Options configures a Viewer. Every field is optional.
type Options struct {
	// Scheduler drives playback ticks; defaults to schedule.Ticker.
	Scheduler schedule.Scheduler

	// Cache persists the loaded volume across restarts. Nil disables it.
	Cache *session.Cache

	// Bus receives viewer events. Nil disables publishing.
	Bus *events.Bus

	Logger *zap.Logger

	// Period is the default cine period; defaults to playback.DefaultPeriod.
	Period time.Duration

	// Plane is the plane shown first; defaults to axial.
	Plane volume.Plane

	// Window is the initial window; nil means auto min/max.
	Window *windowing.Setting

	// FrameCacheBytes bounds memoised rendered frames. Zero disables
	// memoisation.
	FrameCacheBytes int

	// Rescale maps stored values through the header's scl_slope and
	// scl_inter before windowing.
	Rescale bool
}

// Loaded is the payload of VolumeLoaded and VolumeRestored events.
type Loaded struct {
	Filename string
	Dims     [3]int
	Datatype volume.Datatype
}

// Viewer is the stateful surface behind the UI.
type Viewer struct {
	cache  *session.Cache
	bus    *events.Bus
	logger *zap.Logger
	period  time.Duration
	rescale bool
	play    *playback.Controller

	mu       sync.Mutex
	vol      *volume.Volume
	window   *windowing.Setting
	sliceBuf []float64

	frames       *freecache.Cache
	frameChunk   int
	frameHits    int64
	frameLookups int64
}

// New returns an empty viewer.
func New(opts Options) *Viewer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = schedule.Ticker{}
	}
	period := opts.Period
	if period <= 0 {
		period = playback.DefaultPeriod
	}

	v := &Viewer{
		cache:   opts.Cache,
		bus:     opts.Bus,
		logger:  logger,
		period:  period,
		rescale: opts.Rescale,
		play:    playback.NewController(sched, logger.Named("playback")),
	}
	if opts.Window != nil {
		w := *opts.Window
		v.window = &w
	}
	if opts.FrameCacheBytes > 0 {
		n := opts.FrameCacheBytes
		if n < minFrameCache {
			n = minFrameCache
		}
		v.frames = freecache.NewCache(n)
		v.frameChunk = n/1024 - frameEntryHeader - frameKeyLen
		logger.Debug("frame cache enabled",
			zap.String("size", humanize.IBytes(uint64(n))),
			zap.String("chunk", humanize.IBytes(uint64(v.frameChunk))))
	}
	if v.cache != nil {
		v.cache.OnError = func(err error) { v.bus.Publish(events.CacheFailed, err) }
	}
	if opts.Plane.Valid() && opts.Plane != volume.Axial {
		v.play.SetPlane(opts.Plane)
	}
	v.play.OnChange(func(s playback.State) { v.bus.Publish(events.SliceChanged, s) })
	return v
}

// IsSupportedName reports whether name has a .nii or .nii.gz extension, and
// whether it is gzip-compressed.
func IsSupportedName(name string) (supported, compressed bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".nii.gz"):
		return true, true
	case strings.HasSuffix(lower, ".nii"):
		return true, false
	}
	return false, false
}

// LoadFile decodes data, read from the file called name, and makes it the
// current volume. Decode failures are returned unchanged and leave the
// previous volume in place.
func (v *Viewer) LoadFile(name string, data []byte) error {
	ok, compressed := IsSupportedName(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedFile, name)
	}
	vol, err := nifti.DecodeNamed(name, data, compressed)
	if err != nil {
		v.logger.Info("rejected volume", zap.String("filename", name), zap.Error(err))
		return err
	}

	v.install(vol)
	if v.cache != nil {
		v.cache.Save(vol)
	}
	v.bus.Publish(events.VolumeLoaded, loadedPayload(vol))
	return nil
}

// Restore reloads the volume saved by a previous session. It reports whether
// one was found; the viewer stays empty otherwise.
func (v *Viewer) Restore() bool {
	if v.cache == nil {
		return false
	}
	vol := v.cache.Load()
	if vol == nil {
		return false
	}
	v.install(vol)
	v.bus.Publish(events.VolumeRestored, loadedPayload(vol))
	return true
}

func loadedPayload(vol *volume.Volume) Loaded {
	return Loaded{Filename: vol.Filename, Dims: vol.Header.Dims, Datatype: vol.Header.Datatype}
}

// install replaces the current volume and resets playback to its first slice.
func (v *Viewer) install(vol *volume.Volume) {
	// Rewind first so the index is valid for both the old and new volume.
	st := v.play.State()
	v.play.SwitchPlane(st.Plane, vol.SliceCount(st.Plane))

	v.mu.Lock()
	v.vol = vol
	v.sliceBuf = nil
	v.clearFrames()
	v.mu.Unlock()

	v.logger.Info("volume ready",
		zap.String("filename", vol.Filename),
		zap.Ints("dims", vol.Header.Dims[:]),
		zap.Stringer("datatype", vol.Header.Datatype),
		zap.Stringer("orientation", vol.Header.Orientation),
		zap.String("memory", humanize.IBytes(uint64(size.Of(vol)))))
}

// Volume returns the current volume, or nil.
func (v *Viewer) Volume() *volume.Volume {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.vol
}

func (v *Viewer) sliceCount(p volume.Plane) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.vol == nil {
		return 0, ErrNoVolume
	}
	return v.vol.SliceCount(p), nil
}

// State returns the playback state: plane, index and whether cine is running.
func (v *Viewer) State() playback.State {
	return v.play.State()
}

// SetPlane stops playback and shows the first slice of plane.
func (v *Viewer) SetPlane(p volume.Plane) error {
	if !p.Valid() {
		return &volume.RangeError{Op: "plane", Detail: fmt.Sprintf("unknown plane %d", int(p))}
	}
	n, err := v.sliceCount(p)
	if err != nil {
		v.play.SetPlane(p)
		return nil
	}
	v.play.SwitchPlane(p, n)
	return nil
}

// Seek jumps to slice index, clamped to the current plane.
func (v *Viewer) Seek(index int) int {
	return v.play.Seek(index)
}

// Step moves delta slices, wrapping at either end.
func (v *Viewer) Step(delta int) int {
	return v.play.Step(delta)
}

// Play starts cine playback on the current plane. A non-positive period
// selects the configured default.
func (v *Viewer) Play(period time.Duration) error {
	if period <= 0 {
		period = v.period
	}
	st := v.play.State()
	n, err := v.sliceCount(st.Plane)
	if err != nil {
		return err
	}
	return v.play.Start(st.Plane, n, period)
}

// Pause stops cine playback, keeping the current slice.
func (v *Viewer) Pause() {
	v.play.Stop()
}

// SetWindow selects an explicit window.
func (v *Viewer) SetWindow(center, width float64) error {
	s := windowing.Setting{Center: center, Width: width}
	if err := s.Validate(); err != nil {
		return err
	}
	v.mu.Lock()
	v.window = &s
	v.mu.Unlock()
	return nil
}

// SetPreset selects a named window such as "bone" or "soft tissue".
func (v *Viewer) SetPreset(name string) error {
	s, err := windowing.ParsePreset(name)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.window = &s
	v.mu.Unlock()
	return nil
}

// SetAutoWindow switches to per-slice min/max normalisation.
func (v *Viewer) SetAutoWindow() {
	v.mu.Lock()
	v.window = nil
	v.mu.Unlock()
}

// Window returns the active window, or nil in auto mode.
func (v *Viewer) Window() *windowing.Setting {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.window == nil {
		return nil
	}
	w := *v.window
	return &w
}

// frameKey identifies a rendered frame of the current volume.
type frameKey struct {
	plane  volume.Plane
	index  int
	window *windowing.Setting
}

// Bytes returns the freecache key of the given chunk of the frame.
func (k frameKey) Bytes(chunk int) []byte {
	b := make([]byte, frameKeyLen)
	b[0] = byte(k.plane)
	binary.LittleEndian.PutUint32(b[1:5], uint32(k.index))
	if k.window != nil {
		b[5] = 1
		binary.LittleEndian.PutUint64(b[6:14], math.Float64bits(k.window.Center))
		binary.LittleEndian.PutUint64(b[14:22], math.Float64bits(k.window.Width))
	}
	binary.LittleEndian.PutUint16(b[22:24], uint16(chunk))
	return b
}

func (v *Viewer) chunks(n int) int {
	return (n + v.frameChunk - 1) / v.frameChunk
}

// loadFrame reassembles a memoised frame of n pixels. Any evicted chunk makes
// the whole frame a miss.
func (v *Viewer) loadFrame(key frameKey, n int) []byte {
	pix := make([]byte, 0, n)
	for i := 0; i < v.chunks(n); i++ {
		err := v.frames.GetFn(key.Bytes(i), func(b []byte) error {
			pix = append(pix, b...)
			return nil
		})
		if err != nil {
			return nil
		}
	}
	if len(pix) != n {
		return nil
	}
	return pix
}

func (v *Viewer) storeFrame(key frameKey, pix []byte) error {
	if v.chunks(len(pix)) > maxFrameChunks {
		return fmt.Errorf("frame of %d bytes needs more than %d chunks", len(pix), maxFrameChunks)
	}
	for i, off := 0, 0; off < len(pix); i, off = i+1, off+v.frameChunk {
		end := min(off+v.frameChunk, len(pix))
		if err := v.frames.Set(key.Bytes(i), pix[off:end], 0); err != nil {
			return err
		}
	}
	return nil
}

// Frame renders the current slice through the active window.
func (v *Viewer) Frame() (*image.Gray, error) {
	st := v.play.State()
	return v.Render(st.Plane, st.Index)
}

// Render renders slice index of plane through the active window. Unlike
// playback it does not clamp: an out-of-range index is a RangeError.
func (v *Viewer) Render(plane volume.Plane, index int) (*image.Gray, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.vol == nil {
		return nil, ErrNoVolume
	}

	w, h := visualization.SliceShape(v.vol.Header, plane)
	key := frameKey{plane: plane, index: index, window: v.window}
	if v.frames != nil && w*h > 0 {
		v.frameLookups++
		if pix := v.loadFrame(key, w*h); pix != nil {
			v.frameHits++
			return &image.Gray{Pix: pix, Stride: w, Rect: image.Rect(0, 0, w, h)}, nil
		}
	}

	s, err := visualization.ExtractSliceInto(v.sliceBuf, v.vol, plane, index)
	if err != nil {
		return nil, err
	}
	v.sliceBuf = s.Data
	if v.rescale {
		s.Rescale(v.vol.Header)
	}
	img, err := s.Render(v.window)
	if err != nil {
		return nil, err
	}

	if v.frames != nil {
		if err := v.storeFrame(key, img.Pix); err != nil {
			v.logger.Debug("frame not memoised", zap.Stringer("slice", volume.SliceRequest{Plane: plane, Index: index}), zap.Error(err))
		}
	}
	return img, nil
}

// FrameCacheStats returns memoised frame hits and lookups since the current
// volume was installed.
func (v *Viewer) FrameCacheStats() (hits, lookups int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.frameHits, v.frameLookups
}

// Close stops playback and releases the volume. The viewer can load another
// file afterwards.
func (v *Viewer) Close() {
	v.play.Close()
	v.mu.Lock()
	v.vol = nil
	v.sliceBuf = nil
	v.clearFrames()
	v.mu.Unlock()
}

func (v *Viewer) clearFrames() {
	if v.frames != nil {
		v.frames.Clear()
	}
	v.frameHits, v.frameLookups = 0, 0
}
