package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/DmitriyVTitov/size"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"niftiview/pkg/config"
	"niftiview/pkg/events"
	"niftiview/pkg/nifti"
	"niftiview/pkg/playback"
	"niftiview/pkg/session"
	"niftiview/pkg/storage"
	"niftiview/pkg/storage/badger"
	"niftiview/pkg/viewer"
	"niftiview/pkg/visualization"
	"niftiview/pkg/volume"
	"niftiview/pkg/windowing"
)

// infoCmd prints the header of a volume
var infoCmd = &cobra.Command{
	Use:   "info [file]",
	Short: "Print the header and slice statistics of a volume",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

// exportCmd writes every slice of one or more planes as images
var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export slices as JPEG or TIFF images",
	Long: `Renders every slice of the selected planes through the display window
and writes them to <out>/<plane>/slice_<plane>_NNN.<ext>. Planes are
exported concurrently. --region x,y,z,sx,sy,sz limits the export to a
sub-volume.

Example:
  niftiview export brain.nii.gz --out slices --plane axial --preset brain
  niftiview export ct.nii.gz --region 64,64,10,128,128,20 --preset bone`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

// viewCmd loads a volume into a viewer session and plays it
var viewCmd = &cobra.Command{
	Use:   "view [file]",
	Short: "Load a volume into the session and run cine playback",
	Long: `Loads the file into the viewer, writing it through to the session cache,
then plays --frames slices at the configured period. Without a file the
volume cached by the previous session is restored.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runView,
}

// phantomCmd writes a synthetic test volume
var phantomCmd = &cobra.Command{
	Use:   "phantom [out.nii|out.nii.gz]",
	Short: "Write a synthetic int16 sphere phantom",
	Args:  cobra.ExactArgs(1),
	RunE:  runPhantom,
}

// initConfigCmd writes the default configuration
var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write the default configuration file",
	RunE:  runInitConfig,
}

var (
	exportOut     string
	exportPlanes  []string
	exportFormat  string
	exportQuality int
	exportRegion  string
	windowPreset  string
	windowCenter  float64
	windowWidth   float64
	windowAuto    bool
	rescale       bool

	viewFrames int
	viewOut    string

	phantomDims []int

	forceWrite bool
)

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "slices", "Output directory")
	exportCmd.Flags().StringSliceVar(&exportPlanes, "plane", []string{"axial", "sagittal", "coronal"}, "Planes to export")
	exportCmd.Flags().StringVar(&exportFormat, "format", "", "Image format, jpeg or tiff (default from config)")
	exportCmd.Flags().IntVar(&exportQuality, "quality", 0, "JPEG quality 1-100 (default from config)")
	exportCmd.Flags().StringVar(&exportRegion, "region", "", "Sub-volume x,y,z,sizeX,sizeY,sizeZ to export")
	for _, c := range []*cobra.Command{exportCmd, viewCmd} {
		c.Flags().StringVar(&windowPreset, "preset", "", "Window preset: "+presetNames())
		c.Flags().Float64Var(&windowCenter, "center", 0, "Window center")
		c.Flags().Float64Var(&windowWidth, "width", 0, "Window width")
		c.Flags().BoolVar(&windowAuto, "auto", false, "Auto min/max window")
		c.Flags().BoolVar(&rescale, "rescale", true, "Apply scl_slope/scl_inter before windowing (default from config)")
	}

	viewCmd.Flags().IntVar(&viewFrames, "frames", 0, "Number of cine frames to play")
	viewCmd.Flags().StringVar(&viewOut, "out", "", "Directory to write played frames to")

	phantomCmd.Flags().IntSliceVar(&phantomDims, "dims", []int{64, 64, 32}, "Volume dimensions nx,ny,nz")

	initConfigCmd.Flags().BoolVarP(&forceWrite, "force", "f", false, "Overwrite an existing file")
}

func presetNames() string {
	var names []string
	for _, p := range windowing.Presets() {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}

// readVolume reads and decodes a .nii or .nii.gz file.
func readVolume(path string) (*volume.Volume, int, error) {
	ok, compressed := viewer.IsSupportedName(path)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %q", viewer.ErrUnsupportedFile, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	vol, err := nifti.DecodeNamed(filepath.Base(path), data, compressed)
	if err != nil {
		return nil, 0, err
	}
	return vol, len(data), nil
}

// windowFromFlags resolves the window, letting command-line flags override
// the configuration. A nil result means auto-window.
func windowFromFlags(cmd *cobra.Command) (*windowing.Setting, error) {
	switch {
	case windowPreset != "":
		s, err := windowing.ParsePreset(windowPreset)
		if err != nil {
			return nil, err
		}
		return &s, nil
	case windowAuto:
		return nil, nil
	case cmd.Flags().Changed("center") || cmd.Flags().Changed("width"):
		s := windowing.Setting{Center: windowCenter, Width: windowWidth}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		return &s, nil
	}
	return cfg.WindowSetting()
}

// parseRegion reads "x,y,z,sizeX,sizeY,sizeZ".
func parseRegion(s string) ([6]int, error) {
	var r [6]int
	parts := strings.Split(s, ",")
	if len(parts) != len(r) {
		return r, fmt.Errorf("--region needs six values x,y,z,sizeX,sizeY,sizeZ, got %d", len(parts))
	}
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return r, fmt.Errorf("--region value %d: %w", i+1, err)
		}
		r[i] = n
	}
	return r, nil
}

// rescaleFromFlags reports whether stored values are rescaled before
// windowing, letting --rescale override the configuration.
func rescaleFromFlags(cmd *cobra.Command) bool {
	if cmd.Flags().Changed("rescale") {
		return rescale
	}
	return cfg.Window.Rescale
}

func runInfo(cmd *cobra.Command, args []string) error {
	vol, fileSize, err := readVolume(args[0])
	if err != nil {
		return err
	}
	h := vol.Header
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "File:         %s (%s)\n", vol.Filename, humanize.Bytes(uint64(fileSize)))
	fmt.Fprintf(out, "Format:       NIfTI-%d\n", h.Version)
	fmt.Fprintf(out, "Dimensions:   %d x %d x %d (%s voxels)\n", h.Dims[0], h.Dims[1], h.Dims[2], humanize.Comma(int64(h.NumVoxels())))
	fmt.Fprintf(out, "Spacing (mm): %g x %g x %g\n", h.Spacing[0], h.Spacing[1], h.Spacing[2])
	if h.Datatype.Known() {
		fmt.Fprintf(out, "Datatype:     %s (%d)\n", h.Datatype, int(h.Datatype))
	} else {
		fmt.Fprintf(out, "Datatype:     unknown code %d, read as %s\n", int(h.Datatype), h.Datatype.Effective())
	}
	fmt.Fprintf(out, "Orientation:  %s (qform %d, sform %d)\n", h.Orientation, h.QFormCode, h.SFormCode)
	if h.SclSlope != 0 {
		fmt.Fprintf(out, "Scaling:      value*%g + %g\n", h.SclSlope, h.SclInter)
	}
	if h.Frames > 1 {
		fmt.Fprintf(out, "Frames:       %d (first shown)\n", h.Frames)
	}
	fmt.Fprintf(out, "Voxel offset: %d\n", h.VoxOffset)
	if h.Description != "" {
		fmt.Fprintf(out, "Description:  %s\n", h.Description)
	}
	fmt.Fprintf(out, "Memory:       %s\n", humanize.IBytes(uint64(size.Of(vol))))

	for _, p := range volume.Planes {
		n := vol.SliceCount(p)
		s, err := visualization.ExtractSlice(vol, p, n/2)
		if err != nil {
			return err
		}
		st := visualization.Stats(s)
		fmt.Fprintf(out, "%-9s %4d slices, middle slice %dx%d min %g max %g mean %.2f sd %.2f\n",
			p.String()+":", n, s.Width, s.Height, st.Min, st.Max, st.Mean, st.StdDev)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	setting, err := windowFromFlags(cmd)
	if err != nil {
		return err
	}
	formatName := cfg.Export.Format
	if exportFormat != "" {
		formatName = exportFormat
	}
	format, err := visualization.ParseImageFormat(formatName)
	if err != nil {
		return err
	}
	quality := cfg.Export.Quality
	if exportQuality != 0 {
		quality = exportQuality
	}

	planes := make([]volume.Plane, 0, len(exportPlanes))
	for _, name := range exportPlanes {
		p, err := volume.ParsePlane(name)
		if err != nil {
			return err
		}
		planes = append(planes, p)
	}

	vol, _, err := readVolume(args[0])
	if err != nil {
		return err
	}
	if exportRegion != "" {
		r, err := parseRegion(exportRegion)
		if err != nil {
			return err
		}
		vol, err = visualization.NewViewer(vol).RegionVolume(r[0], r[1], r[2], r[3], r[4], r[5])
		if err != nil {
			return err
		}
		logger.Info("exporting region", zap.Ints("start", r[:3]), zap.Ints("size", r[3:]))
	}
	scaled := rescaleFromFlags(cmd)

	start := time.Now()
	eg, ctx := errgroup.WithContext(context.Background())
	for _, p := range planes {
		p := p
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			v := visualization.NewViewer(vol)
			v.Format = format
			v.Quality = quality
			v.Rescale = scaled
			dir := filepath.Join(exportOut, p.String())
			if err := v.SaveSliceSequence(p, dir, setting); err != nil {
				return fmt.Errorf("exporting %s slices: %w", p, err)
			}
			logger.Info("exported plane", zap.Stringer("plane", p), zap.Int("slices", vol.SliceCount(p)), zap.String("dir", dir))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	window := "auto"
	if setting != nil {
		window = setting.String()
	}
	logger.Info("export finished",
		zap.String("file", vol.Filename),
		zap.String("window", window),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// openStore opens the session cache backend selected by the configuration.
func openStore(c *config.Config) (storage.Store, error) {
	switch c.Cache.Backend {
	case "badger":
		return badger.Open(badger.Options{
			Path:       c.Cache.Path,
			SyncPeriod: time.Second,
			Logger:     logger.Named("badger"),
		})
	default:
		return storage.NewMemory(), nil
	}
}

func runView(cmd *cobra.Command, args []string) error {
	setting, err := windowFromFlags(cmd)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		// The session still works, just without persistence.
		logger.Warn("session cache unavailable", zap.Error(&volume.StorageError{Op: "open", Err: err}))
		store = storage.NewMemory()
	}
	defer store.Close()

	compression := session.Uncompressed
	if cfg.Cache.Compress {
		compression = session.Snappy
	}
	cache := session.New(store, session.WithLogger(logger.Named("session")), session.WithCompression(compression))

	bus := events.NewBus()
	bus.Subscribe(events.CacheFailed, func(m events.Message) {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: volume not cached: %v\n", m.Payload)
	})
	frames := make(chan playback.State, 16)
	bus.Subscribe(events.SliceChanged, func(m events.Message) {
		st := m.Payload.(playback.State)
		if !st.Playing {
			return
		}
		select {
		case frames <- st:
		default:
			logger.Debug("dropped frame", zap.Int("index", st.Index))
		}
	})

	v := viewer.New(viewer.Options{
		Cache:           cache,
		Bus:             bus,
		Logger:          logger,
		Period:          cfg.Period(),
		Plane:           cfg.Plane(),
		Window:          setting,
		FrameCacheBytes: cfg.Cache.FrameCacheMB << 20,
		Rescale:         rescaleFromFlags(cmd),
	})
	defer v.Close()

	if len(args) == 1 {
		ok, _ := viewer.IsSupportedName(args[0])
		if !ok {
			return fmt.Errorf("%w: %q", viewer.ErrUnsupportedFile, args[0])
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		if err := v.LoadFile(filepath.Base(args[0]), data); err != nil {
			return err
		}
	} else if !v.Restore() {
		return errors.New("no file given and no cached volume to restore")
	}

	vol := v.Volume()
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %v voxels, %s plane, %d slices\n",
		vol.Filename, vol.Header.Dims, v.State().Plane, v.State().Total)

	exporter := visualization.NewViewer(vol)
	if f, err := visualization.ParseImageFormat(cfg.Export.Format); err == nil {
		exporter.Format = f
	}
	exporter.Quality = cfg.Export.Quality
	if viewOut != "" {
		if err := os.MkdirAll(viewOut, 0755); err != nil {
			return err
		}
	}
	save := func(st playback.State) error {
		img, err := v.Render(st.Plane, st.Index)
		if err != nil {
			return err
		}
		if viewOut == "" {
			return nil
		}
		name := filepath.Join(viewOut, fmt.Sprintf("frame_%s_%03d%s", st.Plane, st.Index, exporter.Format.Ext()))
		return exporter.SaveSlice(img, name)
	}

	if viewFrames <= 0 {
		return save(v.State())
	}

	if err := v.Play(0); err != nil {
		return err
	}
	timeout := time.Duration(viewFrames+10) * cfg.Period() * 2
	deadline := time.After(timeout)
	for played := 0; played < viewFrames; {
		select {
		case st := <-frames:
			if err := save(st); err != nil {
				v.Pause()
				return err
			}
			played++
		case <-deadline:
			v.Pause()
			return fmt.Errorf("playback stalled after %d of %d frames", played, viewFrames)
		}
	}
	v.Pause()

	hits, lookups := v.FrameCacheStats()
	logger.Info("playback finished", zap.Int("frames", viewFrames), zap.Int64("frameCacheHits", hits), zap.Int64("frameCacheLookups", lookups))
	return nil
}

func runPhantom(cmd *cobra.Command, args []string) error {
	if len(phantomDims) != 3 {
		return fmt.Errorf("--dims needs three values, got %d", len(phantomDims))
	}
	ok, compressed := viewer.IsSupportedName(args[0])
	if !ok {
		return fmt.Errorf("%w: %q", viewer.ErrUnsupportedFile, args[0])
	}
	nx, ny, nz := phantomDims[0], phantomDims[1], phantomDims[2]
	vol, err := sphere(nx, ny, nz)
	if err != nil {
		return err
	}
	data, err := nifti.Encode(vol, compressed)
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], data, 0644); err != nil {
		return err
	}
	logger.Info("wrote phantom", zap.String("file", args[0]), zap.Ints("dims", vol.Header.Dims[:]), zap.String("size", humanize.Bytes(uint64(len(data)))))
	return nil
}

// sphere builds an int16 volume in Hounsfield-like units: air outside, a soft
// tissue ball and a dense core.
func sphere(nx, ny, nz int) (*volume.Volume, error) {
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("dimensions must be positive: %dx%dx%d", nx, ny, nz)
	}
	data := make([]int16, nx*ny*nz)
	cx, cy, cz := float64(nx-1)/2, float64(ny-1)/2, float64(nz-1)/2
	r := math.Min(cx, math.Min(cy, cz)) + 0.5
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				d := math.Sqrt((float64(x)-cx)*(float64(x)-cx) + (float64(y)-cy)*(float64(y)-cy) + (float64(z)-cz)*(float64(z)-cz))
				v := int16(-1000)
				switch {
				case d <= r/3:
					v = 700
				case d <= r:
					v = 40
				}
				data[x+y*nx+z*nx*ny] = v
			}
		}
	}
	h := volume.Header{
		Dims:        [3]int{nx, ny, nz},
		Spacing:     [3]float64{1, 1, 1},
		Datatype:    volume.DTInt16,
		Description: "niftiview sphere phantom",
	}
	return volume.New(h, volume.Wrap(data), "")
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configPath); err == nil && !forceWrite {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}
	if err := config.CreateDefaultConfigFile(configPath); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", configPath)
	return nil
}
