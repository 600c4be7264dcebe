// Package pipeline drives raw LiDAR sources through conversion, voxel
// downsampling, normal estimation and edge detection, persisting each
// stage's tables so every stage boundary is file-mediated.
//
// Stages run as independent per-file loops: a failure on one file is
// logged, reported and skipped, and the batch moves on. Run additionally
// chains the post-conversion stages per cloud, so one broken cloud halts
// only its own chain.
package pipeline

import (
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/groundline-data/pointprep/internal/cloud"
	"github.com/groundline-data/pointprep/internal/edges"
	"github.com/groundline-data/pointprep/internal/fsutil"
	"github.com/groundline-data/pointprep/internal/lasfile"
	"github.com/groundline-data/pointprep/internal/manifest"
	"github.com/groundline-data/pointprep/internal/normals"
	"github.com/groundline-data/pointprep/internal/voxel"
)

// Stage names, used in reports, logs and the manifest.
const (
	StageConvert    = "convert"
	StageDownsample = "downsample"
	StageNormals    = "normals"
	StageEdges      = "edges"
)

// arrayExt is the extension every persisted table carries.
const arrayExt = ".npy"

// colorScale divides raw 16-bit color channels down to [0,1) before any
// averaging happens.
const colorScale = 65536

// Config wires the pipeline's directories and stage parameters.
type Config struct {
	// InputDir holds the raw .las / .las.gz sources.
	InputDir string

	// OutputDir receives converted tables; the downsample stage rewrites
	// them in place.
	OutputDir string

	// NormalsDir receives the remapped normal tables.
	NormalsDir string

	// EdgesDir receives the per-threshold edge masks. Empty uses OutputDir.
	EdgesDir string

	// VoxelSize is the downsample voxel edge length. Default: 0.3.
	VoxelSize float64

	// Normals selects the normal estimation neighborhood rule.
	Normals normals.Config

	// EdgeRadius is the edge detection neighborhood radius. Default: 0.1.
	EdgeRadius float64

	// Thresholds overrides the edge mask ladder. Empty uses the default
	// ten-step set.
	Thresholds []float64

	// WriteMasks persists the per-threshold masks to EdgesDir.
	// Default: true.
	WriteMasks bool

	// Workers bounds per-stage parallelism. Values below 1 use all CPUs.
	Workers int

	// FS is the filesystem all artifacts pass through. Nil uses the host
	// filesystem.
	FS fsutil.FileSystem

	// Store records the run, its artifacts and its failures when set.
	Store *manifest.Store
}

// DefaultConfig returns the stage defaults; directories must still be set.
func DefaultConfig() Config {
	return Config{
		VoxelSize:  0.3,
		EdgeRadius: 0.1,
		Normals:    normals.DefaultConfig(),
		WriteMasks: true,
	}
}

// Validate checks directories and stage parameters.
func (c Config) Validate() error {
	if c.InputDir == "" {
		return fmt.Errorf("pipeline: input directory not set")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("pipeline: output directory not set")
	}
	if c.NormalsDir == "" {
		return fmt.Errorf("pipeline: normals directory not set")
	}
	if c.VoxelSize <= 0 {
		return fmt.Errorf("pipeline: voxel size must be positive, got %v", c.VoxelSize)
	}
	if c.EdgeRadius <= 0 {
		return fmt.Errorf("pipeline: edge radius must be positive, got %v", c.EdgeRadius)
	}
	if err := c.Normals.Validate(); err != nil {
		return err
	}
	return nil
}

// WithVoxelSize returns a copy with the voxel edge length set.
func (c Config) WithVoxelSize(v float64) Config {
	c.VoxelSize = v
	return c
}

// WithEdgeRadius returns a copy with the edge neighborhood radius set.
func (c Config) WithEdgeRadius(r float64) Config {
	c.EdgeRadius = r
	return c
}

// WithWorkers returns a copy with the worker bound set.
func (c Config) WithWorkers(w int) Config {
	c.Workers = w
	return c
}

// WithFileSystem returns a copy routed through the given filesystem.
func (c Config) WithFileSystem(fs fsutil.FileSystem) Config {
	c.FS = fs
	return c
}

// WithStore returns a copy that records runs in the given manifest.
func (c Config) WithStore(s *manifest.Store) Config {
	c.Store = s
	return c
}

// FileError is a per-file failure the batch continued past.
type FileError struct {
	Stage string
	Path  string
	Err   error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// Artifact is one persisted table or mask.
type Artifact struct {
	Path   string
	Points int
}

// StageReport sums up one stage's pass over the batch.
type StageReport struct {
	Stage     string
	Artifacts []Artifact
	Failures  []*FileError
}

func (r *StageReport) addArtifact(path string, points int) {
	r.Artifacts = append(r.Artifacts, Artifact{Path: path, Points: points})
}

func (r *StageReport) addFailure(path string, err error) {
	fe := &FileError{Stage: r.Stage, Path: path, Err: err}
	r.Failures = append(r.Failures, fe)
	log.Printf("[%s] %s: %v", r.Stage, path, err)
}

// RunReport aggregates a full pipeline run.
type RunReport struct {
	// RunID is the manifest row for this run, empty without a store.
	RunID string

	Convert    StageReport
	Downsample StageReport
	Normals    StageReport
	Edges      StageReport

	// Masks holds each surviving cloud's threshold ladder, keyed by cloud
	// id.
	Masks map[string]*edges.MaskSet
}

// TotalFailures counts per-file failures across all stages.
func (r *RunReport) TotalFailures() int {
	return len(r.Convert.Failures) + len(r.Downsample.Failures) +
		len(r.Normals.Failures) + len(r.Edges.Failures)
}

// Pipeline executes the stages over one set of directories.
type Pipeline struct {
	cfg   Config
	fs    fsutil.FileSystem
	store *manifest.Store
}

// New validates cfg and builds a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EdgesDir == "" {
		cfg.EdgesDir = cfg.OutputDir
	}
	fs := cfg.FS
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	return &Pipeline{cfg: cfg, fs: fs, store: cfg.Store}, nil
}

// ConvertRaw decodes every raw source in the input directory into a table
// in the output directory, normalizing color channels to [0,1).
func (p *Pipeline) ConvertRaw() (*StageReport, error) {
	rep := &StageReport{Stage: StageConvert}
	entries, err := p.fs.ReadDir(p.cfg.InputDir)
	if err != nil {
		return nil, fmt.Errorf("pipeline: list input dir: %w", err)
	}
	if err := p.fs.MkdirAll(p.cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create output dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !isRawName(e.Name()) {
			continue
		}
		src := filepath.Join(p.cfg.InputDir, e.Name())
		tbl, err := lasfile.Open(p.fs, src)
		if err != nil {
			rep.addFailure(src, err)
			continue
		}
		tbl.ScaleColors(colorScale)

		dst := filepath.Join(p.cfg.OutputDir, convertedName(e.Name()))
		if err := cloud.SaveTable(p.fs, dst, tbl); err != nil {
			rep.addFailure(src, err)
			continue
		}
		rep.addArtifact(dst, tbl.Len())
		log.Printf("[convert] %s -> %s (%d points)", src, dst, tbl.Len())
	}
	return rep, nil
}

// DownsampleClouds voxel-downsamples every converted table, rewriting each
// one in place.
func (p *Pipeline) DownsampleClouds() (*StageReport, error) {
	rep := &StageReport{Stage: StageDownsample}
	paths, err := p.cloudTables()
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		n, err := p.downsampleOne(path)
		if err != nil {
			rep.addFailure(path, err)
			continue
		}
		rep.addArtifact(path, n)
	}
	return rep, nil
}

// EstimateNormals writes one remapped normal table per cloud into the
// normals directory.
func (p *Pipeline) EstimateNormals() (*StageReport, error) {
	rep := &StageReport{Stage: StageNormals}
	paths, err := p.cloudTables()
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		dst := p.normalsPath(path)
		n, err := p.estimateOne(path, dst)
		if err != nil {
			rep.addFailure(path, err)
			continue
		}
		rep.addArtifact(dst, n)
	}
	return rep, nil
}

// DetectEdges sweeps the threshold ladder over every cloud that has a
// normals table, returning each cloud's mask set keyed by cloud id.
func (p *Pipeline) DetectEdges() (map[string]*edges.MaskSet, *StageReport, error) {
	rep := &StageReport{Stage: StageEdges}
	paths, err := p.cloudTables()
	if err != nil {
		return nil, nil, err
	}
	masks := make(map[string]*edges.MaskSet)
	for _, path := range paths {
		set, err := p.detectOne(path, rep)
		if err != nil {
			rep.addFailure(path, err)
			continue
		}
		masks[CloudID(path)] = set
	}
	return masks, rep, nil
}

// Run executes the full pipeline: one conversion pass, then the
// downsample, normals and edges chain per converted cloud. A cloud failing
// mid-chain is dropped from the later stages without affecting the others.
func (p *Pipeline) Run() (*RunReport, error) {
	report := &RunReport{
		Convert:    StageReport{Stage: StageConvert},
		Downsample: StageReport{Stage: StageDownsample},
		Normals:    StageReport{Stage: StageNormals},
		Edges:      StageReport{Stage: StageEdges},
		Masks:      make(map[string]*edges.MaskSet),
	}
	if p.store != nil {
		id, err := p.store.BeginRun(manifest.RunParams{
			InputDir:   p.cfg.InputDir,
			VoxelSize:  p.cfg.VoxelSize,
			EdgeRadius: p.cfg.EdgeRadius,
		})
		if err != nil {
			return nil, err
		}
		report.RunID = id
	}

	conv, err := p.ConvertRaw()
	if err != nil {
		p.closeRun(report, manifest.StatusFailed)
		return nil, err
	}
	report.Convert = *conv

	for _, art := range conv.Artifacts {
		p.runCloud(art.Path, report)
	}

	p.recordReport(report)
	p.closeRun(report, manifest.StatusCompleted)
	log.Printf("[pipeline] run finished: %d clouds converted, %d mask sets, %d failures",
		len(report.Convert.Artifacts), len(report.Masks), report.TotalFailures())
	return report, nil
}

// runCloud chains downsample, normals and edges for a single converted
// cloud, stopping the chain at its first failure.
func (p *Pipeline) runCloud(path string, report *RunReport) {
	n, err := p.downsampleOne(path)
	if err != nil {
		report.Downsample.addFailure(path, err)
		return
	}
	report.Downsample.addArtifact(path, n)

	dst := p.normalsPath(path)
	n, err = p.estimateOne(path, dst)
	if err != nil {
		report.Normals.addFailure(path, err)
		return
	}
	report.Normals.addArtifact(dst, n)

	set, err := p.detectOne(path, &report.Edges)
	if err != nil {
		report.Edges.addFailure(path, err)
		return
	}
	report.Masks[CloudID(path)] = set
}

func (p *Pipeline) downsampleOne(path string) (int, error) {
	tbl, err := cloud.LoadTable(p.fs, path)
	if err != nil {
		return 0, err
	}
	ds, err := voxel.Downsample(tbl, p.cfg.VoxelSize, p.cfg.Workers)
	if err != nil {
		return 0, err
	}
	// The downsampled table replaces the conversion output at the same
	// path; later stages only ever see the downsampled cloud.
	if err := cloud.SaveTable(p.fs, path, ds); err != nil {
		return 0, err
	}
	log.Printf("[downsample] %s: %d -> %d points (voxel %s)",
		path, tbl.Len(), ds.Len(), FormatParam(p.cfg.VoxelSize))
	return ds.Len(), nil
}

func (p *Pipeline) estimateOne(src, dst string) (int, error) {
	tbl, err := cloud.LoadTable(p.fs, src)
	if err != nil {
		return 0, err
	}
	cfg := p.cfg.Normals
	if cfg.Workers == 0 {
		cfg.Workers = p.cfg.Workers
	}
	res, err := normals.Estimate(tbl.Positions(), cfg)
	if err != nil {
		return 0, err
	}
	if len(res.Degenerate) > 0 {
		log.Printf("[normals] %s: %d of %d neighborhoods too small for a plane fit",
			src, len(res.Degenerate), tbl.Len())
	}
	if err := p.fs.MkdirAll(p.cfg.NormalsDir, 0o755); err != nil {
		return 0, err
	}
	if err := cloud.SaveMatrix(p.fs, dst, normals.RemapToByte(res.Normals)); err != nil {
		return 0, err
	}
	log.Printf("[normals] %s -> %s", src, dst)
	return tbl.Len(), nil
}

func (p *Pipeline) detectOne(cloudPath string, rep *StageReport) (*edges.MaskSet, error) {
	tbl, err := cloud.LoadTable(p.fs, cloudPath)
	if err != nil {
		return nil, err
	}
	stored, err := cloud.LoadMatrix(p.fs, p.normalsPath(cloudPath))
	if err != nil {
		return nil, err
	}

	cfg := edges.DefaultConfig().WithRadius(p.cfg.EdgeRadius).WithWorkers(p.cfg.Workers)
	if len(p.cfg.Thresholds) > 0 {
		cfg = cfg.WithThresholds(p.cfg.Thresholds)
	}
	set, err := edges.Detect(tbl.Positions(), normals.RemapFromByte(stored), cfg)
	if err != nil {
		return nil, err
	}

	if p.cfg.WriteMasks {
		if err := p.writeMasks(cloudPath, set, rep); err != nil {
			return nil, err
		}
	}
	log.Printf("[edges] %s: %d thresholds over %d points", cloudPath, len(set.Thresholds), tbl.Len())
	return set, nil
}

func (p *Pipeline) writeMasks(cloudPath string, set *edges.MaskSet, rep *StageReport) error {
	if err := p.fs.MkdirAll(p.cfg.EdgesDir, 0o755); err != nil {
		return err
	}
	id := CloudID(cloudPath)
	for ti, t := range set.Thresholds {
		dst := filepath.Join(p.cfg.EdgesDir, MaskFileName(id, p.cfg.VoxelSize, t))
		if err := cloud.SaveMask(p.fs, dst, set.Masks[ti]); err != nil {
			return err
		}
		rep.addArtifact(dst, len(set.Masks[ti]))
	}
	return nil
}

// cloudTables lists the persisted cloud tables in the output directory,
// skipping mask files that may share it.
func (p *Pipeline) cloudTables() ([]string, error) {
	entries, err := p.fs.ReadDir(p.cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("pipeline: list output dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, arrayExt) || strings.Contains(name, "_edge_mask_") {
			continue
		}
		paths = append(paths, filepath.Join(p.cfg.OutputDir, name))
	}
	return paths, nil
}

func (p *Pipeline) normalsPath(cloudPath string) string {
	return filepath.Join(p.cfg.NormalsDir, filepath.Base(cloudPath))
}

func (p *Pipeline) recordReport(r *RunReport) {
	if p.store == nil || r.RunID == "" {
		return
	}
	for _, sr := range []*StageReport{&r.Convert, &r.Downsample, &r.Normals, &r.Edges} {
		for _, a := range sr.Artifacts {
			if err := p.store.RecordArtifact(r.RunID, sr.Stage, a.Path, a.Points); err != nil {
				log.Printf("[manifest] record artifact %s: %v", a.Path, err)
			}
		}
		for _, fe := range sr.Failures {
			if err := p.store.RecordFailure(r.RunID, fe.Stage, fe.Path, fe.Err.Error()); err != nil {
				log.Printf("[manifest] record failure %s: %v", fe.Path, err)
			}
		}
	}
}

func (p *Pipeline) closeRun(r *RunReport, status string) {
	if p.store == nil || r.RunID == "" {
		return
	}
	if err := p.store.FinishRun(r.RunID, status); err != nil {
		log.Printf("[manifest] finish run %s: %v", r.RunID, err)
	}
}

func isRawName(name string) bool {
	return strings.HasSuffix(name, ".las") || strings.HasSuffix(name, ".las.gz")
}

func convertedName(rawName string) string {
	stem := strings.TrimSuffix(rawName, ".gz")
	stem = strings.TrimSuffix(stem, ".las")
	return stem + arrayExt
}

// CloudID extracts the identifying number from a converted table path:
// the file stem without its "final_" prefix.
func CloudID(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), arrayExt)
	return strings.TrimPrefix(stem, "final_")
}

// FormatParam renders a float parameter for embedding in artifact names.
// Integral values keep a trailing ".0" so the rendering is stable for
// every parameter choice: 0.3 -> "0.3", 0.0 -> "0.0", 2 -> "2.0".
func FormatParam(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

// MaskFileName builds the per-threshold mask artifact name, keyed by cloud
// id, voxel size and threshold.
func MaskFileName(cloudID string, voxelSize, threshold float64) string {
	return fmt.Sprintf("final_%s_%s_edge_mask_threshold_mean_%s%s",
		cloudID, FormatParam(voxelSize), FormatParam(threshold), arrayExt)
}
