package dataset

import (
	"fmt"
	"runtime"

	"gopkg.in/yaml.v3"

	"deepiglu/pkg/config"
	"deepiglu/pkg/store"
)

// Params holds the dataset preparation parameters
type Params struct {
	// Directory is searched recursively for recordings
	Directory string `yaml:"directory"`

	// FileEndings selects recordings by file name suffix
	FileEndings []string `yaml:"fileEndings"`

	// CropSize is the activity map tile size and the spatial crop size
	CropSize int `yaml:"cropSize"`

	// RoiSize is the box filter width applied before tiling
	RoiSize int `yaml:"roiSize"`

	MinZScore  float64 `yaml:"minZScore"`
	WindowSize int     `yaml:"windowSize"`

	// NPre and NPost are the frames kept before and after the target frame
	NPre  int `yaml:"nPre"`
	NPost int `yaml:"nPost"`

	ExpandBefore int     `yaml:"expandBefore"`
	ExpandAfter  int     `yaml:"expandAfter"`
	FgBgSplit    float64 `yaml:"fgBgSplit"`

	StorePath    string        `yaml:"storePath"`
	MetadataPath string        `yaml:"metadataPath"`
	Store        store.Options `yaml:"-"`

	Overwrite       bool `yaml:"overwrite"`
	MemoryOptimized bool `yaml:"memoryOptimized"`

	// Workers is the number of recordings processed concurrently
	Workers int `yaml:"workers"`

	// MaxFailures stops scheduling new files once more files than this
	// have failed. Zero never stops.
	MaxFailures int `yaml:"maxFailures"`

	Seed uint64 `yaml:"seed"`

	// PreviewDir receives an activity heatmap per recording when set
	PreviewDir string `yaml:"previewDir,omitempty"`
}

// ParamsFromConfig maps the prepare and store sections of cfg
func ParamsFromConfig(cfg *config.Config) (*Params, error) {
	opts, err := store.ParseOptions(cfg.Store.Compression, cfg.Store.Precision)
	if err != nil {
		return nil, err
	}
	p := &Params{
		Directory:       cfg.Prepare.Directory,
		FileEndings:     cfg.Prepare.FileEndings,
		CropSize:        cfg.Prepare.CropSize,
		RoiSize:         cfg.Prepare.RoiSize,
		MinZScore:       cfg.Prepare.MinZScore,
		WindowSize:      cfg.Prepare.WindowSize,
		NPre:            cfg.Prepare.NPre,
		NPost:           cfg.Prepare.NPost,
		ExpandBefore:    cfg.Prepare.ExpandBefore,
		ExpandAfter:     cfg.Prepare.ExpandAfter,
		FgBgSplit:       cfg.Prepare.FgBgSplit,
		StorePath:       cfg.Store.Path,
		MetadataPath:    cfg.MetadataPath(),
		Store:           opts,
		Overwrite:       cfg.Prepare.Overwrite,
		MemoryOptimized: cfg.Prepare.MemoryOptimized,
		Workers:         cfg.Prepare.Workers,
		MaxFailures:     cfg.Prepare.MaxFailures,
		Seed:            cfg.Prepare.Seed,
	}
	if cfg.Output.SaveIntermediaryResults {
		p.PreviewDir = cfg.Output.IntermediaryDir
	}
	return p, nil
}

func (p *Params) validate() error {
	switch {
	case p.Directory == "":
		return fmt.Errorf("no input directory")
	case len(p.FileEndings) == 0:
		return fmt.Errorf("no file endings")
	case p.CropSize <= 0:
		return fmt.Errorf("crop size must be positive, got %d", p.CropSize)
	case p.RoiSize <= 0:
		return fmt.Errorf("roi size must be positive, got %d", p.RoiSize)
	case p.WindowSize <= 0:
		return fmt.Errorf("window size must be positive, got %d", p.WindowSize)
	case p.NPre < 0 || p.NPost < 0:
		return fmt.Errorf("nPre and nPost must not be negative")
	case p.ExpandBefore < 0 || p.ExpandAfter < 0:
		return fmt.Errorf("expansion must not be negative")
	case p.FgBgSplit <= 0 || p.FgBgSplit > 1:
		return fmt.Errorf("fgBgSplit must be in (0, 1], got %g", p.FgBgSplit)
	case p.StorePath == "":
		return fmt.Errorf("no store path")
	case p.MaxFailures < 0:
		return fmt.Errorf("maxFailures must not be negative")
	}
	return nil
}

func (p *Params) metadataPath() string {
	if p.MetadataPath != "" {
		return p.MetadataPath
	}
	return config.DefaultMetadataPath(p.StorePath)
}

func (p *Params) workers() int {
	if p.Workers > 0 {
		return p.Workers
	}
	return runtime.NumCPU()
}

// String renders the parameters as YAML for the run record
func (p *Params) String() string {
	out, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Sprintf("%+v", *p)
	}
	return string(out)
}
