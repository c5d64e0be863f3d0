package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"deepiglu/internal/logging"
	"deepiglu/pkg/config"
	"deepiglu/pkg/dataset"
	"deepiglu/pkg/examplefilter"
	"deepiglu/pkg/inference"
	"deepiglu/pkg/seqio"
	"deepiglu/pkg/store"
	"deepiglu/pkg/visualization"
)

const usage = `Usage: deepiglu <command> [flags]

Commands:
  prepare      build a training dataset from a directory of recordings
  filter       copy the examples of a dataset whose peak intensity passes a threshold
  denoise      denoise a recording or a directory of recordings
  metadata     export the CSV metadata of a dataset
  runs         list the runs recorded in a dataset
  slices       save image slices of a recording along every axis
  init-config  write a default configuration file

Run 'deepiglu <command> -h' for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "prepare":
		err = runPrepare(ctx, args)
	case "filter":
		err = runFilter(ctx, args)
	case "denoise":
		err = runDenoise(ctx, args)
	case "metadata":
		err = runMetadata(ctx, args)
	case "runs":
		err = runRuns(ctx, args)
	case "slices":
		err = runSlices(args)
	case "init-config":
		err = runInitConfig(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		stop()
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

// commonFlags are shared by every command that reads a configuration
type commonFlags struct {
	configPath string
	verbose    bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "deepiglu.yaml", "Path to the YAML configuration file")
	fs.BoolVar(&c.verbose, "verbose", false, "Enable debug logging")
}

// load reads the configuration and initializes logging
func (c *commonFlags) load() (*config.Config, error) {
	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.verbose {
		cfg.Output.Verbose = true
	}
	logging.Init(cfg.Output.Verbose)
	return cfg, nil
}

// setFlags returns the names of flags given on the command line
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func splitEndings(s string) []string {
	var endings []string
	for _, e := range strings.Split(s, ",") {
		if e = strings.TrimSpace(e); e != "" {
			endings = append(endings, e)
		}
	}
	return endings
}

func runPrepare(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("prepare", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	dir := fs.String("input", "", "Directory searched recursively for recordings")
	out := fs.String("output", "", "Dataset file")
	endings := fs.String("endings", "", "Comma-separated recording file endings")
	workers := fs.Int("workers", 0, "Number of recordings processed concurrently")
	overwrite := fs.Bool("overwrite", false, "Replace an existing dataset instead of appending")
	memory := fs.Bool("memory-optimized", false, "Normalize frame by frame")
	seed := fs.Uint64("seed", 0, "Seed for background sampling")
	previews := fs.Bool("save-intermediary", false, "Save activity map previews")
	fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	set := setFlags(fs)
	if set["input"] {
		cfg.Prepare.Directory = *dir
	}
	if set["output"] {
		cfg.Store.Path = *out
	}
	if set["endings"] {
		cfg.Prepare.FileEndings = splitEndings(*endings)
	}
	if set["workers"] {
		cfg.Prepare.Workers = *workers
	}
	if set["overwrite"] {
		cfg.Prepare.Overwrite = *overwrite
	}
	if set["memory-optimized"] {
		cfg.Prepare.MemoryOptimized = *memory
	}
	if set["seed"] {
		cfg.Prepare.Seed = *seed
	}
	if set["save-intermediary"] {
		cfg.Output.SaveIntermediaryResults = *previews
	}
	if err := cfg.ValidatePrepare(); err != nil {
		return err
	}

	params, err := dataset.ParamsFromConfig(cfg)
	if err != nil {
		return err
	}
	log.Debugf("Prepare parameters:\n%s", params)

	res, err := dataset.NewBuilder(params, seqio.NewMulti()).Build(ctx)
	if res != nil {
		log.Infof("Processed %d of %d recording(s) in %s", res.Processed, res.Files, res.Elapsed.Round(time.Millisecond))
		log.Infof("Wrote %s examples (%d foreground, %d background) to %s",
			humanize.Comma(int64(res.Written)), res.Foreground, res.Background, params.StorePath)
		for _, f := range res.Failures {
			log.Warnf("Failed: %v", f)
		}
	}
	return err
}

func runFilter(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("filter", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	in := fs.String("input", "", "Source dataset")
	out := fs.String("output", "", "Filtered dataset")
	minIntensity := fs.Float64("min-intensity", 0, "Minimum box-filtered peak intensity")
	roi := fs.Int("roi-size", 0, "Box filter size")
	fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	set := setFlags(fs)
	if set["input"] {
		cfg.Filter.Input = *in
	}
	if set["output"] {
		cfg.Filter.Output = *out
	}
	if set["min-intensity"] {
		cfg.Filter.MinIntensity = *minIntensity
	}
	if set["roi-size"] {
		cfg.Filter.RoiSize = *roi
	}
	if err := cfg.ValidateFilter(); err != nil {
		return err
	}

	params, err := examplefilter.ParamsFromConfig(cfg)
	if err != nil {
		return err
	}
	res, err := examplefilter.Run(ctx, params)
	if err != nil {
		return err
	}
	log.Infof("Filter run %s kept %s of %s examples", res.RunID, humanize.Comma(int64(res.Kept)), humanize.Comma(int64(res.Scanned)))
	return nil
}

func runDenoise(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("denoise", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	in := fs.String("input", "", "Recording, or directory of recordings with -directory")
	out := fs.String("output", "", "Output file, or output directory with -directory")
	dirMode := fs.Bool("directory", false, "Denoise every matching recording in the input directory")
	batch := fs.Int("batch-size", 0, "Frames per model call")
	bits := fs.Int("bit-depth", 0, "Output bit depth, 8 or 16")
	modelURL := fs.String("model-url", "", "Model server endpoint; empty uses the identity model")
	cpu := fs.Bool("cpu", false, "Ask the model server to run on the CPU")
	fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	set := setFlags(fs)
	if set["input"] {
		cfg.Denoise.Path = *in
	}
	if set["output"] {
		cfg.Denoise.OutputPath = *out
	}
	if set["directory"] {
		cfg.Denoise.DirectoryMode = *dirMode
	}
	if set["batch-size"] {
		cfg.Denoise.BatchSize = *batch
	}
	if set["bit-depth"] {
		cfg.Denoise.BitDepth = *bits
	}
	if set["model-url"] {
		cfg.Denoise.ModelURL = *modelURL
	}
	if set["cpu"] {
		cfg.Denoise.CPU = *cpu
	}
	if err := cfg.ValidateDenoise(); err != nil {
		return err
	}
	d := cfg.Denoise
	if d.Path == "" || d.OutputPath == "" {
		return errors.New("both an input and an output path are required")
	}

	var model inference.Model = inference.IdentityModel{}
	if d.ModelURL != "" {
		model = inference.NewRemoteModel(d.ModelURL, inference.RemoteOptions{Retries: d.Retries, CPU: d.CPU})
	}
	engine, err := inference.NewEngine(model, seqio.NewMulti(), inference.Options{BatchSize: d.BatchSize, BitDepth: d.BitDepth})
	if err != nil {
		return err
	}

	start := time.Now()
	if d.DirectoryMode {
		res, err := engine.DenoiseDirectory(ctx, d.Path, d.OutputPath, d.FileEndings)
		if res != nil {
			log.Infof("Denoised %d recording(s) in %s, skipped %d", len(res.Written), time.Since(start).Round(time.Millisecond), len(res.Failures))
			for _, f := range res.Failures {
				log.Warnf("Skipped: %v", f)
			}
		}
		return err
	}

	if _, err := engine.DenoiseFile(ctx, d.Path); err != nil {
		return err
	}
	if err := engine.WriteDenoised(d.OutputPath); err != nil {
		return err
	}
	log.Infof("Denoised %s in %s", filepath.Base(d.Path), time.Since(start).Round(time.Millisecond))
	return nil
}

// openExisting opens a dataset that must already exist
func openExisting(ctx context.Context, cfg *config.Config, path string) (*store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	opts, err := store.ParseOptions(cfg.Store.Compression, cfg.Store.Precision)
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, path, store.ModeAppend, opts)
}

func runMetadata(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("metadata", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	path := fs.String("input", "", "Dataset file")
	out := fs.String("output", "", "CSV file; defaults to the dataset path with a .csv extension")
	fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *path != "" {
		cfg.Store.Path = *path
		cfg.Store.MetadataPath = ""
	}
	if *out != "" {
		cfg.Store.MetadataPath = *out
	}

	st, err := openExisting(ctx, cfg, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.ExportMetadata(ctx, cfg.MetadataPath())
	if err != nil {
		return err
	}
	log.Infof("Exported %s records to %s", humanize.Comma(int64(n)), cfg.MetadataPath())
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	var common commonFlags
	common.register(fs)
	path := fs.String("input", "", "Dataset file")
	fs.Parse(args)

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *path != "" {
		cfg.Store.Path = *path
	}

	st, err := openExisting(ctx, cfg, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.Runs(ctx)
	if err != nil {
		return err
	}
	for _, r := range runs {
		state := "unfinished"
		if !r.FinishedAt.IsZero() {
			state = "took " + r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Printf("%s  %-7s  %s (%s)  keys %d+%d  skipped %d  failed %d\n",
			r.ID, r.Kind, r.StartedAt.Format(time.RFC3339), state, r.FirstKey, r.Written, r.Skipped, r.Failed)
	}
	return nil
}

func runSlices(args []string) error {
	fs := flag.NewFlagSet("slices", flag.ExitOnError)
	in := fs.String("input", "", "Recording file")
	out := fs.String("output", "slices", "Directory to save extracted slices")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	fs.Parse(args)
	logging.Init(*verbose)

	if *in == "" {
		fs.Usage()
		return errors.New("an input recording is required")
	}
	seq, err := seqio.NewMulti().Open(*in)
	if err != nil {
		return err
	}

	viewer := visualization.NewViewer(seq)
	for _, axis := range []string{"t", "y", "x"} {
		axisDir := filepath.Join(*out, axis)
		log.Infof("Saving %s-axis slices to: %s", axis, axisDir)
		if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
			log.Warnf("Failed to save %s-axis slices: %v", axis, err)
		}
	}
	return nil
}

func runInitConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	path := fs.String("config", "deepiglu.yaml", "Path of the configuration file to write")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)
	logging.Init(false)

	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s already exists, use -force to overwrite it", *path)
	}
	if err := config.CreateDefaultConfigFile(*path); err != nil {
		return err
	}
	log.Infof("Wrote default configuration to %s", *path)
	return nil
}
