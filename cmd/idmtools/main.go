package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	stlog "log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/config"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/logging"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/platform"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/tags"

	_ "github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/platform/dockerrun"
	_ "github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/platform/local"
	_ "github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/platform/natsjobs"
)

// Exit codes of the CLI surface.
const (
	exitOK           = 0
	exitIncomplete   = 1
	exitNotFound     = 2
	exitUserError    = 3
	exitBackendError = 4
)

const usage = `Usage: idmtools [-config FILE] [-platform NAME] COMMAND [args]

Commands:
  status ID [-kind KIND]            show the item's current status
  cancel ID [-kind KIND]            request cancellation of the item
  fetch  ID [-kind KIND] [-out DIR] FILE...
                                    download output files of the item
  ls     ID [-kind KIND] [-tag KEY=VAL]...
                                    list the item's children

KIND is one of suite, experiment, simulation, workitem (default simulation;
ls defaults to experiment).`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	global := flag.NewFlagSet("idmtools", flag.ContinueOnError)
	configPath := global.String("config", "idmtools.yaml", "Path to the configuration file")
	platformName := global.String("platform", "", "Platform section to use (defaults to the only configured one)")
	global.Usage = func() { fmt.Fprintln(os.Stderr, usage) }

	if err := global.Parse(args); err != nil {
		return exitUserError
	}
	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return exitUserError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		stlog.Printf("Failed to load configuration: %v", err)
		return exitUserError
	}

	logger, err := logging.NewLogger(cfg.Common.LoggingLevel)
	if err != nil {
		stlog.Printf("Failed to initialize logger: %v", err)
		return exitUserError
	}
	defer func() {
		_ = logger.Sync()
	}()

	p, err := buildPlatform(cfg, *platformName, logger)
	if err != nil {
		return report(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "status":
		err = cmdStatus(ctx, p, cmdArgs)
	case "cancel":
		err = cmdCancel(ctx, p, cmdArgs)
	case "fetch":
		err = cmdFetch(ctx, p, cmdArgs)
	case "ls":
		err = cmdLs(ctx, p, cmdArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n%s\n", cmd, usage)
		return exitUserError
	}
	if err != nil {
		logger.Error("Command failed", zap.String("command", rest[0]), zap.Error(err))
		return report(err)
	}
	return exitOK
}

// report maps an error onto the CLI exit code contract.
func report(err error) int {
	switch {
	case errors.Is(err, errs.ErrIncompleteFleet):
		return exitIncomplete
	case errors.Is(err, errs.ErrNotFound):
		return exitNotFound
	case errors.Is(err, errs.ErrValidation), errors.Is(err, flag.ErrHelp):
		return exitUserError
	}
	var unknown *errs.UnknownPluginError
	if errors.As(err, &unknown) {
		return exitUserError
	}
	return exitBackendError
}

// buildPlatform resolves the requested platform section, or the only one
// configured, and builds its driver.
func buildPlatform(cfg *config.Config, name string, logger *zap.Logger) (platform.Platform, error) {
	if name == "" {
		if len(cfg.Platforms) != 1 {
			return nil, fmt.Errorf("%w: -platform is required with %d configured platforms",
				errs.ErrValidation, len(cfg.Platforms))
		}
		for only := range cfg.Platforms {
			name = only
		}
	}
	section, err := cfg.Platform(name)
	if err != nil {
		return nil, err
	}
	driver, _ := section["type"].(string)
	if section["name"] == nil {
		section["name"] = name
	}
	return platform.Drivers.Build(driver, section, logger)
}

// itemFor builds an id-only handle the driver can resolve.
func itemFor(id, kind string) (platform.Item, error) {
	var item platform.Item
	switch kind {
	case "suite":
		item = entity.NewSuite("")
	case "experiment":
		item = entity.NewExperiment("")
	case "simulation", "":
		item = entity.NewSimulation(nil)
	case "workitem":
		item = entity.NewWorkItem("", nil)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", errs.ErrValidation, kind)
	}
	item.SetID(id)
	return item, nil
}

func parseItem(fs *flag.FlagSet, args []string, defaultKind string) (platform.Item, []string, error) {
	kind := fs.String("kind", defaultKind, "Item kind")
	if err := fs.Parse(args); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errs.ErrValidation, err)
	}
	if fs.NArg() < 1 {
		return nil, nil, fmt.Errorf("%w: an item id is required", errs.ErrValidation)
	}
	item, err := itemFor(fs.Arg(0), *kind)
	if err != nil {
		return nil, nil, err
	}
	return item, fs.Args()[1:], nil
}

func cmdStatus(ctx context.Context, p platform.Platform, args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	item, _, err := parseItem(fs, args, "simulation")
	if err != nil {
		return err
	}
	status, err := p.RefreshStatus(ctx, item)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", item.ID(), status)
	return nil
}

func cmdCancel(ctx context.Context, p platform.Platform, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	item, _, err := parseItem(fs, args, "simulation")
	if err != nil {
		return err
	}
	if err := p.Cancel(ctx, item); err != nil {
		return err
	}
	fmt.Printf("%s\tcancelled\n", item.ID())
	return nil
}

func cmdFetch(ctx context.Context, p platform.Platform, args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	outDir := fs.String("out", ".", "Directory to write fetched files under")
	item, paths, err := parseItem(fs, args, "simulation")
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("%w: at least one file path is required", errs.ErrValidation)
	}
	files, err := p.FetchFiles(ctx, item, paths)
	if err != nil {
		return err
	}
	for name, data := range files {
		dest := filepath.Join(*outDir, item.ID(), filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("%s\t%d bytes\n", dest, len(data))
	}
	return nil
}

// tagFlags accumulates repeated -tag KEY=VAL pairs.
type tagFlags struct {
	filter *tags.Filter
}

func (t *tagFlags) String() string { return "" }

func (t *tagFlags) Set(value string) error {
	for i := 0; i < len(value); i++ {
		if value[i] == '=' {
			t.filter.WhereEqual(value[:i], tags.NormalizeValue(value[i+1:]))
			return nil
		}
	}
	return fmt.Errorf("%w: -tag wants KEY=VAL, got %q", errs.ErrValidation, value)
}

func cmdLs(ctx context.Context, p platform.Platform, args []string) error {
	fs := flag.NewFlagSet("ls", flag.ContinueOnError)
	filter := &tagFlags{filter: tags.NewFilter()}
	fs.Var(filter, "tag", "Keep only children whose tags match KEY=VAL (repeatable)")
	item, _, err := parseItem(fs, args, "experiment")
	if err != nil {
		return err
	}
	children, err := p.GetChildren(ctx, item)
	if err != nil {
		return err
	}
	for _, child := range children {
		if !filter.filter.Matches(child.Tags()) {
			continue
		}
		fmt.Printf("%s\t%s\t%s\n", child.ID(), child.Status(), child.Name())
	}
	return nil
}
