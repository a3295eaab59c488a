package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/RaresBorcea/OS-loader/pkg/cfg"
	"github.com/RaresBorcea/OS-loader/pkg/loader"
	"github.com/RaresBorcea/OS-loader/pkg/platform"
	"github.com/RaresBorcea/OS-loader/pkg/source"
)

var imagePath string

func parseFlags() {
	flag.StringVar(&imagePath, "image", "", "Path to the executable image")

	flag.Parse()
}

func main() {
	parseFlags()

	if imagePath == "" {
		fmt.Fprintln(os.Stderr, "usage: loader -image <path> [guest args...]")
		os.Exit(2)
	}

	config, err := cfg.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse config: %v\n", err)
		os.Exit(2)
	}

	log := newLogger(config)
	defer log.Sync()

	zap.ReplaceGlobals(log)

	p, err := platform.New()
	if err != nil {
		log.Fatal("unsupported host", zap.Error(err))
	}

	l := loader.New(p, loaderOptions(config, log)...)

	if err := l.Init(); err != nil {
		log.Fatal("failed to initialize loader", zap.Error(err))
	}

	if err := l.Execute(imagePath, flag.Args()); err != nil {
		log.Error("execution failed", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(config cfg.Config) *zap.Logger {
	level, err := zap.ParseAtomicLevel(config.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", config.LogLevel, err)
		os.Exit(2)
	}

	logCfg := zap.NewProductionConfig()
	logCfg.Level = level

	log, err := logCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(2)
	}

	return log
}

func loaderOptions(config cfg.Config, log *zap.Logger) []loader.Option {
	opts := []loader.Option{loader.WithLogger(log)}

	var base loader.SourceFactory

	switch config.SourceMode {
	case "pread":
		base = func(path string) (source.Source, error) {
			return source.NewFileSource(path)
		}
	case "mmap":
		base = func(path string) (source.Source, error) {
			return source.NewMmapSource(path)
		}
	default:
		log.Fatal("unknown source mode", zap.String("mode", config.SourceMode))
	}

	factory := base
	if config.Prefetch {
		factory = func(path string) (source.Source, error) {
			src, err := base(path)
			if err != nil {
				return nil, err
			}

			pf := source.NewPrefetcher(src, config.PrefetchConcurrency)
			pf.Start()

			return pf, nil
		}
	}

	return append(opts, loader.WithSourceFactory(factory))
}
