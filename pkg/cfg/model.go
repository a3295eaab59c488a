package cfg

import "github.com/caarlos0/env/v11"

type Config struct {
	// How the pager reads the image: "pread" reads file slices on demand,
	// "mmap" copies out of a read-only mapping of the whole file.
	SourceMode string `env:"LOADER_SOURCE_MODE" envDefault:"pread"`

	// Stream the image once in the background to warm the OS page cache.
	Prefetch            bool `env:"LOADER_PREFETCH"`
	PrefetchConcurrency int  `env:"LOADER_PREFETCH_CONCURRENCY" envDefault:"2"`

	LogLevel string `env:"LOADER_LOG_LEVEL" envDefault:"info"`
}

func Parse() (Config, error) {
	return env.ParseAs[Config]()
}
