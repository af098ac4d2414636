package config

import (
	"os"
	"path/filepath"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/joho/godotenv"
	"github.com/kballard/go-shellquote"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/jml/rules-r/pkg/rules"
)

// FileName is the name of the optional config file in the project root
const FileName = "rbuild.toml"

// EnvFileName is an optional dotenv file in the project root. Variables already set in the environment
// take precedence.
const EnvFileName = ".env"

// Config describes all configuration options
type Config struct {
	Log struct {
		Level string `env:"LEVEL" default:"info" usage:"Minimum level of log messages (debug, info, warn, error)"`
		JSON  bool   `env:"JSON" default:"false" usage:"Output JSONND instead of pretty console messages"`
	} `env:"LOG"`
	R struct {
		Binary      string `env:"BINARY" default:"R" usage:"R executable used for R CMD INSTALL, build and check"`
		Rscript     string `env:"RSCRIPT" default:"Rscript" usage:"Rscript executable used to run tests"`
		InstallArgs string `env:"INSTALL_ARGS" usage:"Additional arguments for R CMD INSTALL"`
		BuildArgs   string `env:"BUILD_ARGS" usage:"Additional arguments for R CMD build"`
		CheckArgs   string `env:"CHECK_ARGS" default:"--no-manual" usage:"Additional arguments for R CMD check"`
	} `env:"R"`
	Makevars struct {
		Linux  string `env:"LINUX" usage:"Makevars file used on Linux hosts"`
		Darwin string `env:"DARWIN" usage:"Makevars file used on macOS hosts"`
	} `env:"MAKEVARS"`
	PkgConfigPath string `env:"PKG_CONFIG_PATH" usage:"PKG_CONFIG_PATH exported on macOS"`
	OutputDir     string `env:"OUTPUT_DIR" default:"rbuild-out" usage:"Directory below the project root receiving all build outputs"`
	Cache         string `env:"CACHE" usage:"Path of the descriptor cache (defaults to a file in the output directory)"`
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object. The config file in
// root is only read if it exists.
func Loader(root string) (*Config, *aconfig.Loader) {
	files := []string{}
	configFile := filepath.Join(root, FileName)
	if info, err := os.Stat(configFile); err == nil && !info.IsDir() {
		files = append(files, configFile)
	}

	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "RBUILD",
		SkipFlags: true,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads the configuration for the project in root and validates it
func Load(root string) (*Config, error) {
	envFile := filepath.Join(root, EnvFileName)
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, eris.Wrapf(err, "Failed to load %s", envFile)
		}
	}

	cfg, loader := Loader(root)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.OutputDir == "" {
		return eris.New("output_dir can't be empty")
	}
	if filepath.IsAbs(cfg.OutputDir) {
		return eris.Errorf("Invalid value for output_dir: %s (must be relative to the project root)", cfg.OutputDir)
	}

	for name, value := range map[string]string{
		"r.install_args": cfg.R.InstallArgs,
		"r.build_args":   cfg.R.BuildArgs,
		"r.check_args":   cfg.R.CheckArgs,
	} {
		if _, err := shellquote.Split(value); err != nil {
			return eris.Wrapf(err, "Invalid value for %s", name)
		}
	}

	return cfg.Toolchain().Validate()
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// Toolchain returns the configured R toolchain
func (cfg *Config) Toolchain() rules.Toolchain {
	tc := rules.DefaultToolchain()
	tc.R = cfg.R.Binary
	tc.Rscript = cfg.R.Rscript
	tc.MakevarsLinux = cfg.Makevars.Linux
	tc.MakevarsDarwin = cfg.Makevars.Darwin
	if cfg.PkgConfigPath != "" {
		tc.PkgConfigPath = cfg.PkgConfigPath
	}
	return tc
}

// InstallArgs returns the arguments passed to every R CMD INSTALL call
func (cfg *Config) InstallArgs() []string { return split(cfg.R.InstallArgs) }

// BuildArgs returns the default arguments for R CMD build
func (cfg *Config) BuildArgs() []string { return split(cfg.R.BuildArgs) }

// CheckArgs returns the default arguments for R CMD check
func (cfg *Config) CheckArgs() []string { return split(cfg.R.CheckArgs) }

// CachePath returns the location of the descriptor cache for the project in root
func (cfg *Config) CachePath(root string) string {
	if cfg.Cache == "" {
		return filepath.Join(root, cfg.OutputDir, "descriptors.cache")
	}
	if filepath.IsAbs(cfg.Cache) {
		return cfg.Cache
	}
	return filepath.Join(root, cfg.Cache)
}

func split(value string) []string {
	// Validate already rejected values which can't be split
	words, err := shellquote.Split(value)
	if err != nil {
		return nil
	}
	return words
}
