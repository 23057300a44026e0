// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone.
//  2. Parse the command line (only to find -c/--config-file and to record
//     which flags were given).
//  3. Load .env and the config files via godotenv. Values never override
//     variables already in the environment.
//  4. If APP_ENV != "local", resolve _SSM_PARAM pointers via the
//     SecretProvider and inject the values into the environment.
//  5. Use envconfig to populate the Config struct.
//  6. Apply command-line flags on top.
//  7. Populate BuildInfo from linker-injected variables.
//  8. Validate the struct using go-playground/validator.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
)

// ErrHelp is returned by LoadConfig when -h or --help was given. The usage
// has already been printed.
var ErrHelp = pflag.ErrHelp

// ConfigError is a diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks environment variables that point at an SSM parameter.
// SNS_EMAIL_SQS_QUEUE_URL_SSM_PARAM=/prod/relay/queue resolves
// SNS_EMAIL_SQS_QUEUE_URL.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv is the APP_ENV value that bypasses SSM resolution.
const localEnv = "local"

// DefaultConfigFiles are read when present, earlier entries taking precedence.
var DefaultConfigFiles = []string{"~/.config/sns-email.conf", "/etc/sns-email.conf"}

// loaderDeps holds the injectable dependencies for the loader.
type loaderDeps struct {
	lookupEnv   func(key string) (string, bool)
	setEnv      func(key, value string) error
	environ     func() []string
	homeDir     func() (string, error)
	configFiles []string
	dotenv      string
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv:   os.LookupEnv,
		setEnv:      os.Setenv,
		environ:     os.Environ,
		homeDir:     os.UserHomeDir,
		configFiles: DefaultConfigFiles,
		dotenv:      ".env",
	}
}

// flagValues holds the parsed command line.
type flagValues struct {
	set        *pflag.FlagSet
	configFile string

	address           string
	port              int
	acceptDestination string
	sqsQueueURL       string
	sqsRegion         string
	verbose           int
	sendmailPath      string
	metricsBackend    string
	dryRun            bool
}

func parseFlags(args []string) (*flagValues, error) {
	name := "sesrelay"
	if len(os.Args) > 0 {
		name = filepath.Base(os.Args[0])
	}
	fv := &flagValues{set: pflag.NewFlagSet(name, pflag.ContinueOnError)}
	fs := fv.set
	fs.SortFlags = false

	fs.StringVarP(&fv.configFile, "config-file", "c", "", "config file path")
	fs.StringVar(&fv.address, "address", "localhost", "the IP address for the HTTP server")
	fs.IntVar(&fv.port, "port", 10000, "the port for the HTTP server")
	fs.StringVar(&fv.acceptDestination, "accept-destination", ".*", "regex to match destination email addresses")
	fs.StringVar(&fv.sqsQueueURL, "sqs-queue-url", "", "URL of the SQS queue where mail notifications are delivered")
	fs.StringVar(&fv.sqsRegion, "sqs-region", "", "region of the SQS queue where mail notifications are delivered")
	fs.CountVarP(&fv.verbose, "verbose", "v", "verbose logging")
	fs.StringVar(&fv.sendmailPath, "sendmail-path", "/usr/bin/sendmail", "path of the sendmail binary")
	fs.StringVar(&fv.metricsBackend, "metrics-backend", MetricsPrometheus, "metrics backend: prometheus, cloudwatch or none")
	fs.BoolVar(&fv.dryRun, "dry-run", false, "keep deliveries in memory instead of running sendmail")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return fv, nil
}

// apply copies the flags given on the command line into cfg.
func (fv *flagValues) apply(cfg *Config) {
	changed := fv.set.Changed
	if changed("address") {
		cfg.Address = fv.address
	}
	if changed("port") {
		cfg.Port = fv.port
	}
	if changed("accept-destination") {
		cfg.AcceptDestination = fv.acceptDestination
	}
	if changed("sqs-queue-url") {
		cfg.SQSQueueURL = fv.sqsQueueURL
	}
	if changed("sqs-region") {
		cfg.SQSRegion = fv.sqsRegion
	}
	if changed("verbose") {
		cfg.Verbosity = fv.verbose
	}
	if changed("sendmail-path") {
		cfg.SendmailPath = fv.sendmailPath
	}
	if changed("metrics-backend") {
		cfg.MetricsBackend = fv.metricsBackend
	}
	if changed("dry-run") {
		cfg.DryRun = fv.dryRun
	}
}

// LoadConfig loads and validates the relay configuration from the command
// line arguments (without the program name), the environment, config files
// and SSM.
//
// The provider may be nil when APP_ENV is "local" or no _SSM_PARAM variables
// are set.
func LoadConfig(provider SecretProvider, args []string) (*Config, error) {
	return loadConfigWithDeps(provider, args, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, args []string, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	fv, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, ErrHelp
		}
		return nil, &ConfigError{Type: ErrFlags, Message: "invalid command line", Err: err}
	}

	if err := loadFiles(fv.configFile, deps); err != nil {
		return nil, err
	}

	if appEnv(deps) != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}
	fv.apply(&cfg)
	cfg.Build = NewBuildInfo()

	if err := newValidator().Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}
	return &cfg, nil
}

// newValidator returns a validator with the "regexp" tag registered.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("regexp", func(fl validator.FieldLevel) bool {
		_, err := regexp.Compile(fl.Field().String())
		return err == nil
	})
	return v
}

func appEnv(deps loaderDeps) string {
	if v, ok := deps.lookupEnv(EnvPrefix + "_APP_ENV"); ok {
		return v
	}
	if v, ok := deps.lookupEnv("APP_ENV"); ok {
		return v
	}
	return localEnv
}

// loadFiles reads the explicit config file (from -c or
// SNS_EMAIL_CONFIG_FILE, which must exist), the default config files that
// exist, and .env, in decreasing precedence. Config file keys are case
// insensitive and may omit the SNS_EMAIL_ prefix, so "sqs_queue_url = ..."
// sets SNS_EMAIL_SQS_QUEUE_URL.
func loadFiles(explicit string, deps loaderDeps) error {
	if explicit == "" {
		explicit, _ = deps.lookupEnv(EnvPrefix + "_CONFIG_FILE")
	}

	var files []string
	if explicit != "" {
		files = append(files, explicit)
	}
	for _, f := range deps.configFiles {
		path, err := expandHome(f, deps)
		if err != nil {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}

	for _, f := range files {
		values, err := godotenv.Read(f)
		if err != nil {
			return &ConfigError{Type: ErrConfigFile, Message: fmt.Sprintf("reading %s", f), Err: err}
		}
		if err := setMissing(values, deps, true); err != nil {
			return err
		}
	}

	if deps.dotenv != "" {
		// .env is optional and takes variable names verbatim.
		if values, err := godotenv.Read(deps.dotenv); err == nil {
			if err := setMissing(values, deps, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// setMissing sets each value that is not yet in the environment.
func setMissing(values map[string]string, deps loaderDeps, normalize bool) error {
	for key, value := range values {
		if normalize {
			key = normalizeKey(key)
		}
		if _, exists := deps.lookupEnv(key); exists {
			continue
		}
		if err := deps.setEnv(key, value); err != nil {
			return &ConfigError{Type: ErrConfigFile, Message: fmt.Sprintf("setting %s", key), Err: err}
		}
	}
	return nil
}

func normalizeKey(key string) string {
	key = strings.ToUpper(strings.TrimSpace(key))
	if strings.HasPrefix(key, EnvPrefix+"_") {
		return key
	}
	return EnvPrefix + "_" + key
}

func expandHome(path string, deps loaderDeps) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := deps.homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[2:]), nil
}

// resolveSSMParams scans the environment for variables ending in _SSM_PARAM,
// fetches the parameters in one batch and injects each value under the
// variable name without the suffix. A target that is already set is left
// alone.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	pathTargets := make(map[string][]string)
	var paths, targets []string

	for _, entry := range deps.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}
		if _, seen := pathTargets[path]; !seen {
			paths = append(paths, path)
		}
		pathTargets[path] = append(pathTargets[path], target)
		targets = append(targets, target)
	}

	if len(paths) == 0 {
		return nil
	}
	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(targets, ", ")),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range paths {
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, pathTargets[path]...)
			continue
		}
		for _, target := range pathTargets[path] {
			if err := deps.setEnv(target, value); err != nil {
				return &ConfigError{
					Type:    ErrSSMResolution,
					Message: fmt.Sprintf("failed to set resolved value for %s", target),
					Err:     err,
				}
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}
	return nil
}
