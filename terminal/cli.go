package terminal

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Config holds the server configuration parsed from the command line
type Config struct {
	ListenPort        int
	RootDir           string
	FragmentSizeLimit int64
	IdleTimeout       time.Duration
	MetricsAddr       string
	LogLevel          string
}

// DefaultConfig returns the default server configuration
func DefaultConfig() *Config {
	return &Config{
		ListenPort:        8080,
		RootDir:           ".",
		FragmentSizeLimit: 100 * 1024 * 1024,
		IdleTimeout:       0,
		MetricsAddr:       "",
		LogLevel:          "info",
	}
}

// ParseFlags parses command line flags into a Config. The second return
// value is true when the program should exit without starting the server
// (help or version requested).
func ParseFlags(args []string) (*Config, bool, error) {
	config := DefaultConfig()

	fs := flag.NewFlagSet("bitsserver", flag.ContinueOnError)
	fs.IntVar(&config.ListenPort, "port", config.ListenPort, "Listen port for the BITS upload server")
	fs.StringVar(&config.RootDir, "root", config.RootDir, "Root directory upload targets are resolved under")
	fs.Int64Var(&config.FragmentSizeLimit, "fragment-limit", config.FragmentSizeLimit, "Maximum accepted fragment size in bytes")
	fs.DurationVar(&config.IdleTimeout, "idle-timeout", config.IdleTimeout, "Release sessions idle for this long (0 disables)")
	fs.StringVar(&config.MetricsAddr, "metrics-addr", config.MetricsAddr, "Listen address for the Prometheus metrics endpoint (empty disables)")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "Log level (debug, info, warn, error)")
	showVersion := fs.Bool("version", false, "Show version and exit")

	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, err
	}

	if *showVersion {
		ShowVersion()
		return nil, true, nil
	}

	return config, false, nil
}

// ValidateConfig validates the parsed configuration
func ValidateConfig(config *Config) error {
	info, err := os.Stat(config.RootDir)
	if err != nil {
		return fmt.Errorf("root directory does not exist: %s", config.RootDir)
	}
	if !info.IsDir() {
		return fmt.Errorf("root path is not a directory: %s", config.RootDir)
	}

	if config.ListenPort <= 0 || config.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port: %d (must be 1-65535)", config.ListenPort)
	}

	if config.FragmentSizeLimit <= 0 {
		return fmt.Errorf("invalid fragment size limit: %d (must be positive)", config.FragmentSizeLimit)
	}

	if config.IdleTimeout < 0 {
		return fmt.Errorf("invalid idle timeout: %v (must not be negative)", config.IdleTimeout)
	}

	if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", config.LogLevel)
	}

	return nil
}

// PrintStartupInfo prints server startup information
func PrintStartupInfo(config *Config) {
	heading := color.New(color.FgGreen, color.Bold)
	field := color.New(color.FgCyan)

	heading.Println("Starting BITS upload server...")
	field.Printf("  Listening on port:   %d\n", config.ListenPort)
	field.Printf("  Upload root:         %s\n", config.RootDir)
	field.Printf("  Fragment size limit: %d bytes\n", config.FragmentSizeLimit)
	if config.IdleTimeout > 0 {
		field.Printf("  Idle session expiry: %v\n", config.IdleTimeout)
	} else {
		field.Printf("  Idle session expiry: disabled\n")
	}
	if config.MetricsAddr != "" {
		field.Printf("  Metrics endpoint:    http://%s/metrics\n", config.MetricsAddr)
	}
}

// HandleStartupError handles startup errors with appropriate logging and exit
func HandleStartupError(logger *logrus.Logger, err error, context string) {
	logger.Fatalf("Failed to %s: %v", context, err)
}

// ShowVersion displays version information
func ShowVersion() {
	fmt.Println("BITS Upload Server v1.0")
	fmt.Println("Built with Go")
}
