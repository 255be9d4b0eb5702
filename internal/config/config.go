package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Storage    StorageConfig    `yaml:"storage" mapstructure:"storage"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Vision     VisionConfig     `yaml:"vision" mapstructure:"vision"`
	Render     RenderConfig     `yaml:"render" mapstructure:"render"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// StorageConfig configures where uploaded PDFs are kept.
type StorageConfig struct {
	UploadDir string `yaml:"upload_dir" mapstructure:"upload_dir"`
}

// ExtractionConfig tunes rendering, escalation and job concurrency.
type ExtractionConfig struct {
	ExtractDPI          int     `yaml:"extract_dpi" mapstructure:"extract_dpi"`
	RetryDPI            int     `yaml:"retry_dpi" mapstructure:"retry_dpi"`
	PageConcurrency     int     `yaml:"page_concurrency" mapstructure:"page_concurrency"`
	PageTimeoutSecs     int     `yaml:"page_timeout_secs" mapstructure:"page_timeout_secs"`
	BigPDFPages         int     `yaml:"big_pdf_pages" mapstructure:"big_pdf_pages"`
	BigPDFBytes         int64   `yaml:"big_pdf_bytes" mapstructure:"big_pdf_bytes"`
	BatchSize           int     `yaml:"batch_size" mapstructure:"batch_size"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold"`
	ImageFormat         string  `yaml:"image_format" mapstructure:"image_format"`
	RenderRetry         bool    `yaml:"render_retry" mapstructure:"render_retry"`
}

// VisionConfig selects and authenticates the vision model.
type VisionConfig struct {
	Provider     string  `yaml:"provider" mapstructure:"provider"`
	Model        string  `yaml:"model" mapstructure:"model"`
	GeminiKey    string  `yaml:"gemini_api_key" mapstructure:"gemini_api_key"`
	AnthropicKey string  `yaml:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	MistralKey   string  `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	MaxTokens    int     `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// RenderConfig locates the poppler binaries.
type RenderConfig struct {
	PdfToPPMPath string `yaml:"pdftoppm_path" mapstructure:"pdftoppm_path"`
	PdfInfoPath  string `yaml:"pdfinfo_path" mapstructure:"pdfinfo_path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

const mb = 1 << 20

// Load reads configuration from file and environment, then clamps it.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INVOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "data/invoices.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("storage.upload_dir", "data/uploads")
	v.SetDefault("extraction.extract_dpi", 200)
	v.SetDefault("extraction.retry_dpi", 300)
	v.SetDefault("extraction.page_concurrency", 3)
	v.SetDefault("extraction.page_timeout_secs", 180)
	v.SetDefault("extraction.big_pdf_pages", 10)
	v.SetDefault("extraction.big_pdf_bytes", 8*mb)
	v.SetDefault("extraction.batch_size", 3)
	v.SetDefault("extraction.confidence_threshold", 0.70)
	v.SetDefault("extraction.image_format", "jpeg")
	v.SetDefault("extraction.render_retry", true)
	v.SetDefault("vision.provider", "gemini")
	v.SetDefault("vision.rate_limit_rps", 0)
	v.SetDefault("vision.max_tokens", 8192)
	v.SetDefault("render.pdftoppm_path", "pdftoppm")
	v.SetDefault("render.pdfinfo_path", "pdfinfo")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173", "http://127.0.0.1:5173"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.Normalize()

	return &cfg, nil
}

// Normalize clamps extraction settings into their supported ranges.
func (c *Config) Normalize() {
	e := &c.Extraction
	e.ExtractDPI = clamp(e.ExtractDPI, 100, 400)
	e.RetryDPI = clamp(e.RetryDPI, e.ExtractDPI, 600)
	e.PageConcurrency = clamp(e.PageConcurrency, 1, 3)
	e.PageTimeoutSecs = clamp(e.PageTimeoutSecs, 30, 900)
	e.BigPDFPages = clamp(e.BigPDFPages, 1, 500)
	e.BigPDFBytes = clamp(e.BigPDFBytes, 1*mb, 200*mb)
	e.BatchSize = clamp(e.BatchSize, 1, 6)
	if e.ConfidenceThreshold <= 0 || e.ConfidenceThreshold > 1 {
		e.ConfidenceThreshold = 0.70
	}

	c.Vision.Provider = strings.ToLower(strings.TrimSpace(c.Vision.Provider))
	if c.Vision.RateLimitRPS < 0 {
		c.Vision.RateLimitRPS = 0
	}
}

// Validate checks that the settings a command mode needs are present. All
// problems are reported together.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "extract", "store":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if mode != "extract" {
		switch c.Store.Driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, "store.driver must be sqlite or postgres")
		}
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}

	if mode == "serve" {
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Storage.UploadDir == "" {
			errs = append(errs, "storage.upload_dir is required")
		}
	}

	if mode == "serve" || mode == "extract" {
		switch c.Vision.Provider {
		case "", "gemini":
			if c.Vision.GeminiKey == "" {
				errs = append(errs, "vision.gemini_api_key is required")
			}
		case "anthropic":
			if c.Vision.AnthropicKey == "" {
				errs = append(errs, "vision.anthropic_api_key is required")
			}
		case "mistral":
			if c.Vision.MistralKey == "" {
				errs = append(errs, "vision.mistral_api_key is required")
			}
		default:
			errs = append(errs, fmt.Sprintf("vision.provider %q is not supported", c.Vision.Provider))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func clamp[T int | int64](v, lo, hi T) T {
	return max(lo, min(v, hi))
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
