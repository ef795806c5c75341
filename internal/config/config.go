// Package config handles application configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the application configuration.
type Config struct {
	HTTP       HTTP
	App        App
	Job        Job
	Audio      Audio
	Dir        Dir
	Storage    Storage
	Redis      Redis
	DepManager DepManager
	Proxy      Proxy
}

// App holds application-wide configuration.
type App struct {
	LogLevel string `env:"SONGZIP_APP_LOG_LEVEL" envDefault:"info"`
	// Downloader selects the download backend: "ytdlp" or "mock".
	Downloader string `env:"SONGZIP_APP_DOWNLOADER" envDefault:"ytdlp"`
}

// Job holds job processing configuration.
type Job struct {
	// Timeout bounds a whole batch. Zero disables it.
	Timeout time.Duration `env:"SONGZIP_JOB_TIMEOUT" envDefault:"0s"`
	// MaxConcurrent caps the number of batches processed at once. Zero means unbounded.
	MaxConcurrent int `env:"SONGZIP_JOB_MAX_CONCURRENT" envDefault:"0"`
	// MaxURLs caps the batch size of a single submission.
	MaxURLs          int           `env:"SONGZIP_JOB_MAX_URLS"          envDefault:"50"`
	ProgressInterval time.Duration `env:"SONGZIP_JOB_PROGRESS_INTERVAL" envDefault:"400ms"`
}

// Audio holds yt-dlp format selection and transcode settings.
type Audio struct {
	Format  string `env:"SONGZIP_AUDIO_FORMAT"  envDefault:"bestaudio/best"`
	Codec   string `env:"SONGZIP_AUDIO_CODEC"   envDefault:"mp3"`
	Quality string `env:"SONGZIP_AUDIO_QUALITY" envDefault:"320"`

	// see: https://github.com/yt-dlp/yt-dlp/blob/master/README.md#extractor-arguments
	ExtractorArgs string `env:"SONGZIP_AUDIO_EXTRACTOR_ARGS" envDefault:"youtube:player_client=android"`
}

// Storage holds job store configuration.
type Storage struct {
	// Backend is "memory" or "redis".
	Backend         string        `env:"SONGZIP_STORAGE_BACKEND"          envDefault:"memory"`
	TTL             time.Duration `env:"SONGZIP_STORAGE_TTL"              envDefault:"24h"`
	CleanupInterval time.Duration `env:"SONGZIP_STORAGE_CLEANUP_INTERVAL" envDefault:"10m"`
}

// Redis holds the connection settings for the redis storage backend.
type Redis struct {
	Addr         string        `env:"SONGZIP_REDIS_ADDR"          envDefault:"localhost:6379"`
	Password     string        `env:"SONGZIP_REDIS_PASSWORD"      envDefault:""`
	DB           int           `env:"SONGZIP_REDIS_DB"            envDefault:"0"`
	KeyPrefix    string        `env:"SONGZIP_REDIS_KEY_PREFIX"    envDefault:"songzip"`
	DialTimeout  time.Duration `env:"SONGZIP_REDIS_DIAL_TIMEOUT"  envDefault:"5s"`
	ReadTimeout  time.Duration `env:"SONGZIP_REDIS_READ_TIMEOUT"  envDefault:"3s"`
	WriteTimeout time.Duration `env:"SONGZIP_REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// HTTP holds HTTP server configuration.
type HTTP struct {
	Port            string        `env:"SONGZIP_HTTP_PORT"             envDefault:":8000"`
	HandlerTimeout  time.Duration `env:"SONGZIP_HTTP_HANDLER_TIMEOUT"  envDefault:"20s"`
	ShutdownTimeout time.Duration `env:"SONGZIP_HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MaxBodyBytes    int64         `env:"SONGZIP_HTTP_MAX_BODY_BYTES"   envDefault:"1048576"`
}

// Dir holds directory paths for job temp dirs, cache, and cookie file.
type Dir struct {
	// Temp is the parent of per-job temp dirs. Empty means os.TempDir().
	Temp  string `env:"SONGZIP_DIR_TEMP"  envDefault:""`
	Cache string `env:"SONGZIP_DIR_CACHE" envDefault:"./data/cache"` // yt-dlp cache (meta, sigs)

	// must contain cookies.txt file
	// see: https://github.com/yt-dlp/yt-dlp/wiki/FAQ#how-do-i-pass-cookies-to-yt-dlp
	CookieFile string `env:"SONGZIP_DIR_COOKIE_FILE" envDefault:""`

	// relative to the job temp dir.
	// see: https://github.com/yt-dlp/yt-dlp/blob/2025.09.05/README.md#output-template
	FilenameTemplate string `env:"SONGZIP_DIR_FILENAME_TEMPLATE" envDefault:"%(title)s.%(ext)s"`
}

// SetAbsPaths converts all directory paths to absolute paths.
func (c *Dir) SetAbsPaths() error {
	var err error

	if c.Temp == "" {
		c.Temp = os.TempDir()
	}

	if c.Temp, err = filepath.Abs(c.Temp); err != nil {
		return fmt.Errorf("temp: %w", err)
	}

	if c.Cache, err = filepath.Abs(c.Cache); err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	if c.CookieFile != "" {
		if c.CookieFile, err = filepath.Abs(c.CookieFile); err != nil {
			return fmt.Errorf("cookie file: %w", err)
		}
	}

	if filepath.IsAbs(c.FilenameTemplate) {
		return fmt.Errorf("filename template %q must be relative to the job dir", c.FilenameTemplate)
	}

	return nil
}

// New loads configuration from environment variables.
func New() (*Config, error) {
	cfg := &Config{}

	err := env.Parse(cfg)
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	err = cfg.Dir.SetAbsPaths()
	if err != nil {
		return nil, fmt.Errorf("set absolute paths: %w", err)
	}

	err = cfg.DepManager.SetAbsPaths()
	if err != nil {
		return nil, fmt.Errorf("set dep manager absolute paths: %w", err)
	}

	cfg.Proxy.parseList()

	return cfg, nil
}

// DepManager holds binary dependency management configuration.
type DepManager struct {
	// BinsDir is the directory where binaries are stored
	BinsDir string `env:"SONGZIP_DEPMANAGER_BINS_DIR" envDefault:"./bins"`
	// UseSystemBinaries indicates whether to use system-installed binaries or download them.
	UseSystemBinaries bool `env:"SONGZIP_DEPMANAGER_USE_SYSTEM_BINARIES" envDefault:"true"`
	// UpdateInterval is how often to check for binary updates
	UpdateInterval time.Duration `env:"SONGZIP_DEPMANAGER_UPDATE_INTERVAL" envDefault:"24h"`

	FFmpegSHA256SumsURL string `env:"SONGZIP_DEPMANAGER_FFMPEG_SHA256SUMS_URL" envDefault:"https://github.com/BtbN/FFmpeg-Builds/releases/latest/download/checksums.sha256"`                        //nolint:lll
	FFmpegLinuxARM64    string `env:"SONGZIP_DEPMANAGER_FFMPEG_LINUX_ARM64" envDefault:"https://github.com/BtbN/FFmpeg-Builds/releases/latest/download/ffmpeg-master-latest-linuxarm64-gpl.tar.xz"` //nolint:lll
	FFmpegLinuxAMD64    string `env:"SONGZIP_DEPMANAGER_FFMPEG_LINUX_AMD64" envDefault:"https://github.com/BtbN/FFmpeg-Builds/releases/latest/download/ffmpeg-master-latest-linux64-gpl.tar.xz"`    //nolint:lll

	YTdlpSHA256SumsURL string `env:"SONGZIP_DEPMANAGER_YTDLP_SHA256SUMS_URL" envDefault:"https://github.com/yt-dlp/yt-dlp/releases/latest/download/SHA2-256SUMS"`      //nolint:lll
	YTdlpLinuxARM64    string `env:"SONGZIP_DEPMANAGER_YTDLP_LINUX_ARM64" envDefault:"https://github.com/yt-dlp/yt-dlp/releases/latest/download/yt-dlp_linux_aarch64"` //nolint:lll
	YTdlpLinuxAMD64    string `env:"SONGZIP_DEPMANAGER_YTDLP_LINUX_AMD64" envDefault:"https://github.com/yt-dlp/yt-dlp/releases/latest/download/yt-dlp_linux"`         //nolint:lll

	DenoSHA256SumsURL string `env:"SONGZIP_DEPMANAGER_DENO_SHA256SUMS_URL" envDefault:"https://github.com/denoland/deno/releases/latest/download/deno-aarch64-unknown-linux-gnu.zip.sha256sum,https://github.com/denoland/deno/releases/latest/download/deno-x86_64-unknown-linux-gnu.zip.sha256sum"` //nolint:lll
	DenoLinuxARM64    string `env:"SONGZIP_DEPMANAGER_DENO_LINUX_ARM64" envDefault:"https://github.com/denoland/deno/releases/latest/download/deno-aarch64-unknown-linux-gnu.zip"`                                                                                                                    //nolint:lll
	DenoLinuxAMD64    string `env:"SONGZIP_DEPMANAGER_DENO_LINUX_AMD64" envDefault:"https://github.com/denoland/deno/releases/latest/download/deno-x86_64-unknown-linux-gnu.zip"`                                                                                                                     //nolint:lll
}

// SetAbsPaths converts the BinsDir path to an absolute path.
func (d *DepManager) SetAbsPaths() error {
	var err error
	if d.BinsDir, err = filepath.Abs(d.BinsDir); err != nil {
		return fmt.Errorf("bins dir: %w", err)
	}

	return nil
}

// Proxy holds proxy configuration for download requests.
type Proxy struct {
	// List is a comma-separated list of proxy URLs in socks5h format
	List string `env:"SONGZIP_PROXY_LIST" envDefault:""`
	// HealthCheckInterval is how often to check proxy health
	HealthCheckInterval time.Duration `env:"SONGZIP_PROXY_HEALTH_CHECK_INTERVAL" envDefault:"5m"`
	// FailureBackoff is the initial backoff duration for failed proxies
	FailureBackoff time.Duration `env:"SONGZIP_PROXY_FAILURE_BACKOFF" envDefault:"1m"`
	// MaxFailures is the maximum number of failures before a proxy is temporarily removed
	MaxFailures int `env:"SONGZIP_PROXY_MAX_FAILURES" envDefault:"3"`

	Proxies []string `env:"-"`
}

func (p *Proxy) parseList() {
	if p.List == "" {
		return
	}

	for proxy := range strings.SplitSeq(p.List, ",") {
		proxy = strings.TrimSpace(proxy)
		if proxy != "" {
			p.Proxies = append(p.Proxies, proxy)
		}
	}
}
