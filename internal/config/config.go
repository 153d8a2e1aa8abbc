package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"ytdlp-web/internal/classifier"
	"ytdlp-web/internal/downloader"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Tasks struct {
		File      string
		Max       int
		Retention time.Duration
	}
	Download struct {
		Path              string
		VODPath           string
		FallbackPath      string
		MaxFilenameLength int
	}
	Engine struct {
		Binary             string
		Helper             string
		Format             string
		CommonArgs         []string
		HelperArgs         string
		FirstOutputTimeout time.Duration
		IdleTimeout        time.Duration
		WaitTimeout        time.Duration
		KillGrace          time.Duration
		Heartbeat          time.Duration
	}
	Classifier struct {
		Critical []string
		Ignore   []string
	}
	Database struct {
		Path string
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Log struct {
		Level string
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("YTDLPWEB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// an empty YTDLPWEB_ENGINE_HELPER disables the external downloader
	v.AllowEmptyEnv(true)

	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:5000")
	v.SetDefault("tasks.file", "tasks.json")
	v.SetDefault("tasks.max", 50)
	v.SetDefault("tasks.retention", "24h")
	v.SetDefault("download.path", "downloads")
	v.SetDefault("download.vodpath", "downloads/vods")
	v.SetDefault("download.fallbackpath", "./downloads")
	v.SetDefault("download.maxfilenamelength", downloader.DefaultMaxFilenameLength)
	v.SetDefault("engine.binary", "yt-dlp")
	v.SetDefault("engine.helper", "aria2c")
	v.SetDefault("engine.format", downloader.DefaultFormat)
	v.SetDefault("engine.commonargs", downloader.DefaultCommonArgs)
	v.SetDefault("engine.helperargs", downloader.DefaultHelperArgs)
	v.SetDefault("engine.firstoutputtimeout", "60s")
	v.SetDefault("engine.idletimeout", "300s")
	v.SetDefault("engine.waittimeout", "30s")
	v.SetDefault("engine.killgrace", "5s")
	v.SetDefault("engine.heartbeat", "30s")
	v.SetDefault("classifier.critical", classifier.DefaultCriticalPatterns)
	v.SetDefault("classifier.ignore", classifier.DefaultIgnorePatterns)
	v.SetDefault("database.path", "data/history.db")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "downloads")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("log.level", "info")
}

func (c Config) validate() error {
	if c.Tasks.Max <= 0 {
		return fmt.Errorf("tasks.max must be positive, got %d", c.Tasks.Max)
	}
	if c.Tasks.Retention <= 0 {
		return fmt.Errorf("tasks.retention must be positive, got %s", c.Tasks.Retention)
	}
	if strings.TrimSpace(c.Engine.Binary) == "" {
		return fmt.Errorf("engine.binary is required")
	}
	if c.Download.MaxFilenameLength <= 0 {
		return fmt.Errorf("download.maxfilenamelength must be positive")
	}
	return nil
}

func loadDotEnv() {
	file, err := os.Open(".env")
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
