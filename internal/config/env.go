package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultDownloadWait    = 20 * time.Second
	DefaultDownloadBackoff = 2 * time.Second
)

// Runtime holds process settings that come from the environment rather than
// from the model configuration file.
type Runtime struct {
	ConfigPath      string
	ModelDir        string
	ModelURL        string
	DownloadWait    time.Duration
	DownloadBackoff time.Duration
	ORTLibrary      string
	FaceDetectorDir string
	AWSRegion       string
	Preload         bool

	Port           string
	UploadDir      string
	MaxUploadBytes int64
	RateLimit      float64
	RateBurst      int

	LogLevel string
	LogFile  string
}

// FromEnv reads runtime settings, falling back to defaults for anything
// missing or malformed.
func FromEnv() Runtime {
	return Runtime{
		ConfigPath:      getEnv("MODEL_CONFIG", "checkpoint_info.json"),
		ModelDir:        getEnv("MODEL_DIR", "DeepLearning"),
		ModelURL:        strings.TrimSpace(os.Getenv("MODEL_URL")),
		DownloadWait:    seconds("MODEL_DOWNLOAD_WAIT", DefaultDownloadWait),
		DownloadBackoff: seconds("MODEL_DOWNLOAD_BACKOFF", DefaultDownloadBackoff),
		ORTLibrary:      os.Getenv("ONNXRUNTIME_LIB"),
		FaceDetectorDir: getEnv("FACE_DETECTOR_DIR", "face_detector"),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),
		Preload:         getBool("MODEL_PRELOAD", false),

		Port:           getEnv("PORT", "5000"),
		UploadDir:      getEnv("UPLOAD_DIR", os.TempDir()),
		MaxUploadBytes: int64(getInt("MAX_UPLOAD_MB", 10)) << 20,
		RateLimit:      getFloat("RATE_LIMIT_RPS", 5),
		RateBurst:      getInt("RATE_LIMIT_BURST", 10),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  os.Getenv("LOG_FILE"),
	}
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// seconds accepts only a non-negative whole number of seconds.
func seconds(key string, fallback time.Duration) time.Duration {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n < 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func getInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return b
}
