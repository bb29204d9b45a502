package engage

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/joho/godotenv"
)

// LoadEnv loads local env files into the process environment. tunables like
// the toggle debounce window and directory cache ttls read their defaults
// through the helpers below, so an app can adjust them without a rebuild.
func LoadEnv() {
	files := []string{".env", ".env.local"}
	loaded := []string{}
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			glog.Infof("[cfg]could not load %s = %s\n", file, err)
			continue
		}
		loaded = append(loaded, file)
	}
	if 0 < len(loaded) {
		glog.V(1).Infof("[cfg]loaded env files: %s\n", strings.Join(loaded, ", "))
	}
}

func GetEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
