package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR}, ${VAR:-default}, ${VAR:?message} and $VAR.
//
// Groups: 1 braced name, 2 modifier ("-" or "?"), 3 modifier value,
// 4 bare name.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Load reads the YAML file at path, after loading .env files and expanding
// environment references. Relative paths are resolved against the file's
// directory.
func Load(path string) (*Config, error) {
	loadEnvFiles(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, err
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveRelativePaths(cfg, filepath.Dir(path))
	checkFilePermissions(path)
	return cfg, nil
}

// Parse decodes YAML over Default and applies per-bot defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	for i := range cfg.Bots {
		cfg.Bots[i].applyDefaults()
	}
	return cfg, nil
}

// Save writes cfg as YAML with owner-only permissions, keeping a .bak copy
// of any existing file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile returns the first config file found in the standard
// locations, or "".
func FindConfigFile() string {
	candidates := []string{
		"pandabot.yaml",
		"pandabot.yml",
		"config.yaml",
		"config.yml",
		"configs/pandabot.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".pandabot", "config.yaml"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env and .env.local from the working directory and the
// config directory. Existing variables are never overwritten.
func loadEnvFiles(configDir string) {
	dirs := []string{"."}
	if configDir != "" && configDir != "." {
		dirs = append(dirs, configDir)
	}
	for _, dir := range dirs {
		for _, name := range []string{".env", ".env.local"} {
			_ = godotenv.Load(filepath.Join(dir, name))
		}
	}
}

// expandEnvVars substitutes environment references. Unset ${VAR} and $VAR
// are left as written; an unset ${VAR:?msg} is an error.
func expandEnvVars(input string) (string, error) {
	var missing []string
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}

		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			missing = append(missing, name+": "+value)
		}
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("config error: %s", strings.Join(missing, "; "))
	}
	return out, nil
}

func resolveRelativePaths(cfg *Config, configDir string) {
	cfg.DataDir = resolvePath(cfg.DataDir, configDir)
	cfg.Storage.DBPath = resolvePath(cfg.Storage.DBPath, configDir)
}

// resolvePath expands ~ and makes relative paths relative to configDir.
func resolvePath(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// checkFilePermissions warns when the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
