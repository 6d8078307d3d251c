package config

import (
	"bufio"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// LoadEnvFile loads environment variables for the distributor from a local
// env file. Order of precedence:
// 1) DD_ENV_FILE (explicit path)
// 2) .env.datadistributor, datadistributor.env, env/datadistributor.env
//    (searched in cwd and executable dir)
// Existing environment variables are not overridden unless
// DD_ENV_OVERRIDE=1.
func LoadEnvFile() {
	override := os.Getenv("DD_ENV_OVERRIDE") == "1"

	if path := os.Getenv("DD_ENV_FILE"); path != "" {
		loadEnvFile(path, override)
		return
	}

	candidates := []string{
		".env.datadistributor",
		"datadistributor.env",
		filepath.Join("env", "datadistributor.env"),
	}

	roots := []string{""}
	if wd, err := os.Getwd(); err == nil {
		roots = append(roots, wd)
	}
	if exe, err := os.Executable(); err == nil {
		roots = append(roots, filepath.Dir(exe))
	}

	for _, root := range roots {
		for _, rel := range candidates {
			path := rel
			if root != "" {
				path = filepath.Join(root, rel)
			}
			if _, err := os.Stat(path); err == nil {
				loadEnvFile(path, override)
				return
			}
		}
	}
}

func loadEnvFile(path string, override bool) {
	f, err := os.Open(path)
	if err != nil {
		log.Printf("datadistributor: failed to open env file %s: %v", path, err)
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	loaded := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, val, ok := splitEnvLine(line)
		if !ok {
			continue
		}
		if !override {
			if _, exists := os.LookupEnv(key); exists {
				continue
			}
		}
		_ = os.Setenv(key, val)
		loaded++
	}
	if err := scanner.Err(); err != nil {
		log.Printf("datadistributor: error reading env file %s: %v", path, err)
		return
	}
	if loaded > 0 {
		log.Printf("datadistributor: loaded %d env vars from %s", loaded, path)
	}
}

func splitEnvLine(line string) (string, string, bool) {
	idx := strings.Index(line, "=")
	if idx <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:idx])
	val := strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", false
	}
	if len(val) >= 2 {
		if (val[0] == '"' && val[len(val)-1] == '"') || (val[0] == '\'' && val[len(val)-1] == '\'') {
			val = val[1 : len(val)-1]
		}
	}
	return key, val, true
}
