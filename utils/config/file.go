// Package config locates and reads the proxy configuration file.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

const sysEnvKeyAppConfig = "app_config"

const DefaultFileName = "config.toml"

// LoadLocalConfig reads fileName from the first directory holding it:
// $app_config, the executable's directory, then the working directory.
func LoadLocalConfig(fileName string) ([]byte, string, error) {
	path := configPath(fileName)
	if !isFileExist(path) {
		return nil, path, fmt.Errorf("config file not found: %s", path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config file %s: %w", path, err)
	}
	log.Printf("config file loaded: %s, size: %d", path, len(b))
	return b, path, nil
}

func configPath(fileName string) string {
	for _, dir := range []string{os.Getenv(sysEnvKeyAppConfig), execPath(), currentPath()} {
		if strings.EqualFold(dir, "") {
			continue
		}
		if p := filepath.Join(dir, fileName); isFileExist(p) {
			return p
		}
	}
	return filepath.Join(currentPath(), fileName)
}

func isFileExist(filePath string) bool {
	info, err := os.Stat(filePath)
	return err == nil && !info.IsDir()
}

func execPath() string {
	dir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		return ""
	}
	return dir
}

func currentPath() string {
	path, _ := os.Getwd()
	return path
}
