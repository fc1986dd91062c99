package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Limits on configuration input.
const (
	maxConfigSize  = 1 << 20
	maxConfigDepth = 32
	maxEnvValueLen = 4096
)

// readConfigFile reads a .json, .yaml or .yml file that must be a regular
// file no larger than maxConfigSize.
func readConfigFile(path string) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must be .json, .yaml or .yml: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes > %d", info.Size(), maxConfigSize)
	}

	// the file may grow between Stat and Read
	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxConfigSize {
		return nil, fmt.Errorf("config file too large: more than %d bytes", maxConfigSize)
	}
	return data, nil
}

// decodeConfig parses a JSON or YAML document into a generic map, rejecting
// documents nested deeper than maxConfigDepth.
func decodeConfig(data []byte) (map[string]any, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if depth := nodeDepth(&doc); depth > maxConfigDepth {
		return nil, fmt.Errorf("config nesting too deep: %d > %d", depth, maxConfigDepth)
	}

	var raw map[string]any
	if err := doc.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// nodeDepth counts nested mappings and sequences. Aliases are not followed.
func nodeDepth(n *yaml.Node) int {
	depth := 0
	for _, child := range n.Content {
		depth = max(depth, nodeDepth(child))
	}
	if n.Kind == yaml.MappingNode || n.Kind == yaml.SequenceNode {
		depth++
	}
	return depth
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvValueLen {
		return fmt.Errorf("environment variable %s too long: %d > %d", key, len(value), maxEnvValueLen)
	}
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("null byte in environment variable %s", key)
	}
	return nil
}
