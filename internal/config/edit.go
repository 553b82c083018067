package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	yaml "go.yaml.in/yaml/v3"
)

// SetRepositories rewrites subscriptions.repositories in the config file at
// path and leaves every other key as written. Secrets applied from the
// environment never reach the file. YAML comments survive; JSONC comments
// do not.
//
// The new content must decode and validate before it replaces the file. The
// replacement is a rename, which the config watcher picks up as a reload.
func SetRepositories(path string, repos []RepositoryConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	list := make([]any, 0, len(repos))
	for _, r := range repos {
		if len(r.Track) == 0 {
			list = append(list, r.Repo)
			continue
		}
		list = append(list, map[string]any{"repo": r.Repo, "track": r.Track})
	}

	var out []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		out, err = setYAMLRepositories(data, list)
	default:
		out, err = setJSONRepositories(data, list)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	cfg, err := Decode(path, out)
	if err != nil {
		return err
	}
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return err
	}
	return replaceFile(path, out)
}

func setYAMLRepositories(data []byte, list []any) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("top level is not a mapping")
	}
	subs := mappingValue(doc.Content[0], "subscriptions", yaml.MappingNode)
	if subs.Kind == yaml.ScalarNode && subs.Tag == "!!null" {
		*subs = yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	}
	if subs.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("subscriptions is not a mapping")
	}
	var seq yaml.Node
	if err := seq.Encode(list); err != nil {
		return nil, err
	}
	*mappingValue(subs, "repositories", yaml.SequenceNode) = seq

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// mappingValue returns the value node under key, appending an empty node of
// kind when the key is missing.
func mappingValue(m *yaml.Node, key string, kind yaml.Kind) *yaml.Node {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	tag := "!!map"
	if kind == yaml.SequenceNode {
		tag = "!!seq"
	}
	v := &yaml.Node{Kind: kind, Tag: tag}
	m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, v)
	return v
}

func setJSONRepositories(data []byte, list []any) ([]byte, error) {
	doc := map[string]any{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
			return nil, fmt.Errorf("json unmarshal: %w", err)
		}
	}
	subs, _ := doc["subscriptions"].(map[string]any)
	if subs == nil {
		if _, ok := doc["subscriptions"]; ok {
			return nil, fmt.Errorf("subscriptions is not an object")
		}
		subs = map[string]any{}
	}
	subs["repositories"] = list
	doc["subscriptions"] = subs
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func replaceFile(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
