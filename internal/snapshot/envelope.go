// Package snapshot converts filter banks to and from the hub repository
// layout.
//
// A snapshot is a small set of files:
//   - config.json: the bank's shape (num_layers, num_kv_heads, kv_head_dim)
//   - model.safetensors: the q_filters tensor
//   - README.md: a model card whose YAML front matter carries the library
//     tag and source URL
//
// Decoding validates that the config and the tensor agree; any disagreement
// is reported as qfilter.ErrCorruptSnapshot.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tsingmao/qfilter/internal/logger"
	"github.com/tsingmao/qfilter/internal/qfilter"
	"github.com/tsingmao/qfilter/internal/tensor"
)

const (
	// ConfigFile holds the bank configuration.
	ConfigFile = "config.json"

	// WeightsFile holds the filter tensor.
	WeightsFile = "model.safetensors"

	// CardFile is the model card.
	CardFile = "README.md"

	// LibraryName is the library tag written into every model card.
	LibraryName = "q-filter"

	// RepoURL is the source URL written into every model card.
	RepoURL = "https://github.com/NathanGodey/qfilters"
)

// Files maps a repository-relative file name to its content.
type Files map[string][]byte

// Names returns the file names in sorted order.
func (f Files) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Size returns the total number of bytes across all files.
func (f Files) Size() int64 {
	var n int64
	for _, b := range f {
		n += int64(len(b))
	}
	return n
}

// CardMetadata is the YAML front matter of a model card.
type CardMetadata struct {
	LibraryName string   `yaml:"library_name"`
	RepoURL     string   `yaml:"repo_url,omitempty"`
	Tags        []string `yaml:"tags,omitempty"`
}

// DefaultCardMetadata returns the metadata attached to every pushed bank.
func DefaultCardMetadata() CardMetadata {
	return CardMetadata{
		LibraryName: LibraryName,
		RepoURL:     RepoURL,
		Tags:        []string{"model_hub_mixin", "q-filters"},
	}
}

// Encode produces the snapshot files for b.
func Encode(b *qfilter.Bank) (Files, error) {
	cfgBytes, err := json.MarshalIndent(b.Config(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	weights, err := EncodeSafetensors(
		map[string]*tensor.Tensor{qfilter.TensorName: b.Weights()},
		map[string]string{"format": "pt"},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode weights: %w", err)
	}

	card, err := RenderCard(DefaultCardMetadata(), b)
	if err != nil {
		return nil, err
	}

	return Files{
		ConfigFile:  append(cfgBytes, '\n'),
		WeightsFile: weights,
		CardFile:    card,
	}, nil
}

// Decode rebuilds a bank from snapshot files. The model card is optional;
// config and weights are required.
func Decode(files Files) (*qfilter.Bank, *qfilter.Trainable, error) {
	cfgBytes, ok := files[ConfigFile]
	if !ok {
		return nil, nil, corrupt("missing %s", ConfigFile)
	}
	var cfg qfilter.Config
	if err := json.Unmarshal(cfgBytes, &cfg); err != nil {
		return nil, nil, corrupt("failed to parse %s: %v", ConfigFile, err)
	}

	weightBytes, ok := files[WeightsFile]
	if !ok {
		return nil, nil, corrupt("missing %s", WeightsFile)
	}
	tensors, _, err := DecodeSafetensors(weightBytes)
	if err != nil {
		return nil, nil, err
	}
	w, ok := tensors[qfilter.TensorName]
	if !ok {
		return nil, nil, corrupt("%s has no %s tensor", WeightsFile, qfilter.TensorName)
	}

	if card, ok := files[CardFile]; ok {
		if meta, err := ParseCard(card); err != nil {
			logger.Warn("Ignoring unreadable model card: %v", err)
		} else if meta.LibraryName != LibraryName {
			logger.Warn("Model card library_name is %q, expected %q", meta.LibraryName, LibraryName)
		}
	}

	return qfilter.Restore(cfg, w)
}

// RenderCard renders a model card with YAML front matter.
func RenderCard(meta CardMetadata, b *qfilter.Bank) ([]byte, error) {
	front, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal model card metadata: %w", err)
	}

	cfg := b.Config()
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(front)
	buf.WriteString("---\n\n")
	buf.WriteString("# Q-Filters\n\n")
	buf.WriteString("This model has been pushed to the Hub using the qf tool.\n\n")
	fmt.Fprintf(&buf, "- Library: %s\n", meta.RepoURL)
	fmt.Fprintf(&buf, "- Shape: (%d, %d, %d)\n", cfg.NumLayers, cfg.NumKVHeads, cfg.KVHeadDim)
	return buf.Bytes(), nil
}

// ParseCard extracts the YAML front matter from a model card.
func ParseCard(card []byte) (CardMetadata, error) {
	var meta CardMetadata
	text := string(card)
	if !strings.HasPrefix(text, "---\n") {
		return meta, fmt.Errorf("model card has no front matter")
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return meta, fmt.Errorf("model card front matter is not terminated")
	}
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &meta); err != nil {
		return meta, fmt.Errorf("failed to parse model card front matter: %w", err)
	}
	return meta, nil
}

// WriteDir writes the snapshot of b into dir. Each file is written to a
// temporary name first and renamed into place.
func WriteDir(dir string, b *qfilter.Bank) (Files, error) {
	files, err := Encode(b)
	if err != nil {
		return nil, err
	}
	if err := WriteFiles(dir, files); err != nil {
		return nil, err
	}
	return files, nil
}

// WriteFiles writes already-encoded snapshot files into dir.
func WriteFiles(dir string, files Files) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	for _, name := range files.Names() {
		path := filepath.Join(dir, name)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, files[name], 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", tmp, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("failed to rename %s: %w", tmp, err)
		}
	}
	logger.Debug("Wrote %d snapshot file(s) to %s", len(files), dir)
	return nil
}

// ReadFiles loads the known snapshot files from dir. Missing optional files
// are skipped; a missing directory is reported as an os error.
func ReadFiles(dir string) (Files, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	files := make(Files, 3)
	for _, name := range []string{ConfigFile, WeightsFile, CardFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		files[name] = data
	}
	return files, nil
}

// ReadDir loads and decodes the snapshot stored in dir.
func ReadDir(dir string) (*qfilter.Bank, *qfilter.Trainable, error) {
	files, err := ReadFiles(dir)
	if err != nil {
		return nil, nil, err
	}
	return Decode(files)
}
