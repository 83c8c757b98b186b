package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"podsearch/internal/modelpool"
)

type catalogFile struct {
	Models []modelpool.Spec `yaml:"models"`
}

// LoadCatalog reads the model catalog from a YAML file. Values of the form
// ${VAR} are expanded from the environment before parsing.
func LoadCatalog(path string) (*modelpool.Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model catalog: %w", err)
	}
	return ParseCatalog(raw)
}

// ParseCatalog parses catalog YAML.
func ParseCatalog(raw []byte) (*modelpool.Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &f); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("model catalog is empty")
	}
	catalog, err := modelpool.NewCatalog(f.Models...)
	if err != nil {
		return nil, fmt.Errorf("invalid model catalog: %w", err)
	}
	return catalog, nil
}

// ValidateModels checks that the catalog has at least one transcription model,
// exactly two embedding models and that defaultModel is a transcription model.
func ValidateModels(catalog *modelpool.Catalog, defaultModel string) error {
	if len(catalog.ByKind(modelpool.KindTranscription)) == 0 {
		return fmt.Errorf("model catalog has no transcription model")
	}
	if n := len(catalog.ByKind(modelpool.KindEmbedding)); n != 2 {
		return fmt.Errorf("model catalog must declare two embedding models, found %d", n)
	}
	if defaultModel == "" {
		return nil
	}
	spec, ok := catalog.Lookup(defaultModel)
	if !ok || spec.Kind != modelpool.KindTranscription {
		return fmt.Errorf("DEFAULT_MODEL %q is not a transcription model in the catalog", defaultModel)
	}
	return nil
}
