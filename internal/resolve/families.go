package resolve

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// KeywordFamily groups naming keywords that refer to the same semantic kind
// of node. The family fallback matches a backend reference containing one
// keyword against any node whose type tag contains a keyword from the same
// family. The table is configuration data, not logic: tightening or loosening
// the fallback never requires a code change.
type KeywordFamily struct {
	Name     string   `yaml:"name" json:"name"`
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// DefaultFamilies is the built-in family table. Keywords are matched
// case-insensitively as substrings.
func DefaultFamilies() []KeywordFamily {
	return []KeywordFamily{
		{Name: "embedding", Keywords: []string{"embedding", "embed"}},
		{Name: "retriever", Keywords: []string{"retriever", "vectorstore", "docstore"}},
		{Name: "reranker", Keywords: []string{"reranker", "rerank"}},
		{Name: "memory", Keywords: []string{"memory", "buffer"}},
		{Name: "llm", Keywords: []string{"chatmodel", "chat", "llm"}},
		{Name: "tool", Keywords: []string{"tool"}},
	}
}

// familyFile is the on-disk shape of a family table.
type familyFile struct {
	Families []KeywordFamily `yaml:"families"`
}

// LoadFamilies reads a keyword family table from a YAML file.
func LoadFamilies(path string) ([]KeywordFamily, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read families: %w", err)
	}
	var f familyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse families: %w", err)
	}
	if len(f.Families) == 0 {
		return nil, fmt.Errorf("families file %s defines no families", path)
	}
	for i, fam := range f.Families {
		if fam.Name == "" {
			return nil, fmt.Errorf("family at index %d has no name", i)
		}
		if len(fam.Keywords) == 0 {
			return nil, fmt.Errorf("family %q has no keywords", fam.Name)
		}
	}
	return f.Families, nil
}
