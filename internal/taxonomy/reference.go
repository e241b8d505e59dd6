// Package taxonomy loads the category reference document the categorizer
// stage grounds its code assignments on.
package taxonomy

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Category is one taxonomy node. Subcategories nest one level deep.
type Category struct {
	Code          int        `yaml:"code"`
	Name          string     `yaml:"name"`
	Subcategories []Category `yaml:"subcategories,omitempty"`
}

// Reference is the full taxonomy document.
type Reference struct {
	MainCategories []Category `yaml:"main_categories"`
}

var (
	cacheMu sync.Mutex
	cache   = make(map[string]*Reference)
)

// Load reads a taxonomy reference from a YAML file. Documents are cached
// per path for the lifetime of the process.
func Load(path string) (*Reference, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if ref, ok := cache[path]; ok {
		return ref, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: read %s", path)
	}

	var ref Reference
	if err := yaml.Unmarshal(data, &ref); err != nil {
		return nil, eris.Wrapf(err, "taxonomy: parse %s", path)
	}
	if len(ref.MainCategories) == 0 {
		return nil, eris.Errorf("taxonomy: %s contains no main categories", path)
	}

	cache[path] = &ref
	return &ref, nil
}

// RenderPrompt formats the reference for the categorizer system prompt.
func (r *Reference) RenderPrompt() string {
	var b strings.Builder
	b.WriteString("Kategorien-Referenz:\n")
	for _, main := range r.MainCategories {
		fmt.Fprintf(&b, "%d %s\n", main.Code, main.Name)
		for _, sub := range main.Subcategories {
			fmt.Fprintf(&b, "  %d %s\n", sub.Code, sub.Name)
		}
	}
	return b.String()
}

// HasMain reports whether a main-category code exists in the reference.
func (r *Reference) HasMain(code int) bool {
	for _, main := range r.MainCategories {
		if main.Code == code {
			return true
		}
	}
	return false
}

// HasSub reports whether a subcategory code exists anywhere in the reference.
func (r *Reference) HasSub(code int) bool {
	for _, main := range r.MainCategories {
		for _, sub := range main.Subcategories {
			if sub.Code == code {
				return true
			}
		}
	}
	return false
}
