package tagging

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type rulesFile struct {
	Categories []CategoryRule `yaml:"categories"`
}

// LoadRules reads category rules from a YAML file of the form
//
//	categories:
//	  - category: Finance
//	    keywords: [invoice, faktura]
func LoadRules(path string) ([]CategoryRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tagging rules: %w", err)
	}
	return ParseRules(raw)
}

func ParseRules(raw []byte) ([]CategoryRule, error) {
	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tagging rules: %w", err)
	}
	rules := make([]CategoryRule, 0, len(file.Categories))
	for i, rule := range file.Categories {
		category := strings.TrimSpace(rule.Category)
		if category == "" {
			return nil, fmt.Errorf("tagging rule %d: category is required", i)
		}
		keywords := make([]string, 0, len(rule.Keywords))
		for _, kw := range rule.Keywords {
			// matching runs on lower-cased text
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				keywords = append(keywords, kw)
			}
		}
		if len(keywords) == 0 {
			return nil, fmt.Errorf("tagging rule %q: at least one keyword is required", category)
		}
		rules = append(rules, CategoryRule{Category: category, Keywords: keywords})
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("tagging rules: no categories defined")
	}
	return rules, nil
}
