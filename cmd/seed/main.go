package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Wikid82/netgate/internal/config"
	"github.com/Wikid82/netgate/internal/models"
	"github.com/Wikid82/netgate/internal/services"
)

// starterRules are hosts most development workloads need on day one.
var starterRules = map[string]string{
	"github.com":              "allow-domain",
	"*.github.com":            "allow-domain",
	"*.githubusercontent.com": "allow-domain",
	"proxy.golang.org":        "allow-domain",
	"sum.golang.org":          "allow-domain",
	"registry.npmjs.org":      "allow-domain",
	"pypi.org":                "allow-domain",
	"files.pythonhosted.org":  "allow-domain",
}

// The seed command merges a rule snapshot into the configured rule file.
// With no argument it imports the starter set, otherwise the named JSON or
// YAML file.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	snap := models.RuleSnapshot{Rules: starterRules}
	if len(os.Args) > 1 {
		if snap, err = readSnapshot(os.Args[1]); err != nil {
			log.Fatalf("read %s: %v", os.Args[1], err)
		}
	}

	rules, err := services.NewRuleService(cfg.RulesPath, cfg.Permissive, nil)
	if err != nil {
		log.Fatalf("open rules: %v", err)
	}
	before := rules.Count()
	n, err := rules.Import(snap)
	if err != nil {
		log.Fatalf("import rules: %v", err)
	}

	fmt.Printf("✓ Imported %d rules into %s (%d before, %d now)\n", n, cfg.RulesPath, before, rules.Count())
}

func readSnapshot(path string) (models.RuleSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.RuleSnapshot{}, err
	}
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		var snap models.RuleSnapshot
		if err := yaml.Unmarshal(data, &snap); err != nil {
			return models.RuleSnapshot{}, err
		}
		return snap, nil
	}
	return services.ParseSnapshot(data)
}
