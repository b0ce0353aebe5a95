package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/plus3it/watchmaker/pkg/engine"
)

const (
	keyVersion = "watchmaker_version"
	keyStatus  = "status"
	keyAll     = "all"
)

// parse decodes a config document, checking its shape as it goes. Only the
// "all" list and the list of system are read; other keys are ignored.
func parse(data []byte, system string) (*document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, engine.NewMalformedConfigError("config is not valid YAML", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, engine.NewMalformedConfigError("config is empty", nil)
	}

	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, engine.NewMalformedConfigError(
			fmt.Sprintf("config top level must be a mapping, got %s", kindName(top)), nil)
	}

	doc := &document{Lists: make(map[string][]workerEntry)}
	for i := 0; i+1 < len(top.Content); i += 2 {
		key, value := top.Content[i].Value, deref(top.Content[i+1])

		switch key {
		case keyVersion:
			if value.Kind != yaml.ScalarNode {
				return nil, engine.NewMalformedConfigError(keyVersion+" must be a string", nil)
			}
			doc.Version = strings.TrimSpace(value.Value)
		case keyStatus:
			status, err := parseStatus(value)
			if err != nil {
				return nil, err
			}
			doc.Status = status
		case keyAll, system:
			entries, err := parseWorkerList(key, value)
			if err != nil {
				return nil, err
			}
			doc.Lists[key] = entries
		default:
			log.Debug().Str("key", key).Msg("Ignoring config key")
		}
	}
	return doc, nil
}

func parseWorkerList(list string, node *yaml.Node) ([]workerEntry, error) {
	if isNull(node) {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, engine.NewMalformedConfigError(
			fmt.Sprintf("%q must be a list of workers, got %s", list, kindName(node)), nil)
	}

	entries := make([]workerEntry, 0, len(node.Content))
	for _, item := range node.Content {
		item = deref(item)
		if item.Kind != yaml.MappingNode || len(item.Content) != 2 {
			return nil, engine.NewMalformedConfigError(
				fmt.Sprintf("entries of %q must be single-key mappings (line %d)", list, item.Line), nil)
		}

		name := item.Content[0].Value
		params := map[string]interface{}{}
		if value := deref(item.Content[1]); !isNull(value) {
			if value.Kind != yaml.MappingNode {
				return nil, engine.NewMalformedConfigError(
					fmt.Sprintf("parameters of worker %q in %q must be a mapping (line %d)", name, list, value.Line), nil)
			}
			if err := value.Decode(&params); err != nil {
				return nil, engine.NewMalformedConfigError(
					fmt.Sprintf("invalid parameters for worker %q in %q", name, list), err)
			}
		}
		entries = append(entries, workerEntry{Name: name, Params: params})
	}
	return entries, nil
}

func parseStatus(node *yaml.Node) (StatusConfig, error) {
	if isNull(node) {
		return StatusConfig{}, nil
	}

	var section statusSection
	if err := node.Decode(&section); err != nil {
		return StatusConfig{}, engine.NewMalformedConfigError("invalid status section", err)
	}

	targets := append([]StatusTarget(nil), section.Targets...)
	for _, p := range section.Providers {
		targets = append(targets, StatusTarget{
			Key:        p.Key,
			Required:   p.Required,
			TargetType: p.ProviderType,
			StatusType: p.StatusType,
		})
	}
	for i := range targets {
		targets[i].TargetType = strings.ToLower(targets[i].TargetType)
	}
	return StatusConfig{Targets: targets}, nil
}

// deref follows alias nodes to the anchored node.
func deref(node *yaml.Node) *yaml.Node {
	for node != nil && node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	return node
}

func isNull(node *yaml.Node) bool {
	return node == nil || (node.Kind == yaml.ScalarNode && node.Tag == "!!null")
}

func kindName(node *yaml.Node) string {
	switch node.Kind {
	case yaml.SequenceNode:
		return "a list"
	case yaml.MappingNode:
		return "a mapping"
	case yaml.ScalarNode:
		return "a scalar"
	case yaml.AliasNode:
		return "an alias"
	default:
		return "an empty document"
	}
}
