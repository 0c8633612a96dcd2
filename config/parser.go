package config

import (
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-anime-cache/types"
)

// Parser answers dotted-path lookups ("upstreams.jikan.min_delay") over
// the YAML rendering of a configuration. Sequence items are addressed by
// index ("server.tls.domains.0").
type Parser struct {
	root *yaml.Node
}

func NewParser(config *types.ServiceConfig) *Parser {
	var node yaml.Node
	if err := node.Encode(config); err != nil {
		return &Parser{}
	}

	root := &node
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}

	return &Parser{root: root}
}

// GetValue returns the plain value at path: a map, a slice or a scalar.
// Durations come back in their string form ("1s").
func (p *Parser) GetValue(path string, defaultValue interface{}) interface{} {
	node := p.lookup(path)
	if node == nil {
		return defaultValue
	}

	var value interface{}
	if err := node.Decode(&value); err != nil || value == nil {
		return defaultValue
	}
	return value
}

func (p *Parser) GetAs(path string, target interface{}) error {
	node := p.lookup(path)
	if node == nil {
		return types.Errorf(types.ErrConfigNotFound, "path: %s", path)
	}

	if err := node.Decode(target); err != nil {
		return types.WrapError(err, "failed to decode config value at "+path)
	}

	return nil
}

func (p *Parser) lookup(path string) *yaml.Node {
	current := p.root
	if current == nil || path == "" {
		return current
	}

	for _, part := range strings.Split(path, ".") {
		current = child(current, part)
		if current == nil || current.ShortTag() == "!!null" {
			return nil
		}
	}

	return current
}

func child(node *yaml.Node, part string) *yaml.Node {
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == part {
				return node.Content[i+1]
			}
		}
	case yaml.SequenceNode:
		index, err := strconv.Atoi(part)
		if err == nil && index >= 0 && index < len(node.Content) {
			return node.Content[index]
		}
	case yaml.AliasNode:
		return child(node.Alias, part)
	}
	return nil
}
