package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Selector is either a CSS query or a legacy chain of [tag, attr, value] steps.
// Chains descend one step at a time; a step with only a tag matches any element
// with that tag.
type Selector struct {
	CSS   string
	Chain []SelectorStep
}

// SelectorStep is one hop of a legacy selector chain.
type SelectorStep struct {
	Tag    string
	Attr   string
	Values []string
}

// IsZero reports whether the selector is empty.
func (s Selector) IsZero() bool {
	return strings.TrimSpace(s.CSS) == "" && len(s.Chain) == 0
}

// UnmarshalJSON accepts a CSS string or an array of steps.
func (s *Selector) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" || trimmed == "" {
		*s = Selector{}
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var css string
		if err := json.Unmarshal(data, &css); err != nil {
			return fmt.Errorf("decode css selector: %w", err)
		}
		*s = Selector{CSS: css}
		return nil
	}
	var raw [][]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode selector chain: %w", err)
	}
	chain, err := parseChain(raw)
	if err != nil {
		return err
	}
	*s = Selector{Chain: chain}
	return nil
}

// MarshalJSON writes the selector back in its original shape.
func (s Selector) MarshalJSON() ([]byte, error) {
	if len(s.Chain) == 0 {
		return json.Marshal(s.CSS)
	}
	raw := make([][]any, 0, len(s.Chain))
	for _, step := range s.Chain {
		entry := []any{step.Tag}
		if step.Attr != "" {
			if len(step.Values) == 1 {
				entry = append(entry, step.Attr, step.Values[0])
			} else {
				entry = append(entry, step.Attr, step.Values)
			}
		}
		raw = append(raw, entry)
	}
	return json.Marshal(raw)
}

// UnmarshalYAML accepts a scalar CSS query or a sequence of steps.
func (s *Selector) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*s = Selector{CSS: node.Value}
		return nil
	case yaml.SequenceNode:
		var raw [][]any
		if err := node.Decode(&raw); err != nil {
			return fmt.Errorf("decode selector chain: %w", err)
		}
		chain, err := parseChain(raw)
		if err != nil {
			return err
		}
		*s = Selector{Chain: chain}
		return nil
	default:
		return errors.New("selector must be a string or a list of steps")
	}
}

func parseChain(raw [][]any) ([]SelectorStep, error) {
	chain := make([]SelectorStep, 0, len(raw))
	for i, entry := range raw {
		if len(entry) == 0 {
			return nil, fmt.Errorf("selector step %d is empty", i)
		}
		tag, ok := entry[0].(string)
		if !ok || tag == "" {
			return nil, fmt.Errorf("selector step %d: tag must be a string", i)
		}
		step := SelectorStep{Tag: tag}
		if len(entry) >= 3 {
			attr, ok := entry[1].(string)
			if !ok {
				return nil, fmt.Errorf("selector step %d: attribute must be a string", i)
			}
			step.Attr = attr
			switch v := entry[2].(type) {
			case string:
				step.Values = []string{v}
			case []any:
				for _, item := range v {
					step.Values = append(step.Values, fmt.Sprint(item))
				}
			default:
				return nil, fmt.Errorf("selector step %d: unsupported value %T", i, entry[2])
			}
		}
		chain = append(chain, step)
	}
	return chain, nil
}
