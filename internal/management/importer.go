package management

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// ruleFile is the YAML layout accepted by the import-rules command.
type ruleFile struct {
	Rules []ruleDocument `yaml:"rules"`
}

type ruleDocument struct {
	CreateRuleRequest `yaml:",inline"`
	Condition         map[string]interface{} `yaml:"condition"`
}

type ImportResult struct {
	Created []int64  `json:"created"`
	Failed  []string `json:"failed,omitempty"`
}

// DecodeRules reads a YAML rule file into create requests.
func DecodeRules(r io.Reader) ([]CreateRuleRequest, error) {
	var file ruleFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode rule file: %w", err)
	}

	reqs := make([]CreateRuleRequest, 0, len(file.Rules))
	for i, doc := range file.Rules {
		req := doc.CreateRuleRequest
		if doc.Condition != nil {
			raw, err := json.Marshal(doc.Condition)
			if err != nil {
				return nil, fmt.Errorf("rule %d: failed to encode condition: %w", i, err)
			}
			req.ConditionConfig = raw
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// ImportRules creates every rule in the file. A rule that fails validation
// is reported and the rest are still created.
func ImportRules(ctx context.Context, svc Service, r io.Reader) (*ImportResult, error) {
	reqs, err := DecodeRules(r)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Created: make([]int64, 0, len(reqs))}
	for i, req := range reqs {
		spec, err := svc.CreateRule(ctx, req)
		if err != nil {
			result.Failed = append(result.Failed, fmt.Sprintf("rule %d (%s): %v", i, req.Name, err))
			continue
		}
		result.Created = append(result.Created, spec.ID)
	}
	return result, nil
}
