// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flowdef

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxDefinitionBytes caps a flow definition file.
const MaxDefinitionBytes = 1 << 20

// flowValidate is the validator instance for flow definitions.
var flowValidate *validator.Validate

func init() {
	flowValidate = validator.New()
}

// Parse unmarshals and validates a YAML flow definition.
//
// # Inputs
//
//   - data: The YAML document.
//
// # Outputs
//
//   - *Flow: The validated flow with defaults applied.
//   - error: A parse error or a ConfigError.
func Parse(data []byte) (*Flow, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("flowdef: empty definition")
	}
	if len(data) > MaxDefinitionBytes {
		return nil, fmt.Errorf("flowdef: definition exceeds %d bytes", MaxDefinitionBytes)
	}

	var f Flow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshaling flow definition: %w", err)
	}
	if err := flowValidate.Struct(&f); err != nil {
		return nil, fmt.Errorf("flow definition failed validation: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and parses a YAML flow definition file.
func Load(path string) (*Flow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading flow definition %s: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("flow definition %s: %w", path, err)
	}
	return f, nil
}
