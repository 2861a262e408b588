// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compiler

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianContain/services/containment/constraints"
)

var validate = validator.New()

// Bundle is a policy bundle file: one constraint set's definition and
// policy text.
//
// Example:
//
//	set_id: 2
//	definition: |
//	  boundaries:
//	    - name: cpu
//	      metric: cpu.utilization
//	      max: 0.9
//	policies: |
//	  policies:
//	    - name: payload-cap
//	      max_payload_bytes: 65536
type Bundle struct {
	SetID      constraints.SetID `yaml:"set_id" validate:"gt=0"`
	Definition string            `yaml:"definition" validate:"required"`
	Policies   string            `yaml:"policies"`
}

// ParseBundle decodes and validates a bundle document. Unknown keys are
// rejected.
func ParseBundle(data []byte) (Bundle, error) {
	var b Bundle
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		return Bundle{}, fmt.Errorf("decode bundle: %w", err)
	}
	if err := validate.Struct(b); err != nil {
		return Bundle{}, fmt.Errorf("invalid bundle: %w", err)
	}
	return b, nil
}

// LoadBundle reads and parses a bundle file.
func LoadBundle(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("read bundle %s: %w", path, err)
	}
	b, err := ParseBundle(data)
	if err != nil {
		return Bundle{}, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Task converts the bundle into a compile task.
func (b Bundle) Task() Task {
	return CompileDefinition(b.SetID, b.Definition, b.Policies)
}
