// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package constraints

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

// validate is shared; validator caches struct metadata and is safe for
// concurrent use.
var validate = validator.New()

// definitionDoc is the YAML form of a constraint definition.
type definitionDoc struct {
	Boundaries []boundarySpec `yaml:"boundaries" validate:"required,min=1,dive"`
}

type boundarySpec struct {
	Name     string   `yaml:"name" validate:"required"`
	Metric   string   `yaml:"metric" validate:"required"`
	Min      *float64 `yaml:"min"`
	Max      *float64 `yaml:"max"`
	Required bool     `yaml:"required"`
}

// policyDoc is the YAML form of the integrity policy text.
type policyDoc struct {
	Policies []policySpec `yaml:"policies" validate:"dive"`
}

type policySpec struct {
	Name            string `yaml:"name" validate:"required"`
	Field           string `yaml:"field" validate:"required_with=Deny Require"`
	Deny            string `yaml:"deny"`
	Require         string `yaml:"require"`
	MaxPayloadBytes int    `yaml:"max_payload_bytes" validate:"gte=0"`
}

// Boundary is a compiled metric range check. Absent bounds are infinite.
type Boundary struct {
	Name     string
	Metric   string
	Min      float64
	Max      float64
	Required bool
}

// IntegrityPolicy is a compiled rule over a sample field or the payload.
type IntegrityPolicy struct {
	Name            string
	Field           string
	Deny            *regexp.Regexp
	Require         *regexp.Regexp
	MaxPayloadBytes int
}

// Block is an immutable compiled constraint set.
//
// Thread Safety: Immutable after Compile. Safe to share across goroutines.
type Block struct {
	version    uint64
	boundaries []Boundary
	policies   []IntegrityPolicy
	digest     [32]byte
}

// bootstrapBlock is the version 0 placeholder active before any real set.
// Every sweep against it fails.
var bootstrapBlock = &Block{}

// Version returns the compilation version. Zero marks the bootstrap block.
func (b *Block) Version() uint64 { return b.version }

// Boundaries returns a copy of the compiled boundaries.
func (b *Block) Boundaries() []Boundary { return append([]Boundary(nil), b.boundaries...) }

// Policies returns a copy of the compiled integrity policies.
func (b *Block) Policies() []IntegrityPolicy {
	return append([]IntegrityPolicy(nil), b.policies...)
}

// Digest returns the hex BLAKE2b-256 digest of the compiler inputs.
func (b *Block) Digest() string { return hex.EncodeToString(b.digest[:]) }

// Info is a serializable summary of a Block.
type Info struct {
	Version    uint64 `json:"compilation_version"`
	Digest     string `json:"digest"`
	Boundaries int    `json:"boundaries"`
	Policies   int    `json:"policies"`
}

// Info summarizes the block.
func (b *Block) Info() Info {
	return Info{
		Version:    b.version,
		Digest:     b.Digest(),
		Boundaries: len(b.boundaries),
		Policies:   len(b.policies),
	}
}

// Compile builds a Block from definition and policy text.
//
// Description:
//
//	Pure and deterministic: identical inputs give equal blocks with equal
//	digests. Unknown YAML keys are rejected. Regular expressions are
//	compiled once here so sweeps never compile.
//
// Inputs:
//
//	definition - YAML with a non-empty `boundaries` list. Required.
//	policies - YAML with a `policies` list. May be empty.
//	version - Compilation version. Zero is reserved for the bootstrap block.
//
// Outputs:
//
//	*Block - The compiled set.
//	error - Wraps ErrCompilationFailed.
func Compile(definition, policies string, version uint64) (*Block, error) {
	if strings.TrimSpace(definition) == "" {
		return nil, fmt.Errorf("%w: empty definition", ErrCompilationFailed)
	}
	if version == 0 {
		return nil, fmt.Errorf("%w: version 0 is reserved", ErrCompilationFailed)
	}

	var def definitionDoc
	if err := decodeStrict(definition, &def); err != nil {
		return nil, fmt.Errorf("%w: definition: %w", ErrCompilationFailed, err)
	}
	if err := validate.Struct(def); err != nil {
		return nil, fmt.Errorf("%w: definition: %w", ErrCompilationFailed, err)
	}

	var pol policyDoc
	if strings.TrimSpace(policies) != "" {
		if err := decodeStrict(policies, &pol); err != nil {
			return nil, fmt.Errorf("%w: policies: %w", ErrCompilationFailed, err)
		}
		if err := validate.Struct(pol); err != nil {
			return nil, fmt.Errorf("%w: policies: %w", ErrCompilationFailed, err)
		}
	}

	boundaries, err := compileBoundaries(def.Boundaries)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompilationFailed, err)
	}
	compiled, err := compilePolicies(pol.Policies)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompilationFailed, err)
	}

	return &Block{
		version:    version,
		boundaries: boundaries,
		policies:   compiled,
		digest:     digest(definition, policies, version),
	}, nil
}

func decodeStrict(text string, out any) error {
	dec := yaml.NewDecoder(strings.NewReader(text))
	dec.KnownFields(true)
	return dec.Decode(out)
}

func compileBoundaries(specs []boundarySpec) ([]Boundary, error) {
	out := make([]Boundary, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate boundary %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Min == nil && s.Max == nil {
			return nil, fmt.Errorf("boundary %q has neither min nor max", s.Name)
		}
		b := Boundary{Name: s.Name, Metric: s.Metric, Min: math.Inf(-1), Max: math.Inf(1), Required: s.Required}
		if s.Min != nil {
			b.Min = *s.Min
		}
		if s.Max != nil {
			b.Max = *s.Max
		}
		if math.IsNaN(b.Min) || math.IsNaN(b.Max) || b.Min > b.Max {
			return nil, fmt.Errorf("boundary %q has an empty range", s.Name)
		}
		out = append(out, b)
	}
	return out, nil
}

func compilePolicies(specs []policySpec) ([]IntegrityPolicy, error) {
	out := make([]IntegrityPolicy, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate policy %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Deny == "" && s.Require == "" && s.MaxPayloadBytes == 0 {
			return nil, fmt.Errorf("policy %q has no rule", s.Name)
		}
		p := IntegrityPolicy{Name: s.Name, Field: s.Field, MaxPayloadBytes: s.MaxPayloadBytes}
		var err error
		if s.Deny != "" {
			if p.Deny, err = regexp.Compile(s.Deny); err != nil {
				return nil, fmt.Errorf("policy %q deny pattern: %w", s.Name, err)
			}
		}
		if s.Require != "" {
			if p.Require, err = regexp.Compile(s.Require); err != nil {
				return nil, fmt.Errorf("policy %q require pattern: %w", s.Name, err)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// digest length-prefixes each input so that moving bytes between the two
// texts changes the result.
func digest(definition, policies string, version uint64) [32]byte {
	var buf bytes.Buffer
	buf.Grow(24 + len(definition) + len(policies))
	_ = binary.Write(&buf, binary.LittleEndian, version)
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(definition)))
	buf.WriteString(definition)
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(policies)))
	buf.WriteString(policies)
	return blake2b.Sum256(buf.Bytes())
}

// Check evaluates s against the block and returns the first violation.
//
// Boundaries are checked in declaration order, then policies. A version 0
// block rejects every sample.
//
// Thread Safety: Safe for concurrent use.
func (b *Block) Check(s Sample) error {
	if b == nil || b.version == 0 {
		return &ViolationError{Rule: "bootstrap", Reason: "no compiled constraint set is active"}
	}
	for i := range b.boundaries {
		bd := &b.boundaries[i]
		v, ok := s.Metrics[bd.Metric]
		if !ok {
			if bd.Required {
				return b.violation(bd.Name, "metric "+bd.Metric+" missing")
			}
			continue
		}
		if math.IsNaN(v) || v < bd.Min || v > bd.Max {
			return b.violation(bd.Name, fmt.Sprintf("metric %s=%g outside [%g, %g]", bd.Metric, v, bd.Min, bd.Max))
		}
	}
	for i := range b.policies {
		p := &b.policies[i]
		if p.MaxPayloadBytes > 0 && len(s.Payload) > p.MaxPayloadBytes {
			return b.violation(p.Name, fmt.Sprintf("payload %d bytes exceeds %d", len(s.Payload), p.MaxPayloadBytes))
		}
		if p.Field == "" {
			continue
		}
		v, ok := s.Fields[p.Field]
		if p.Deny != nil && ok && p.Deny.MatchString(v) {
			return b.violation(p.Name, "field "+p.Field+" matches deny pattern")
		}
		if p.Require != nil && (!ok || !p.Require.MatchString(v)) {
			return b.violation(p.Name, "field "+p.Field+" does not match required pattern")
		}
	}
	return nil
}

func (b *Block) violation(rule, reason string) error {
	return &ViolationError{Version: b.version, Rule: rule, Reason: reason}
}

// IsViolation reports whether err is a policy violation.
func IsViolation(err error) bool { return errors.Is(err, ErrPolicyViolation) }
