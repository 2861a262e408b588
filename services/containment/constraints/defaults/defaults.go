// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package defaults embeds the baseline constraint set compiled at startup
// when no policy bundle has been loaded yet.
package defaults

import (
	_ "embed"
)

// BaselineSetID is the set id the baseline is cached under.
const BaselineSetID = 1

// Definition holds the baseline boundary definition YAML.
//
//go:embed definition.yaml
var Definition string

// Policies holds the baseline integrity policy YAML.
//
//go:embed policies.yaml
var Policies string
