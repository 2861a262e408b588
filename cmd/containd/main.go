// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command containd runs the containment control plane daemon and its
// operator commands.
//
// Usage:
//
//	containd serve --config /etc/aleutian/containd.yaml
//	containd snapshot            # seal and archive a snapshot on the daemon
//	containd snapshot list
//	containd snapshot verify <id>
//	containd halt                # run the halt sequence on the daemon
//	containd compile bundle.yaml # validate bundles offline
//	containd sweep --sample sample.json [--bundle bundle.yaml]
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
