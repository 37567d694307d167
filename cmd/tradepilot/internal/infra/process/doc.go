// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package process provides subprocess execution and deploy locking.
//
// # Description
//
// This package contains the low-level process primitives the CLI builds on:
//
//   - Manager: runs external commands (podman-compose, podman) with captured
//     or streamed output, optional working directory and environment.
//   - DeployLocker: flock(2)-based lock that keeps two deploy runs from
//     mutating the same stack at the same time.
//
// Higher-level orchestration (pipeline stages, compose operations) lives in
// the compose package and the command layer; everything here is deliberately
// policy-free.
package process
