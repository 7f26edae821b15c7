// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config provides environment-variable parsing helpers shared by
// the worker-supervision binaries (worker-supervisor, discovery-worker).
package config
