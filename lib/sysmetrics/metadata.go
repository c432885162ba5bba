// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sysmetrics

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/bureau-foundation/runstream/lib/atomicfile"
	"github.com/bureau-foundation/runstream/lib/version"
)

// MetadataFile is the save name of the machine snapshot.
const MetadataFile = "wandb-metadata.json"

// Metadata describes the machine and consumer a run started on.
// Missing or unreadable sources produce zero fields, never errors.
type Metadata struct {
	OS            string    `json:"os"`
	Architecture  string    `json:"architecture"`
	Kernel        string    `json:"kernel,omitempty"`
	Host          string    `json:"host,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	CPUCount      int       `json:"cpu_count"`
	CPUModel      string    `json:"cpu_model,omitempty"`
	MemoryTotalMB int64     `json:"memory_total_mb,omitempty"`
	Consumer      string    `json:"consumer"`
}

// ProbeMetadata collects the snapshot.
func ProbeMetadata(startedAt time.Time) Metadata {
	return probeMetadataFrom("/proc", startedAt)
}

func probeMetadataFrom(procRoot string, startedAt time.Time) Metadata {
	host, _ := os.Hostname()
	return Metadata{
		OS:            runtime.GOOS,
		Architecture:  runtime.GOARCH,
		Kernel:        kernelRelease(),
		Host:          host,
		StartedAt:     startedAt.UTC(),
		CPUCount:      runtime.NumCPU(),
		CPUModel:      readCPUModel(procRoot),
		MemoryTotalMB: memoryTotalMB(),
		Consumer:      "runstream " + version.Version,
	}
}

// WriteMetadata replaces path with the indented JSON snapshot.
func WriteMetadata(path string, metadata Metadata) error {
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	if err := atomicfile.Write(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
