// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filepusher

import (
	"path"
	"strings"
)

// Category groups uploads for the per-category file counts reported by
// poll_exit.
type Category string

const (
	CategoryWandb    Category = "wandb"
	CategoryMedia    Category = "media"
	CategoryArtifact Category = "artifact"
	CategoryOther    Category = "other"
)

// runFiles are the files the run itself produces, as opposed to files
// the user saved.
var runFiles = map[string]bool{
	"config.yaml":         true,
	"output.log":          true,
	"requirements.txt":    true,
	"diff.patch":          true,
	"wandb-metadata.json": true,
	"wandb-summary.json":  true,
}

// Categorize derives a category from a save name. Artifact files are
// never derived; the job that uploads them says so.
func Categorize(name string) Category {
	name = path.Clean(strings.TrimPrefix(name, "/"))
	if strings.HasPrefix(name, "media/") {
		return CategoryMedia
	}
	if runFiles[name] {
		return CategoryWandb
	}
	base := path.Base(name)
	if name == base && strings.HasPrefix(base, "wandb-") &&
		(strings.HasSuffix(base, ".json") || strings.HasSuffix(base, ".jsonl")) {
		return CategoryWandb
	}
	return CategoryOther
}
