package model

import "strings"

// Job is one verification task. Payload is opaque to the engine apart from the
// weekday seed scan.
type Job struct {
	Tag     string
	Payload string
	// Source is the file the job was read from, if any.
	Source string
}

// Configuration is one candidate ruleset body tried against every job.
// Priority is the position in the run's configuration list.
type Configuration struct {
	Label   string
	Content string
	// Path is the file the content was loaded from, if any.
	Path string
}

// ValidTag reports whether tag is usable as a job key.
func ValidTag(tag string) bool {
	return strings.TrimSpace(tag) != ""
}

// Labels returns the configuration labels in priority order.
func Labels(cfgs []Configuration) []string {
	out := make([]string, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, c.Label)
	}
	return out
}
