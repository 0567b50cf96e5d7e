package scanner

import (
	"fmt"
	"sort"
	"strings"
)

// IgnoreLabel always excludes a container from scanning when set to "true".
const IgnoreLabel = "docktor.ignore"

// ExclusionRule is the configurable key=value label that excludes a container from scanning, in addition to
// IgnoreLabel.
type ExclusionRule struct {
	Key   string
	Value string
}

// ParseExclusionRule parses a "key=value" label selector.
func ParseExclusionRule(s string) (ExclusionRule, error) {
	if strings.TrimSpace(s) == "" {
		return ExclusionRule{}, nil
	}
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
		return ExclusionRule{}, fmt.Errorf("exclusion label %q is not of the form key=value", s)
	}
	return ExclusionRule{Key: strings.TrimSpace(parts[0]), Value: strings.TrimSpace(parts[1])}, nil
}

// Excludes reports whether a container with the given labels must be skipped.
func (r ExclusionRule) Excludes(labels map[string]string) bool {
	if strings.EqualFold(labels[IgnoreLabel], "true") {
		return true
	}
	if r.Key == "" {
		return false
	}
	v, ok := labels[r.Key]
	return ok && strings.EqualFold(v, r.Value)
}

// ImageSet is the outcome of deduplicating a container inventory.
type ImageSet struct {
	// Images holds the distinct image references, sorted so scan order is reproducible.
	Images []string
	// Containers maps each image to the names of the containers using it, in order of first appearance.
	Containers map[string][]string
}

// Deduplicate maps containers to their distinct images. Excluded containers contribute to neither the image list
// nor the container mapping.
func Deduplicate(containers []Container, rule ExclusionRule) ImageSet {
	set := ImageSet{
		Images:     []string{},
		Containers: make(map[string][]string),
	}
	for _, c := range containers {
		if rule.Excludes(c.Labels) {
			continue
		}
		if _, seen := set.Containers[c.ImageReference]; !seen {
			set.Images = append(set.Images, c.ImageReference)
		}
		set.Containers[c.ImageReference] = append(set.Containers[c.ImageReference], c.Name)
	}
	sort.Strings(set.Images)
	return set
}
