// Package probe builds, executes and parses endpoint probes.
package probe

import (
	"regexp"
	"strings"

	"github.com/Moyucharm/model-check/pkg/models"
)

// codexPattern matches the response-API model families (gpt-5.1, gpt-5.2).
var codexPattern = regexp.MustCompile(`^gpt-5\.(1|2)(\b|-)`)

// imageMarkers are matched case-insensitively anywhere in the model name.
var imageMarkers = []string{"image", "dall-e", "imagen", "flux", "stable-diffusion", "midjourney"}

// KindFor maps a model name to its native endpoint kind. Rules are
// case-insensitive and evaluated in order; the first match wins.
func KindFor(modelName string) models.EndpointKind {
	name := strings.ToLower(modelName)
	switch {
	case strings.Contains(name, "claude"):
		return models.KindClaude
	case strings.Contains(name, "gemini"):
		return models.KindGemini
	case codexPattern.MatchString(name):
		return models.KindCodex
	default:
		for _, marker := range imageMarkers {
			if strings.Contains(name, marker) {
				return models.KindImage
			}
		}
		return models.KindChat
	}
}

// KindsToProbe returns the ordered, deduplicated set of kinds to probe for
// a model: its native kind, plus a secondary chat probe for the configured
// non-chat kinds. secondaryChat lists the kinds that also get the chat
// probe; the default configuration is empty (native kind only).
func KindsToProbe(modelName string, secondaryChat []models.EndpointKind) []models.EndpointKind {
	native := KindFor(modelName)
	kinds := []models.EndpointKind{native}
	if native == models.KindChat {
		return kinds
	}
	for _, k := range secondaryChat {
		if k == native {
			kinds = append(kinds, models.KindChat)
			break
		}
	}
	return kinds
}
