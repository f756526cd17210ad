package image

import (
	"fmt"
	"strings"

	"photoforge/internal/domain"
)

// DefaultNegativePrompt captures artefacts that would corrupt downstream
// mesh reconstruction.
const DefaultNegativePrompt = "blurry, distorted proportions, cropped subject, dramatic shadows, busy background, text, watermark"

var angleDirections = map[string]string{
	"front": "directly from the front, camera at subject height",
	"back":  "directly from behind, camera at subject height",
	"left":  "from the subject's left side, a strict 90 degree profile",
	"right": "from the subject's right side, a strict 90 degree profile",
}

// BuildAnglePrompt converts a view/angle pair into the instruction handed to
// the image model. Mesh views ask for clean orthographic-style turntable
// shots; texture views ask for surface detail.
func BuildAnglePrompt(view domain.ViewType, angle, hint string) string {
	direction := angleDirections[angle]
	if direction == "" {
		direction = "from the " + angle
	}

	var lines []string
	lines = append(lines, fmt.Sprintf("Render the exact object from the reference photo %s.", direction))
	if view == domain.ViewTexture {
		lines = append(lines,
			"Preserve the true surface colors, material finish, and fine texture detail.",
			"Even, diffuse studio lighting with no specular highlights.")
	} else {
		lines = append(lines,
			"Keep the object's silhouette and proportions exactly as photographed.",
			"Plain uniform light-grey background, no shadows, no props.")
	}
	if hint = strings.TrimSpace(hint); hint != "" {
		lines = append(lines, "Additional guidance: "+hint+".")
	}
	lines = append(lines, "Avoid: "+DefaultNegativePrompt+".")
	return strings.Join(lines, " ")
}

// ModelForTier maps the billing tier onto the concrete model name.
func ModelForTier(tier domain.ModelTier) string {
	if tier == domain.TierPremium {
		return "gemini-2.5-pro-image"
	}
	return "gemini-2.5-flash-image"
}
