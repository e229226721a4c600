package workflow

import "strings"

// Project types.
const (
	ProjectTextToVideo   = "text_to_video"
	ProjectFramesToVideo = "frames_to_video"
)

// Models.
const (
	ModelFast    = "fast"
	ModelQuality = "quality"
)

// Aspect ratios.
const (
	AspectLandscape = "16:9"
	AspectPortrait  = "9:16"
)

// Output count bounds.
const (
	MinOutputs = 1
	MaxOutputs = 4
)

// Settings are the per-run generation choices.
type Settings struct {
	ProjectType string `json:"project_type"`
	Model       string `json:"model"`
	OutputCount int    `json:"output_count"`
	AspectRatio string `json:"aspect_ratio"`
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{
		ProjectType: ProjectTextToVideo,
		Model:       ModelFast,
		OutputCount: 2,
		AspectRatio: AspectLandscape,
	}
}

// Normalize replaces absent or unrecognized values with defaults and reports
// which fields it changed.
func (s Settings) Normalize() (Settings, []string) {
	d := DefaultSettings()
	var changed []string

	switch strings.ToLower(strings.TrimSpace(s.ProjectType)) {
	case ProjectTextToVideo, "text to video", "text":
		s.ProjectType = ProjectTextToVideo
	case ProjectFramesToVideo, "frames to video", "frames":
		s.ProjectType = ProjectFramesToVideo
	default:
		s.ProjectType = d.ProjectType
		changed = append(changed, "project_type")
	}

	switch m := strings.ToLower(strings.TrimSpace(s.Model)); {
	case strings.Contains(m, ModelQuality):
		s.Model = ModelQuality
	case strings.Contains(m, ModelFast):
		s.Model = ModelFast
	default:
		s.Model = d.Model
		changed = append(changed, "model")
	}

	if s.OutputCount < MinOutputs || s.OutputCount > MaxOutputs {
		s.OutputCount = d.OutputCount
		changed = append(changed, "output_count")
	}

	switch strings.ReplaceAll(strings.TrimSpace(s.AspectRatio), " ", "") {
	case AspectLandscape, "landscape":
		s.AspectRatio = AspectLandscape
	case AspectPortrait, "portrait":
		s.AspectRatio = AspectPortrait
	default:
		s.AspectRatio = d.AspectRatio
		changed = append(changed, "aspect_ratio")
	}
	return s, changed
}

// projectTypeLabels are the option texts for a project type, Vietnamese first.
func projectTypeLabels(projectType string) []string {
	if projectType == ProjectFramesToVideo {
		return []string{"Khung hình sang video", "Frames to Video"}
	}
	return []string{"Từ văn bản sang video", "Text to Video"}
}

// modelLabel is the text shown for a model in both languages.
func modelLabel(model string) string {
	if model == ModelQuality {
		return "Quality"
	}
	return "Fast"
}

// keySteps is the arrow-key distance of each choice from the top of its list.
func modelKeySteps(model string) int {
	if model == ModelQuality {
		return 1
	}
	return 0
}

func aspectKeySteps(ratio string) int {
	if ratio == AspectPortrait {
		return 1
	}
	return 0
}
