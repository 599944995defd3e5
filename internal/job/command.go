package job

import (
	"strconv"
	"strings"

	"github.com/makeasinger/rhythmdeck/internal/model"
)

// DefaultRepoID is used when a request carries no model identifier.
const DefaultRepoID = "ASLP-lab/DiffRhythm-1_2"

// BuildArgs translates req into the external tool's flags. The order is
// fixed so logged command lines are reproducible.
func BuildArgs(req *model.JobRequest, outputDir string) ([]string, error) {
	if err := req.CheckReference(); err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}
	p := req.Params
	if p.AudioLength <= 0 || p.Steps <= 0 || p.BatchInferNum <= 0 || p.CFGStrength <= 0 {
		return nil, &ValidationError{Reason: "audio_length, steps, batch_infer_num and cfg_strength must be positive"}
	}

	args := []string{
		"--output-dir", outputDir,
		"--audio-length", strconv.Itoa(p.AudioLength),
		"--repo-id", EffectiveRepoID(p),
	}

	if req.RefAudioPath != "" {
		args = append(args, "--ref-audio-path", req.RefAudioPath)
	} else {
		args = append(args, "--ref-prompt", req.RefPrompt)
	}

	if req.LyricsPath != "" {
		args = append(args, "--lrc-path", req.LyricsPath)
	}

	if p.UseChunked {
		args = append(args, "--chunked")
	}

	args = append(args,
		"--batch-infer-num", strconv.Itoa(p.BatchInferNum),
		"--steps", strconv.Itoa(p.Steps),
		"--cfg-strength", FormatFloat(p.CFGStrength),
	)
	return args, nil
}

// FormatFloat renders v with at least one fractional digit, so 4 becomes
// "4.0" rather than "4".
func FormatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// EffectiveRepoID returns the model identifier passed to the tool.
func EffectiveRepoID(p model.GenerationParams) string {
	if id := strings.TrimSpace(p.RepoID); id != "" {
		return id
	}
	return DefaultRepoID
}
