package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Mode selects how request parameters are defaulted.
type Mode string

const (
	ModeSimple   Mode = "simple"
	ModeAdvanced Mode = "advanced"
)

// RefMode selects the kind of reference that steers generation.
type RefMode string

const (
	RefModePrompt RefMode = "prompt"
	RefModeAudio  RefMode = "audio"
)

// GenerationParams are passed through to the external tool.
type GenerationParams struct {
	RepoID        string  `json:"repo_id" validate:"required"`
	AudioLength   int     `json:"audio_length" validate:"gt=0"`
	Steps         int     `json:"steps" validate:"gt=0"`
	CFGStrength   float64 `json:"cfg_strength" validate:"gt=0"`
	BatchInferNum int     `json:"batch_infer_num" validate:"gt=0"`
	UseChunked    bool    `json:"use_chunked"`
	Device        string  `json:"cuda_visible_devices"`
}

// JobRequest is the validated input to one generation run.
type JobRequest struct {
	Project string  `json:"project" validate:"required"`
	Mode    Mode    `json:"mode" validate:"oneof=simple advanced"`
	RefMode RefMode `json:"ref_mode" validate:"oneof=prompt audio"`

	// Exactly one of RefPrompt and RefAudioPath is set.
	RefPrompt    string `json:"ref_prompt,omitempty"`
	RefAudioPath string `json:"ref_audio_path,omitempty"`

	// RefAudioLabel is what history records for an audio reference.
	RefAudioLabel string `json:"ref_audio,omitempty"`
	LyricsPath    string `json:"lrc_path,omitempty"`

	Params GenerationParams `json:"params"`
}

var (
	ErrMissingReference = errors.New("a text prompt or a reference audio file is required")
	ErrBothReferences   = errors.New("text prompt and reference audio are mutually exclusive")
)

// CheckReference enforces that exactly one reference is populated and that
// it agrees with RefMode.
func (r *JobRequest) CheckReference() error {
	hasPrompt := strings.TrimSpace(r.RefPrompt) != ""
	hasAudio := strings.TrimSpace(r.RefAudioPath) != ""

	switch {
	case hasPrompt && hasAudio:
		return ErrBothReferences
	case r.RefMode == RefModePrompt && !hasPrompt:
		return errors.New("Text prompt is required when prompt mode is selected")
	case r.RefMode == RefModeAudio && !hasAudio:
		return errors.New("Audio reference is required when audio mode is selected")
	case !hasPrompt && !hasAudio:
		return ErrMissingReference
	}
	return nil
}

// RunResult is the outcome of one generation run.
type RunResult struct {
	OK          bool   `json:"ok"`
	RunID       string `json:"run_id"`
	ReturnCode  int    `json:"returncode"`
	Logs        string `json:"logs"`
	OutFile     string `json:"outfile"`
	OutFileName string `json:"outfile_name"`
	RemoteURL   string `json:"remote_url,omitempty"`
}

// QualityPreset pairs steps with a guidance strength for simple mode.
type QualityPreset struct {
	Steps       int     `json:"steps"`
	CFGStrength float64 `json:"cfg_strength"`
}

// QualityPresets are the named presets offered in simple mode.
var QualityPresets = map[string]QualityPreset{
	"fast":     {Steps: 32, CFGStrength: 3.5},
	"balanced": {Steps: 56, CFGStrength: 3.8},
	"high":     {Steps: 72, CFGStrength: 4.0},
}

// Number accepts a JSON number or a numeric string.
type Number struct {
	raw string
	set bool
}

// NewNumber builds a Number from a form value.
func NewNumber(raw string) Number {
	raw = strings.TrimSpace(raw)
	return Number{raw: raw, set: raw != ""}
}

func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = Number{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = NewNumber(s)
		return nil
	}
	*n = NewNumber(string(data))
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.set {
		return []byte("null"), nil
	}
	return []byte(strconv.Quote(n.raw)), nil
}

// IsSet reports whether a value was supplied.
func (n Number) IsSet() bool {
	return n.set
}

// Int returns the value as an int, falling back to def when unset.
// Fractional input is truncated toward zero.
func (n Number) Int(field string, def int) (int, error) {
	if !n.set {
		return def, nil
	}
	if v, err := strconv.Atoi(n.raw); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(n.raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", field, n.raw)
	}
	return int(f), nil
}

// Float returns the value as a float64, falling back to def when unset.
func (n Number) Float(field string, def float64) (float64, error) {
	if !n.set {
		return def, nil
	}
	f, err := strconv.ParseFloat(n.raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", field, n.raw)
	}
	return f, nil
}

// GenerateJSONRequest is the body of POST /api/generate/json. Reference audio
// and lyrics may be given as an existing project file, base64 or a URL.
type GenerateJSONRequest struct {
	Project string  `json:"project"`
	Mode    Mode    `json:"mode"`
	RefMode RefMode `json:"ref_mode"`

	RefPrompt        string `json:"ref_prompt"`
	RefAudioExisting string `json:"ref_audio_existing"`
	RefAudioB64      string `json:"ref_audio_b64"`
	RefAudioURL      string `json:"ref_audio_url"`
	RefAudioFilename string `json:"ref_audio_filename"`

	LrcB64      string `json:"lrc_b64"`
	LrcURL      string `json:"lrc_url"`
	LrcFilename string `json:"lrc_filename"`

	Quality       string  `json:"quality"`
	RepoID        string  `json:"repo_id"`
	AudioLength   Number  `json:"audio_length"`
	BatchInferNum Number  `json:"batch_infer_num"`
	Steps         Number  `json:"steps"`
	CFGStrength   Number  `json:"cfg_strength"`
	UseChunked    *bool   `json:"use_chunked"`
	Device        *string `json:"cuda_visible_devices"`
}

// HasAudioReference reports whether any audio reference source was supplied.
func (r *GenerateJSONRequest) HasAudioReference() bool {
	return r.RefAudioExisting != "" || r.RefAudioB64 != "" || r.RefAudioURL != ""
}
