package model

// HistoryEntry records one successful run in a project's history.json.
type HistoryEntry struct {
	Timestamp     int64   `json:"ts"`
	File          string  `json:"file"`
	Mode          Mode    `json:"mode"`
	RefMode       RefMode `json:"ref_mode"`
	Prompt        *string `json:"prompt"`
	RefAudio      *string `json:"ref_audio"`
	AudioLength   int     `json:"audio_length"`
	RepoID        string  `json:"repo_id"`
	Steps         int     `json:"steps"`
	CFGStrength   float64 `json:"cfg_strength"`
	Chunked       bool    `json:"chunked"`
	BatchInferNum int     `json:"batch_infer_num"`
}

// NewHistoryEntry snapshots req for the artifact named file.
func NewHistoryEntry(ts int64, file string, req *JobRequest) HistoryEntry {
	entry := HistoryEntry{
		Timestamp:     ts,
		File:          file,
		Mode:          req.Mode,
		RefMode:       req.RefMode,
		AudioLength:   req.Params.AudioLength,
		RepoID:        req.Params.RepoID,
		Steps:         req.Params.Steps,
		CFGStrength:   req.Params.CFGStrength,
		Chunked:       req.Params.UseChunked,
		BatchInferNum: req.Params.BatchInferNum,
	}
	if req.RefMode == RefModePrompt {
		prompt := req.RefPrompt
		entry.Prompt = &prompt
	}
	switch {
	case req.RefAudioLabel != "":
		label := req.RefAudioLabel
		entry.RefAudio = &label
	case req.RefAudioPath != "":
		path := req.RefAudioPath
		entry.RefAudio = &path
	}
	return entry
}
