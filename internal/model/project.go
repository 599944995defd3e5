package model

// Settings are the persisted generation defaults edited through /api/config.
type Settings struct {
	RepoID             string  `json:"repo_id" validate:"required"`
	AudioLength        int     `json:"audio_length" validate:"gt=0"`
	BatchInferNum      int     `json:"batch_infer_num" validate:"gt=0"`
	UseChunked         bool    `json:"use_chunked"`
	Steps              int     `json:"steps" validate:"gt=0"`
	CFGStrength        float64 `json:"cfg_strength" validate:"gt=0"`
	CudaVisibleDevices string  `json:"cuda_visible_devices"`
	ActiveProject      string  `json:"active_project"`
	PythonBin          string  `json:"python_bin"`
}

// DefaultSettings returns the settings used before anything is saved.
func DefaultSettings() Settings {
	return Settings{
		RepoID:             "ASLP-lab/DiffRhythm-1_2",
		AudioLength:        95,
		BatchInferNum:      1,
		UseChunked:         false,
		Steps:              56,
		CFGStrength:        3.8,
		CudaVisibleDevices: "0",
		ActiveProject:      "Default",
	}
}

// SettingsUpdate is a partial update; nil fields keep their current value.
type SettingsUpdate struct {
	RepoID             *string `json:"repo_id"`
	AudioLength        *Number `json:"audio_length"`
	BatchInferNum      *Number `json:"batch_infer_num"`
	UseChunked         *bool   `json:"use_chunked"`
	Steps              *Number `json:"steps"`
	CFGStrength        *Number `json:"cfg_strength"`
	CudaVisibleDevices *string `json:"cuda_visible_devices"`
	ActiveProject      *string `json:"active_project"`
	PythonBin          *string `json:"python_bin"`
}

// ProjectSummary is one row of the project list.
type ProjectSummary struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// ProjectListResponse lists projects and the active one.
type ProjectListResponse struct {
	Projects []ProjectSummary `json:"projects"`
	Active   string           `json:"active"`
}

// ArtifactInfo describes one audio file in a project.
type ArtifactInfo struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	MTime int64  `json:"mtime"`
}

// FileListResponse lists a project's artifacts and history.
type FileListResponse struct {
	Project string         `json:"project"`
	Files   []ArtifactInfo `json:"files"`
	History []HistoryEntry `json:"history"`
}

// ProjectCreateRequest is the body of POST /api/projects/create.
type ProjectCreateRequest struct {
	Name string `json:"name" validate:"required"`
}

// ProjectRenameRequest is the body of POST /api/projects/rename.
type ProjectRenameRequest struct {
	Old string `json:"old" validate:"required"`
	New string `json:"new" validate:"required"`
}

// ProjectDeleteRequest is the body of POST /api/projects/delete.
type ProjectDeleteRequest struct {
	Name  string `json:"name" validate:"required"`
	Force bool   `json:"force"`
}

// FileDeleteRequest is the body of POST /api/files/delete.
type FileDeleteRequest struct {
	Project string `json:"project"`
	Name    string `json:"name" validate:"required"`
}

// FileRenameRequest is the body of POST /api/files/rename.
type FileRenameRequest struct {
	Project string `json:"project"`
	Src     string `json:"src" validate:"required"`
	Dst     string `json:"dst" validate:"required"`
}

// ModelInfo is one entry of the model catalog.
type ModelInfo struct {
	RepoID string `json:"repo_id"`
	Label  string `json:"label"`
}

// Favorite is an opaque client-side favorite keyed by ID.
type Favorite map[string]any

// ID returns the favorite's id field as a string.
func (f Favorite) ID() string {
	if id, ok := f["id"].(string); ok {
		return id
	}
	return ""
}

// FavoritesRequest is the body of POST /api/favorites.
type FavoritesRequest struct {
	Favorites []Favorite `json:"favorites"`
}
