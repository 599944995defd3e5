package handler

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestProjects_Lifecycle(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/projects/create", `{"name": "Album"}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if result := parseJSON(t, resp); result["ok"] != true || result["name"] != "Album" {
		t.Errorf("unexpected create response %v", result)
	}

	resp, _ = doRequest(ta.app, http.MethodPost, "/api/projects/create", `{"name": "Album"}`, nil)
	assertStatus(t, resp, http.StatusConflict)
	assertError(t, parseJSON(t, resp), "CONFLICT")

	resp, _ = doRequest(ta.app, http.MethodGet, "/api/projects/list", "", nil)
	list := parseJSON(t, resp)
	if list["active"] != "Default" {
		t.Errorf("expected active Default, got %v", list["active"])
	}
	projects, _ := list["projects"].([]interface{})
	if len(projects) != 2 {
		t.Fatalf("expected 2 projects, got %v", list["projects"])
	}

	resp, _ = doRequest(ta.app, http.MethodPost, "/api/projects/rename", `{"old": "Album", "new": "Single"}`, nil)
	assertStatus(t, resp, http.StatusOK)
	readBody(t, resp)
	if _, err := os.Stat(filepath.Join(ta.base, "Single")); err != nil {
		t.Errorf("renamed project missing: %v", err)
	}

	resp, _ = doRequest(ta.app, http.MethodPost, "/api/projects/rename", `{"old": "Album", "new": "Other"}`, nil)
	assertStatus(t, resp, http.StatusNotFound)
	assertError(t, parseJSON(t, resp), "NOT_FOUND")

	writeArtifact(t, filepath.Join(ta.base, "Single"), "take.wav")
	resp, _ = doRequest(ta.app, http.MethodPost, "/api/projects/delete", `{"name": "Single"}`, nil)
	assertStatus(t, resp, http.StatusConflict)
	readBody(t, resp)

	resp, _ = doRequest(ta.app, http.MethodPost, "/api/projects/delete", `{"name": "Single", "force": true}`, nil)
	assertStatus(t, resp, http.StatusOK)
	readBody(t, resp)
	if _, err := os.Stat(filepath.Join(ta.base, "Single")); !os.IsNotExist(err) {
		t.Error("expected project to be deleted")
	}
}

func TestProjects_DefaultIsReserved(t *testing.T) {
	ta := setupApp(t)

	tests := []struct {
		path string
		body string
	}{
		{"/api/projects/create", `{"name": "Default"}`},
		{"/api/projects/rename", `{"old": "Default", "new": "Main"}`},
		{"/api/projects/delete", `{"name": "default"}`},
	}
	for _, tt := range tests {
		resp, err := doRequest(ta.app, http.MethodPost, tt.path, tt.body, nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusBadRequest)
		assertError(t, parseJSON(t, resp), "VALIDATION_ERROR")
	}
}

func TestProjects_CreateRequiresName(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/projects/create", `{}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)

	result := parseJSON(t, resp)
	details, _ := result["details"].(map[string]interface{})
	if details["Name"] != "required" {
		t.Errorf("expected Name=required in details, got %v", result["details"])
	}
}

func TestFiles_RenameAndDeletePatchHistory(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/generate/json", `{"ref_prompt": "lofi"}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	name, _ := parseJSON(t, resp)["outfile_name"].(string)
	if name == "" {
		t.Fatal("expected an artifact")
	}

	resp, _ = doRequest(ta.app, http.MethodPost, "/api/files/rename", `{"src": "`+name+`", "dst": "keeper.wav"}`, nil)
	assertStatus(t, resp, http.StatusOK)
	readBody(t, resp)

	resp, _ = doRequest(ta.app, http.MethodGet, "/api/files/list?project=Default", "", nil)
	list := parseJSON(t, resp)
	history, _ := list["history"].([]interface{})
	if len(history) != 1 || history[0].(map[string]interface{})["file"] != "keeper.wav" {
		t.Errorf("expected history to follow rename, got %v", list["history"])
	}

	resp, _ = doRequest(ta.app, http.MethodPost, "/api/files/delete", `{"name": "missing.wav"}`, nil)
	assertStatus(t, resp, http.StatusNotFound)
	readBody(t, resp)

	resp, _ = doRequest(ta.app, http.MethodPost, "/api/files/delete", `{"project": "Default", "name": "keeper.wav"}`, nil)
	assertStatus(t, resp, http.StatusOK)
	readBody(t, resp)

	resp, _ = doRequest(ta.app, http.MethodGet, "/api/files/list", "", nil)
	list = parseJSON(t, resp)
	if files, _ := list["files"].([]interface{}); len(files) != 0 {
		t.Errorf("expected no files, got %v", files)
	}
	if history, _ := list["history"].([]interface{}); len(history) != 0 {
		t.Errorf("expected empty history, got %v", history)
	}
}

func TestFiles_ListMissingProject(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/files/list?project=Nowhere", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	list := parseJSON(t, resp)
	if files, _ := list["files"].([]interface{}); len(files) != 0 {
		t.Errorf("expected empty files, got %v", list["files"])
	}
	if _, err := os.Stat(filepath.Join(ta.base, "Nowhere")); !os.IsNotExist(err) {
		t.Error("listing must not create the project")
	}
}

func TestFiles_RenameRejectsEscape(t *testing.T) {
	ta := setupApp(t)
	writeArtifact(t, filepath.Join(ta.base, "Default"), "a.wav")

	resp, err := doRequest(ta.app, http.MethodPost, "/api/files/rename", `{"src": "a.wav", "dst": "../../escaped.wav"}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
	readBody(t, resp)

	if _, err := os.Stat(filepath.Join(ta.base, "Default", "a.wav")); err != nil {
		t.Errorf("source must be untouched: %v", err)
	}
}

func TestMedia_PlayAndDownload(t *testing.T) {
	ta := setupApp(t)
	writeArtifact(t, filepath.Join(ta.base, "Default"), "song.wav")

	resp, err := doRequest(ta.app, http.MethodGet, "/play/Default/song.wav", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if body := readBody(t, resp); body != "RIFF" {
		t.Errorf("unexpected body %q", body)
	}

	resp, err = doRequest(ta.app, http.MethodGet, "/download/Default/song.wav", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Errorf("expected attachment disposition, got %q", cd)
	}
	readBody(t, resp)

	resp, _ = doRequest(ta.app, http.MethodGet, "/play/Default/nope.wav", "", nil)
	assertStatus(t, resp, http.StatusNotFound)
	readBody(t, resp)
}
