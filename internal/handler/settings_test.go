package handler

import (
	"net/http"
	"testing"
)

func TestConfig_GetAndUpdate(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/config", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	cfg := parseJSON(t, resp)
	if cfg["steps"] != float64(56) || cfg["repo_id"] != "ASLP-lab/DiffRhythm-1_2" {
		t.Errorf("unexpected defaults %v", cfg)
	}

	resp, _ = doRequest(ta.app, http.MethodPost, "/api/config", `{"steps": "72", "use_chunked": true}`, nil)
	assertStatus(t, resp, http.StatusOK)
	result := parseJSON(t, resp)
	updated, _ := result["config"].(map[string]interface{})
	if result["ok"] != true || updated["steps"] != float64(72) || updated["use_chunked"] != true {
		t.Errorf("unexpected update response %v", result)
	}

	if got := ta.settings.Get(); got.Steps != 72 {
		t.Errorf("settings not persisted, steps=%d", got.Steps)
	}
}

func TestConfig_RejectsInvalidValues(t *testing.T) {
	ta := setupApp(t)

	for _, body := range []string{`{"steps": 0}`, `{"cfg_strength": "strong"}`} {
		resp, err := doRequest(ta.app, http.MethodPost, "/api/config", body, nil)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusBadRequest)
		assertError(t, parseJSON(t, resp), "VALIDATION_ERROR")
	}
}

func TestPresets(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/presets", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	presets, _ := parseJSON(t, resp)["presets"].(map[string]interface{})
	fast, _ := presets["fast"].(map[string]interface{})
	if fast["steps"] != float64(32) {
		t.Errorf("unexpected presets %v", presets)
	}
}

func TestModels_FallbackList(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/api/models", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	result := parseJSON(t, resp)
	models, _ := result["models"].([]interface{})
	if result["ok"] != true || len(models) != 2 {
		t.Fatalf("expected fallback models, got %v", result)
	}
	first := models[0].(map[string]interface{})
	if first["repo_id"] != "ASLP-lab/DiffRhythm-1_2" || first["label"] != "DiffRhythm-1.2" {
		t.Errorf("unexpected model %v", first)
	}
}

func TestFavorites_CRUD(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodDelete, "/api/favorites/a", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
	readBody(t, resp)

	resp, _ = doRequest(ta.app, http.MethodPost, "/api/favorites",
		`{"favorites": [{"id": "a", "file": "one.wav"}, {"id": "b", "file": "two.wav"}]}`, nil)
	assertStatus(t, resp, http.StatusOK)
	readBody(t, resp)

	resp, _ = doRequest(ta.app, http.MethodDelete, "/api/favorites/a", "", nil)
	assertStatus(t, resp, http.StatusOK)
	readBody(t, resp)

	resp, _ = doRequest(ta.app, http.MethodGet, "/api/favorites", "", nil)
	favorites, _ := parseJSON(t, resp)["favorites"].([]interface{})
	if len(favorites) != 1 || favorites[0].(map[string]interface{})["id"] != "b" {
		t.Errorf("unexpected favorites %v", favorites)
	}
}

func TestAuth_RequiredWhenSecretConfigured(t *testing.T) {
	ta := setupAppWith(t, appOptions{jwtSecret: testJWTSecret})

	resp, err := doRequest(ta.app, http.MethodGet, "/api/status", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)
	assertError(t, parseJSON(t, resp), "UNAUTHORIZED")

	resp, err = doRequest(ta.app, http.MethodGet, "/api/status", "", map[string]string{
		"Authorization": "Bearer " + generateToken(t),
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if status := parseJSON(t, resp); status["busy"] != false {
		t.Errorf("expected idle status, got %v", status)
	}

	resp, _ = doRequest(ta.app, http.MethodGet, "/api/status?token="+generateToken(t), "", nil)
	assertStatus(t, resp, http.StatusOK)
	readBody(t, resp)
}

func TestHealth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if result := parseJSON(t, resp); result["status"] != "ok" || result["busy"] != false {
		t.Errorf("unexpected health %v", result)
	}
}
