package service

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/makeasinger/rhythmdeck/internal/job"
	"github.com/makeasinger/rhythmdeck/internal/model"
)

var (
	modelDirs      = []string{"models", "checkpoints", "pretrained", "pretrained_models"}
	modelGrepFiles = []string{"infer/infer.py", "README.md"}

	fallbackModels = []string{"ASLP-lab/DiffRhythm-1_2", "ASLP-lab/DiffRhythm-1_1"}

	checkpointPattern = regexp.MustCompile(`(?i)^(DiffRhythm[-_][0-9][._][0-9])`)
	repoIDPattern     = regexp.MustCompile(`ASLP-lab/(DiffRhythm[-_][0-9][._][0-9])`)
)

// ModelService locates the external tool and lists the models it can use.
type ModelService struct {
	configuredRoot string
	script         string
	appRoot        string
	models         []string
}

// NewModelService creates a model service. configuredRoot and models come
// from configuration and may be empty; appRoot anchors the parent-walk search.
func NewModelService(configuredRoot, script, appRoot string, models []string) *ModelService {
	if script == "" {
		script = "infer/infer.py"
	}
	return &ModelService{
		configuredRoot: configuredRoot,
		script:         script,
		appRoot:        appRoot,
		models:         models,
	}
}

// Script returns the tool entry point relative to the root.
func (s *ModelService) Script() string {
	return s.script
}

// Root resolves the tool's root directory: the configured root, then the
// parent of appRoot, then up to four further ancestors, picking the first
// that contains the entry script. When none does, the first candidate wins.
func (s *ModelService) Root() string {
	var candidates []string
	if s.configuredRoot != "" {
		candidates = append(candidates, absPath(s.configuredRoot))
	}
	app := absPath(s.appRoot)
	candidates = append(candidates, filepath.Dir(app))
	p := app
	for i := 0; i < 4; i++ {
		p = filepath.Dir(p)
		candidates = append(candidates, p)
	}

	for _, root := range candidates {
		if isFile(filepath.Join(root, filepath.FromSlash(s.script))) {
			return root
		}
	}
	return candidates[0]
}

// Toolchain describes how to launch the tool with the given interpreter
// override.
func (s *ModelService) Toolchain(pythonBin string) job.Toolchain {
	return job.Toolchain{
		Root:      s.Root(),
		Script:    s.script,
		PythonBin: pythonBin,
	}
}

// Discover lists model repo ids available under root.
func (s *ModelService) Discover(root string) []string {
	if len(s.models) > 0 {
		return uniqueSorted(s.models)
	}

	found := map[string]bool{}
	for _, d := range modelDirs {
		entries, err := os.ReadDir(filepath.Join(root, d))
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				if strings.HasPrefix(strings.ToLower(name), "diffrhythm-") {
					found["ASLP-lab/"+name] = true
				}
				continue
			}
			if m := checkpointPattern.FindStringSubmatch(name); m != nil {
				found["ASLP-lab/"+strings.ReplaceAll(m[1], ".", "_")] = true
			}
		}
	}

	for _, rel := range modelGrepFiles {
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			continue
		}
		for _, m := range repoIDPattern.FindAllStringSubmatch(string(data), -1) {
			found["ASLP-lab/"+strings.ReplaceAll(m[1], ".", "_")] = true
		}
	}

	if len(found) == 0 {
		return append([]string(nil), fallbackModels...)
	}
	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Catalog returns the discovered models with display labels, and the root
// they were discovered under.
func (s *ModelService) Catalog() ([]model.ModelInfo, string) {
	root := s.Root()
	ids := s.Discover(root)
	out := make([]model.ModelInfo, 0, len(ids))
	for _, id := range ids {
		label := id[strings.LastIndex(id, "/")+1:]
		out = append(out, model.ModelInfo{
			RepoID: id,
			Label:  strings.ReplaceAll(label, "_", "."),
		})
	}
	return out, root
}

func uniqueSorted(values []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '\n' }) {
			part = strings.TrimSpace(part)
			if part != "" && !seen[part] {
				seen[part] = true
				out = append(out, part)
			}
		}
	}
	sort.Strings(out)
	return out
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
