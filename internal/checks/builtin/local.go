package builtin

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"repolizer/internal/checks"
	"repolizer/internal/data"
)

var (
	rootDirs      = []string{"."}
	communityDirs = []string{".", ".github", "docs"}
)

func localChecks() []checks.Definition {
	return []checks.Definition{
		{
			Name:        "readme",
			Category:    "documentation",
			Label:       "README",
			Description: "Scores the README at the repository root by presence, length and number of sections.",
			Locality:    data.LocalityLocal,
			Check:       checks.CheckFunc(readmeCheck),
		},
		{
			Name:        "license_file",
			Category:    "licensing",
			Label:       "License file",
			Description: "Verifies that a LICENSE, LICENCE or COPYING file exists at the repository root.",
			Locality:    data.LocalityLocal,
			Check:       presenceCheck(rootDirs, "license", "licence", "copying"),
		},
		{
			Name:        "contribution_guide",
			Category:    "community",
			Label:       "Contribution guide",
			Description: "Verifies that a CONTRIBUTING guide exists at the root, in .github or in docs.",
			Locality:    data.LocalityLocal,
			Check:       presenceCheck(communityDirs, "contributing"),
		},
		{
			Name:        "code_of_conduct",
			Category:    "community",
			Label:       "Code of conduct",
			Description: "Verifies that a CODE_OF_CONDUCT file exists at the root, in .github or in docs.",
			Locality:    data.LocalityLocal,
			Check:       presenceCheck(communityDirs, "code_of_conduct", "code-of-conduct"),
		},
		{
			Name:        "security_policy",
			Category:    "security",
			Label:       "Security policy",
			Description: "Verifies that a SECURITY policy exists at the root, in .github or in docs.",
			Locality:    data.LocalityLocal,
			Check:       presenceCheck(communityDirs, "security"),
		},
		{
			Name:        "ci_config",
			Category:    "ci_cd",
			Label:       "CI configuration",
			Description: "Looks for CI configuration: GitHub Actions workflows, GitLab CI, CircleCI, Travis, Jenkins or Azure Pipelines.",
			Locality:    data.LocalityLocal,
			Check:       checks.CheckFunc(ciConfigCheck),
		},
		{
			Name:        "tests_present",
			Category:    "testing",
			Label:       "Tests present",
			Description: "Counts test files and scores the ratio of test files to source files.",
			Locality:    data.LocalityLocal,
			Check:       checks.CheckFunc(testsPresentCheck),
		},
	}
}

func presenceCheck(dirs []string, stems ...string) checks.Check {
	return checks.CheckFunc(func(ctx context.Context, repo data.Repository) (checks.Outcome, error) {
		root, err := requireClone(repo)
		if err != nil {
			return checks.Outcome{}, err
		}
		if p, ok := findFile(root, dirs, stems...); ok {
			return pass(map[string]any{"found": true, "path": p}), nil
		}
		return fail(map[string]any{"found": false, "searched": dirs}), nil
	})
}

// readmeCheck scores 40 for a README at the root, up to 30 more for length
// and up to 30 more for headings.
func readmeCheck(ctx context.Context, repo data.Repository) (checks.Outcome, error) {
	root, err := requireClone(repo)
	if err != nil {
		return checks.Outcome{}, err
	}
	p, ok := findFile(root, rootDirs, "readme")
	if !ok {
		return fail(map[string]any{"found": false}), nil
	}
	content, err := os.ReadFile(filepath.Join(root, p))
	if err != nil {
		return checks.Outcome{}, err
	}

	headings := 0
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "==") {
			headings++
		}
	}

	score := 40.0
	score += min(30, float64(len(content))/100)
	score += min(30, float64(headings)*6)

	return checks.Outcome{
		Score: score,
		Result: map[string]any{
			"found":    true,
			"path":     p,
			"size":     humanize.Bytes(uint64(len(content))),
			"headings": headings,
		},
	}, nil
}

var ciMarkers = []string{
	".github/workflows",
	".gitlab-ci.yml",
	".circleci/config.yml",
	".travis.yml",
	"Jenkinsfile",
	"azure-pipelines.yml",
	"bitbucket-pipelines.yml",
}

func ciConfigCheck(ctx context.Context, repo data.Repository) (checks.Outcome, error) {
	root, err := requireClone(repo)
	if err != nil {
		return checks.Outcome{}, err
	}
	var found []string
	for _, m := range ciMarkers {
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(m)))
		if err != nil {
			continue
		}
		if info.IsDir() {
			entries, _ := os.ReadDir(filepath.Join(root, filepath.FromSlash(m)))
			for _, e := range entries {
				if ext := path.Ext(e.Name()); ext == ".yml" || ext == ".yaml" {
					found = append(found, path.Join(m, e.Name()))
				}
			}
			continue
		}
		found = append(found, m)
	}
	if len(found) == 0 {
		return fail(map[string]any{"found": false}), nil
	}
	return pass(map[string]any{"found": true, "files": found}), nil
}

var sourceExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".java": true, ".kt": true, ".rb": true, ".rs": true, ".c": true, ".cc": true,
	".cpp": true, ".cs": true, ".php": true, ".swift": true, ".scala": true,
}

func isTestFile(rel string) bool {
	base := strings.ToLower(path.Base(rel))
	stem := strings.TrimSuffix(base, path.Ext(base))
	switch {
	case strings.HasSuffix(stem, "_test"), strings.HasPrefix(stem, "test_"),
		strings.HasSuffix(stem, ".test"), strings.HasSuffix(stem, ".spec"),
		strings.HasSuffix(stem, "test") && path.Ext(base) == ".java":
		return true
	}
	for _, dir := range strings.Split(path.Dir(strings.ToLower(rel)), "/") {
		if dir == "test" || dir == "tests" || dir == "__tests__" || dir == "spec" {
			return true
		}
	}
	return false
}

// testsPresentCheck scores the test-to-source file ratio; a ratio of 0.3 or
// more scores 100.
func testsPresentCheck(ctx context.Context, repo data.Repository) (checks.Outcome, error) {
	root, err := requireClone(repo)
	if err != nil {
		return checks.Outcome{}, err
	}
	var sources, tests int
	err = walkFiles(ctx, root, func(rel string, _ fs.DirEntry) bool {
		if !sourceExts[strings.ToLower(path.Ext(rel))] {
			return true
		}
		sources++
		if isTestFile(rel) {
			tests++
		}
		return true
	})
	if err != nil {
		return checks.Outcome{}, err
	}
	details := map[string]any{"source_files": sources, "test_files": tests}
	if sources == 0 || tests == 0 {
		return fail(details), nil
	}
	ratio := float64(tests) / float64(sources)
	details["ratio"] = data.Round3(ratio)
	return checks.Outcome{Score: min(100, ratio/0.3*100), Result: details}, nil
}
