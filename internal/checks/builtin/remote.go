package builtin

import (
	"context"
	"math"
	"time"

	"repolizer/internal/checks"
	"repolizer/internal/data"
)

// activityHalfLife is how long since the last push it takes for the activity
// score to halve.
const activityHalfLife = 180 * 24 * time.Hour

func remoteChecks(api API, now func() time.Time) []checks.Definition {
	remote := func(name, category, label, desc string, fn checks.CheckFunc) checks.Definition {
		return checks.Definition{
			Name:        name,
			Category:    category,
			Label:       label,
			Description: desc,
			Locality:    data.LocalityRemote,
			Resource:    "core",
			Check:       fn,
		}
	}

	return []checks.Definition{
		remote("description", "documentation", "Repository description",
			"Verifies that the repository has a description.",
			func(ctx context.Context, repo data.Repository) (checks.Outcome, error) {
				meta, err := api.Repository(ctx, repo)
				if err != nil {
					return checks.Outcome{}, err
				}
				if meta == nil {
					return fail(map[string]any{"available": false}), nil
				}
				if meta.GetDescription() == "" {
					return fail(map[string]any{"description": ""}), nil
				}
				return pass(map[string]any{"description": meta.GetDescription()}), nil
			}),
		remote("topics", "community", "Repository topics",
			"Scores repository topics; three or more topics score 100.",
			func(ctx context.Context, repo data.Repository) (checks.Outcome, error) {
				meta, err := api.Repository(ctx, repo)
				if err != nil {
					return checks.Outcome{}, err
				}
				if meta == nil {
					return fail(map[string]any{"available": false}), nil
				}
				topics := meta.Topics
				score := min(100, float64(len(topics))*100/3)
				return checks.Outcome{Score: score, Result: map[string]any{"topics": topics}}, nil
			}),
		remote("recent_activity", "maintainability", "Recent activity",
			"Scores how recently the default branch was pushed to; the score halves every 180 days.",
			func(ctx context.Context, repo data.Repository) (checks.Outcome, error) {
				meta, err := api.Repository(ctx, repo)
				if err != nil {
					return checks.Outcome{}, err
				}
				if meta == nil || meta.PushedAt == nil {
					return fail(map[string]any{"available": false}), nil
				}
				pushed := meta.GetPushedAt().Time
				age := now().Sub(pushed)
				if age < 0 {
					age = 0
				}
				score := 100 * math.Pow(0.5, float64(age)/float64(activityHalfLife))
				return checks.Outcome{
					Score: score,
					Result: map[string]any{
						"pushed_at": pushed.UTC().Format(time.RFC3339),
						"age_days":  int(age.Hours() / 24),
						"archived":  meta.GetArchived(),
					},
				}, nil
			}),
		remote("community_health", "community", "Community health",
			"Uses GitHub's community profile health percentage.",
			func(ctx context.Context, repo data.Repository) (checks.Outcome, error) {
				profile, err := api.CommunityProfile(ctx, repo)
				if err != nil {
					return checks.Outcome{}, err
				}
				if profile == nil {
					return fail(map[string]any{"available": false}), nil
				}
				files := profile.GetFiles()
				return checks.Outcome{
					Score: profile.GetHealthPercentage(),
					Result: map[string]any{
						"readme":          files.GetReadme() != nil,
						"license":         files.GetLicense() != nil,
						"contributing":    files.GetContributing() != nil,
						"code_of_conduct": files.GetCodeOfConduct() != nil || files.GetCodeOfConductFile() != nil,
						"issue_template":  files.GetIssueTemplate() != nil,
						"pr_template":     files.GetPullRequestTemplate() != nil,
					},
				}, nil
			}),
		remote("actions_workflows", "ci_cd", "GitHub Actions workflows",
			"Verifies that at least one GitHub Actions workflow is defined.",
			func(ctx context.Context, repo data.Repository) (checks.Outcome, error) {
				n, err := api.WorkflowCount(ctx, repo)
				if err != nil {
					return checks.Outcome{}, err
				}
				if n == 0 {
					return fail(map[string]any{"workflows": 0}), nil
				}
				return pass(map[string]any{"workflows": n}), nil
			}),
	}
}
