package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/cloud-shuttle/adw/internal/state"
)

const (
	promptsAgent = "prompts_generator"
	installAgent = "ops"

	// splitMarker separates the PRD path from the example document in the
	// generator's single argument
	splitMarker = " ---SPLIT--- "
)

// PRDToPrompts generates the implementation prompts document for a PRD.
// example optionally points at a prompts document to imitate.
func (e *Env) PRDToPrompts(ctx context.Context, prdPath, runID, example string) (Result, error) {
	abs, err := filepath.Abs(prdPath)
	if err != nil {
		return Result{}, fmt.Errorf("resolving %s: %w", prdPath, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return Result{}, fmt.Errorf("PRD not found: %w", err)
	}
	if example != "" {
		if _, err := os.Stat(example); err != nil {
			return Result{}, fmt.Errorf("example prompts not found: %w", err)
		}
	}

	runID, err = e.Store.Ensure(ctx, runID, "")
	if err != nil {
		return Result{}, err
	}
	st, created, err := e.prepare(ctx, runID, "", fmt.Sprintf("feat-adw-%s-prd-to-prompts", runID), "prd_to_prompts")
	if err != nil {
		return Result{}, err
	}
	log := clog.FromContext(ctx).With("run_id", st.RunID)

	if created {
		server, client := st.Ports()
		if _, err := e.run(ctx, st, installAgent, "/install_worktree",
			st.WorktreePath, fmt.Sprint(server), fmt.Sprint(client)); err != nil {
			return Result{}, fmt.Errorf("installing worktree: %w", err)
		}
	}

	prdRel := relativeTo(st.WorktreePath, abs)
	if filepath.IsAbs(prdRel) {
		// The agent only sees the worktree, so bring the PRD in
		prdRel = "ai_docs/prds/" + filepath.Base(abs)
		data, err := os.ReadFile(abs)
		if err != nil {
			return Result{}, fmt.Errorf("reading PRD: %w", err)
		}
		if err := writeArtifact(st.WorktreePath, prdRel, data); err != nil {
			return Result{}, err
		}
		log.Infof("Copied PRD into worktree at %s", prdRel)
	}

	arg := prdRel
	if example != "" {
		arg += splitMarker + example
	}
	output, err := e.run(ctx, st, promptsAgent, "/prd_to_prompts", arg)
	if err != nil {
		return Result{}, err
	}
	doc := strings.TrimSpace(output)
	if doc == "" {
		return Result{}, fmt.Errorf("agent returned an empty prompts document")
	}

	stem := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	rel := fmt.Sprintf("ai_docs/%s-implementation-prompts.md", fileSlug(stem))
	if err := writeArtifact(st.WorktreePath, rel, []byte(doc+"\n")); err != nil {
		return Result{}, err
	}

	st.Update(state.Partial{PromptsFile: rel, Artifacts: map[string]string{ArtifactPrompts: rel}})
	msg := fmt.Sprintf("adw: generate implementation prompts from PRD\n\nGenerated %s from %s", rel, prdRel)
	if err := e.finish(ctx, st, "prd_to_prompts", msg); err != nil {
		return Result{}, err
	}
	e.reporter(st).Say(ctx, promptsAgent, "✅ Prompts document generated at "+rel)
	return Result{Label: LabelPrompts, Artifact: rel}, nil
}
