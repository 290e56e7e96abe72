package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/cloud-shuttle/adw/internal/state"
)

const transcriptAgent = "transcript_processor"

var (
	prdTitle   = regexp.MustCompile(`(?m)^#\s+PRD:\s*(.+)$`)
	anyHeading = regexp.MustCompile(`(?m)^#\s+(.+)$`)
)

// IsTranscript reports whether path has a transcript extension
func IsTranscript(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".pdf":
		return true
	}
	return false
}

// PRDTopic picks the document title used in the PRD file name
func PRDTopic(prd string) string {
	if m := prdTitle.FindStringSubmatch(prd); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := anyHeading.FindStringSubmatch(prd); m != nil {
		return strings.TrimSpace(m[1])
	}
	return "untitled"
}

// TranscriptToPRD turns a meeting transcript into a PRD committed to the
// run's branch. Markdown transcripts are passed to the agent inline, PDFs by
// path.
func (e *Env) TranscriptToPRD(ctx context.Context, transcriptPath, runID string) (Result, error) {
	if !IsTranscript(transcriptPath) {
		return Result{}, fmt.Errorf("unsupported transcript %s: want .md or .pdf", transcriptPath)
	}
	abs, err := filepath.Abs(transcriptPath)
	if err != nil {
		return Result{}, fmt.Errorf("resolving %s: %w", transcriptPath, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return Result{}, fmt.Errorf("transcript not found: %w", err)
	}

	runID, err = e.Store.Ensure(ctx, runID, "")
	if err != nil {
		return Result{}, err
	}
	st, _, err := e.prepare(ctx, runID, "", "transcript-prd-"+runID, "transcript_to_prd")
	if err != nil {
		return Result{}, err
	}
	log := clog.FromContext(ctx).With("run_id", st.RunID)

	input := abs
	if strings.EqualFold(filepath.Ext(abs), ".md") {
		data, err := os.ReadFile(abs)
		if err != nil {
			return Result{}, fmt.Errorf("reading transcript: %w", err)
		}
		input = string(data)
	}

	output, err := e.run(ctx, st, transcriptAgent, "/transcript_to_prd", input)
	if err != nil {
		return Result{}, err
	}
	prd := strings.TrimSpace(output)
	if prd == "" {
		return Result{}, fmt.Errorf("agent returned an empty PRD")
	}

	rel := fmt.Sprintf("ai_docs/prds/prd-%s-%s.md", st.RunID, Slugify(PRDTopic(prd)))
	if err := writeArtifact(st.WorktreePath, rel, []byte(prd+"\n")); err != nil {
		return Result{}, err
	}
	log.Infof("Saved PRD to %s", rel)

	st.Update(state.Partial{PlanFile: rel, Artifacts: map[string]string{ArtifactPRD: rel}})
	if err := e.finish(ctx, st, "transcript_to_prd", fmt.Sprintf("adw: add PRD from transcript (%s)", st.RunID)); err != nil {
		return Result{}, err
	}
	e.reporter(st).Say(ctx, transcriptAgent, "✅ PRD generated at "+rel)
	return Result{Label: LabelPRD, Artifact: rel}, nil
}
