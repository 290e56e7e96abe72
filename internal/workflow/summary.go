package workflow

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Field is one labelled line of a summary
type Field struct {
	Name  string
	Value string
}

// Fields lists the summary in display order
func (s *Summary) Fields() []Field {
	fields := []Field{
		{"Run ID", s.RunID},
		{"Pipeline", s.Pipeline},
	}
	if s.Input != "" {
		fields = append(fields, Field{"Input", filepath.Base(s.Input)})
	}

	for _, st := range s.Stages {
		value := st.Artifact
		switch st.Status {
		case "skipped":
			value = "SKIPPED"
		case "resumed":
			value += " (resumed)"
		}
		fields = append(fields, Field{st.Label, value})
		if st.CollectsItems && st.Status != "skipped" {
			fields = append(fields, Field{"Issues", issueList(s.Issues)})
		}
	}

	fields = append(fields,
		Field{"Merge", s.Merge},
		Field{"Worktree", s.Worktree},
		Field{"Logs", s.Logs},
		Field{"Duration", s.Duration.Round(time.Second).String()},
	)
	return fields
}

func issueList(issues []int) string {
	if len(issues) == 0 {
		return "0 created"
	}
	refs := make([]string, len(issues))
	for i, n := range issues {
		refs[i] = "#" + strconv.Itoa(n)
	}
	return strings.Join(refs, ", ")
}

// String renders the summary as aligned plain text
func (s *Summary) String() string {
	var b strings.Builder
	for _, f := range s.Fields() {
		fmt.Fprintf(&b, "  %-14s %s\n", f.Name+":", f.Value)
	}
	return b.String()
}
