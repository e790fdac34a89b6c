package summarize

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"digestd/internal/model"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		name        string
		text        string
		wantTitle   string
		wantSummary string
		wantTags    []string
		wantErr     bool
	}{
		{
			name:        "full reply",
			text:        "TITLE: Go 1.24\nSUMMARY: Generic type aliases land.\nTAGS: Go, Generics, go",
			wantTitle:   "Go 1.24",
			wantSummary: "Generic type aliases land.",
			wantTags:    []string{"go", "generics"},
		},
		{
			name:        "multi-line summary and markdown",
			text:        "**TITLE:** \"Weekly roundup\"\n**SUMMARY:** First point.\nSecond point.\n\nTAGS: #infra",
			wantTitle:   "Weekly roundup",
			wantSummary: "First point.\nSecond point.",
			wantTags:    []string{"infra"},
		},
		{
			name:        "lowercase markers without tags",
			text:        "title: x\nsummary: y",
			wantTitle:   "x",
			wantSummary: "y",
		},
		{
			name:    "no summary",
			text:    "TITLE: only a title\nTAGS: a",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, summary, tags, err := parseReply(tt.text)
			if tt.wantErr {
				if !errors.Is(err, errMalformed) {
					t.Fatalf("expected errMalformed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.wantTitle, title); diff != "" {
				t.Errorf("title mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantSummary, summary); diff != "" {
				t.Errorf("summary mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantTags, tags); diff != "" {
				t.Errorf("tags mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTemplates(t *testing.T) {
	tmpl := NewTemplates()
	unit := model.Unit{Items: []model.Item{
		{Title: "First", Link: "https://a.example", Content: strings.Repeat("x", 2100)},
		{Title: "Second", Content: "short"},
	}}

	got, err := tmpl.Render("", unit)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"Summarize the 2 items", "[1] First", "Link: https://a.example", "[2] Second", "TITLE:"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, strings.Repeat("x", 2001)) {
		t.Error("content was not truncated")
	}

	if err := tmpl.Add("headlines", "{{range .Items}}- {{.Title}}\n{{end}}"); err != nil {
		t.Fatalf("add: %v", err)
	}
	got, err = tmpl.Render("headlines", unit)
	if err != nil {
		t.Fatalf("render headlines: %v", err)
	}
	if diff := cmp.Diff("- First\n- Second\n", got); diff != "" {
		t.Errorf("headlines mismatch (-want +got):\n%s", diff)
	}

	if err := tmpl.Add("broken", "{{.Items"); err == nil {
		t.Error("expected parse error")
	}
}
