package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/mocktest/internal/model"
)

//go:embed templates/*.txt
var embedded embed.FS

// Embedded returns the prompt templates compiled into the binary.
func Embedded() fs.FS {
	return embedded
}

var instructionTagRegex = regexp.MustCompile(`(?i)</?\s*(system-instructions|incorrect-questions)\b[^>]*>`)

const maxFieldRunes = 2000

// PromptVariant selects the tone of the analysis prompt.
type PromptVariant string

const (
	// PromptEncouraging is the default, supportive tone.
	PromptEncouraging PromptVariant = "encouraging"
	// PromptDirect is a terse, gap-focused tone.
	PromptDirect PromptVariant = "direct"
)

var validVariants = map[PromptVariant]bool{
	PromptEncouraging: true,
	PromptDirect:      true,
}

var (
	loadOnce         sync.Once
	loadErr          error
	analyzeTemplates map[PromptVariant]*template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// AnalyzeData holds template data for the analysis prompt.
type AnalyzeData struct {
	Items              []model.AnalysisItem
	MinRecommendations int
	MaxRecommendations int
}

// Load parses the analysis templates from fsys once per process.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		analyzeTemplates = make(map[PromptVariant]*template.Template)
		for _, v := range []PromptVariant{PromptEncouraging, PromptDirect} {
			name := "templates/analyze_" + string(v) + ".txt"
			content, err := fs.ReadFile(fsys, name)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", name, err)
				return
			}
			tmpl, err := template.New("analyze").Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", name, err)
				return
			}
			analyzeTemplates[v] = tmpl
		}
	})
	return loadErr
}

// BuildAnalyzePrompt renders the analysis prompt for the incorrect items.
func BuildAnalyzePrompt(variant PromptVariant, items []model.AnalysisItem) (string, error) {
	if analyzeTemplates == nil {
		return "", errors.New("templates not initialized: call Load first")
	}
	tmpl, ok := analyzeTemplates[variant]
	if !ok {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	clean := make([]model.AnalysisItem, len(items))
	for i, it := range items {
		clean[i] = model.AnalysisItem{
			Question:      sanitize(it.Question),
			CorrectAnswer: sanitize(it.CorrectAnswer),
		}
	}

	data := AnalyzeData{
		Items:              clean,
		MinRecommendations: 2,
		MaxRecommendations: 3,
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sanitize(s string) string {
	s = instructionTagRegex.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")

	if utf8.RuneCountInString(s) > maxFieldRunes {
		runes := []rune(s)
		s = string(runes[:maxFieldRunes]) + " [truncated]"
	}
	return s
}
