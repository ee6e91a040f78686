// Package ralph drives a requirements document through the task queue
// one user story at a time, retrying each story within an iteration
// budget until it passes or the budget runs out.
package ralph

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/fentz26/fleet/internal/models"
)

// DefaultMaxIterations bounds attempts per story when the document does
// not set a budget.
const DefaultMaxIterations = 3

// Document is the YAML shape of a run definition.
type Document struct {
	Codebase      string          `yaml:"codebase"`
	Branch        string          `yaml:"branch,omitempty"`
	MaxIterations int             `yaml:"max_iterations,omitempty"`
	HaltOnFailure bool            `yaml:"halt_on_failure,omitempty"`
	Mode          models.RunMode  `yaml:"mode,omitempty"`
	Stories       []DocumentStory `yaml:"stories"`
}

// DocumentStory is one user story in a run definition.
type DocumentStory struct {
	ID          string   `yaml:"id,omitempty"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description,omitempty"`
	Acceptance  []string `yaml:"acceptance,omitempty"`
}

// LoadDocument reads and validates a run definition from path.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return ParseDocument(data)
}

// ParseDocument parses and validates a YAML run definition.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) validate() error {
	if d.Codebase == "" {
		return fmt.Errorf("document needs a codebase")
	}
	if d.Codebase == models.GlobalCodebase {
		return fmt.Errorf("a run must target a concrete codebase")
	}
	if len(d.Stories) == 0 {
		return fmt.Errorf("document needs at least one story")
	}
	if d.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must not be negative")
	}
	if d.Mode == "" {
		d.Mode = models.RunModeSequential
	}
	if d.Mode != models.RunModeSequential {
		return fmt.Errorf("run mode %q is not supported", d.Mode)
	}
	seen := make(map[string]bool)
	for i := range d.Stories {
		s := &d.Stories[i]
		if s.Title == "" {
			return fmt.Errorf("story %d needs a title", i+1)
		}
		if s.ID == "" {
			s.ID = fmt.Sprintf("story-%d", i+1)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate story id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// NewRun materializes a pending run from the document.
func (d *Document) NewRun() *models.RalphRun {
	maxIter := d.MaxIterations
	if maxIter == 0 {
		maxIter = DefaultMaxIterations
	}
	stories := make([]models.UserStory, len(d.Stories))
	results := make([]models.StoryResult, len(d.Stories))
	for i, s := range d.Stories {
		stories[i] = models.UserStory{
			ID:          s.ID,
			Title:       s.Title,
			Description: s.Description,
			Acceptance:  s.Acceptance,
		}
		results[i] = models.StoryResult{Status: models.StoryStatusPending}
	}
	return &models.RalphRun{
		ID:            uuid.New().String(),
		Status:        models.RunStatusPending,
		Stories:       stories,
		Results:       results,
		MaxIterations: maxIter,
		CodebaseID:    d.Codebase,
		Branch:        d.Branch,
		HaltOnFailure: d.HaltOnFailure,
		Mode:          d.Mode,
	}
}
