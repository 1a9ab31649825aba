// Package bdd is the Gherkin-based test and evaluation harness: it parses a
// procedure's specifications block, matches its steps against a step
// library, executes scenarios against mock-mode invocations, and scores
// repeated runs for consistency.
package bdd

import (
	"fmt"
	"strings"

	gherkin "github.com/cucumber/gherkin/go/v26"
	messages "github.com/cucumber/messages/go/v21"
)

// Step is one Given/When/Then line of a scenario.
type Step struct {
	Keyword string `json:"keyword"`
	Text    string `json:"text"`
}

// Scenario is one named sequence of steps, including any feature background
// steps.
type Scenario struct {
	Feature string `json:"feature"`
	Name    string `json:"name"`
	Steps   []Step `json:"steps"`
}

// Feature groups the scenarios of one Feature: block.
type Feature struct {
	Name      string     `json:"name"`
	Scenarios []Scenario `json:"scenarios"`
}

// Suite is the parse result of a specifications block.
type Suite struct {
	Features []Feature `json:"features"`
}

// Scenarios flattens the suite into a single scenario list.
func (s *Suite) Scenarios() []Scenario {
	var out []Scenario
	for _, feature := range s.Features {
		out = append(out, feature.Scenarios...)
	}
	return out
}

// Parse reads Gherkin text into a Suite.
func Parse(source string) (*Suite, error) {
	if strings.TrimSpace(source) == "" {
		return &Suite{}, nil
	}
	ids := &messages.Incrementing{}
	doc, err := gherkin.ParseGherkinDocument(strings.NewReader(source), ids.NewId)
	if err != nil {
		return nil, fmt.Errorf("failed to parse specifications: %w", err)
	}
	suite := &Suite{}
	if doc.Feature == nil {
		return suite, nil
	}

	feature := Feature{Name: doc.Feature.Name}
	var background []Step
	for _, child := range doc.Feature.Children {
		if child.Background != nil {
			for _, step := range child.Background.Steps {
				background = append(background, Step{
					Keyword: strings.TrimSpace(step.Keyword),
					Text:    strings.TrimSpace(step.Text),
				})
			}
		}
		if child.Scenario != nil {
			scenario := Scenario{
				Feature: feature.Name,
				Name:    child.Scenario.Name,
				Steps:   append([]Step{}, background...),
			}
			for _, step := range child.Scenario.Steps {
				scenario.Steps = append(scenario.Steps, Step{
					Keyword: strings.TrimSpace(step.Keyword),
					Text:    strings.TrimSpace(step.Text),
				})
			}
			feature.Scenarios = append(feature.Scenarios, scenario)
		}
	}
	suite.Features = append(suite.Features, feature)
	return suite, nil
}
