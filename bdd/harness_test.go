package bdd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	tactus "github.com/tactus-ai/tactus"
)

const greeterYAML = `
name: greeter
params:
  - name: name
    type: string
    default: World
agents:
  - name: Greeter
    provider: openai
    model: gpt-4o-mini
    system_prompt: "Greet ${params.name}, then call the done tool."
    tools: [done]
script: |
  for {
    if Tool.called("done") { break }
    Greeter.turn()
  }
  call := Tool.last_call("done")
  out := {"completed": true, "greeting": call["args"]["reason"]}
  out
specifications: |
  Feature: Greeting
    Scenario: greets and completes
      Given the name parameter is "World"
      When the procedure runs
      Then the done tool should be called
      And the procedure should complete successfully
      And iterations should be less than 5
      And the stop reason should contain "mock complete"
`

func loadProc(t *testing.T, yaml string) *tactus.Procedure {
	t.Helper()
	proc, err := tactus.LoadString(yaml)
	require.NoError(t, err)
	return proc
}

func TestParse(t *testing.T) {
	suite, err := Parse(`
Feature: Sample
  Background:
    Given the name parameter is "X"

  Scenario: first
    When the procedure runs
    Then the procedure should complete successfully

  Scenario: second
    Then the done tool should be called
`)
	require.NoError(t, err)
	require.Len(t, suite.Features, 1)
	require.Equal(t, "Sample", suite.Features[0].Name)

	scenarios := suite.Scenarios()
	require.Len(t, scenarios, 2)
	require.Equal(t, "first", scenarios[0].Name)
	// Background steps are prepended to every scenario.
	require.Equal(t, "Given", scenarios[0].Steps[0].Keyword)
	require.Equal(t, `the name parameter is "X"`, scenarios[0].Steps[0].Text)
	require.Len(t, scenarios[1].Steps, 2)
}

func TestParseEmpty(t *testing.T) {
	suite, err := Parse("")
	require.NoError(t, err)
	require.Empty(t, suite.Scenarios())
}

func TestHarnessTest(t *testing.T) {
	harness, err := NewHarness(loadProc(t, greeterYAML), HarnessOptions{})
	require.NoError(t, err)

	report, err := harness.Test(context.Background(), TestOptions{Parallel: true})
	require.NoError(t, err)
	require.Equal(t, 1, report.Passed)
	require.Zero(t, report.Failed)
	require.Len(t, report.Results, 1)
	require.True(t, report.Results[0].Passed)
	require.NotEmpty(t, report.Results[0].Outcome)
}

func TestHarnessScenarioFilter(t *testing.T) {
	harness, err := NewHarness(loadProc(t, greeterYAML), HarnessOptions{})
	require.NoError(t, err)

	_, err = harness.Test(context.Background(), TestOptions{Scenario: "missing"})
	require.Error(t, err)

	report, err := harness.Test(context.Background(), TestOptions{Scenario: "greets and completes"})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
}

func TestHarnessFailureReporting(t *testing.T) {
	proc := loadProc(t, `
name: stages
script: |
  Stage.set("start")
  State.set("n", 2)
  Stage.set("done")
  nil
specifications: |
  Feature: Stages
    Scenario: wrong expectations
      When the procedure runs
      Then the stage should be "start"
      And the state n should be 3
`)
	harness, err := NewHarness(proc, HarnessOptions{})
	require.NoError(t, err)

	report, err := harness.Test(context.Background(), TestOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Len(t, report.Results[0].Failures, 2)
}

func TestHarnessMockConfigSteps(t *testing.T) {
	proc := loadProc(t, `
name: lookup
script: |
  r := Tool.call("search", {"q": "tactus"})
  out := {"hits": r["hits"]}
  out
specifications: |
  Feature: Lookup
    Scenario: canned search results
      Given the search dependency returns '{"hits": ["a", "b"]}'
      When the procedure runs
      Then the procedure should complete successfully
      And the search tool should be called
`)
	harness, err := NewHarness(proc, HarnessOptions{})
	require.NoError(t, err)

	report, err := harness.Test(context.Background(), TestOptions{})
	require.NoError(t, err)
	require.Zero(t, report.Failed, "failures: %v", report.Results[0].Failures)
}

func TestHarnessHITLSteps(t *testing.T) {
	proc := loadProc(t, `
name: approval
script: |
  approved := Human.approve({"message": "go?", "timeout": 0.2, "default": false})
  out := {"approved": approved}
  out
specifications: |
  Feature: Approval
    Scenario: approved
      Given Human.approve will return true
      When the procedure runs
      Then the procedure should complete successfully
steps:
  - pattern: "the result should be approved"
    script: "result[\"approved\"] == true"
`)
	harness, err := NewHarness(proc, HarnessOptions{})
	require.NoError(t, err)

	report, err := harness.Test(context.Background(), TestOptions{})
	require.NoError(t, err)
	require.Zero(t, report.Failed, "failures: %v", report.Results[0].Failures)
}

func TestHarnessCustomSteps(t *testing.T) {
	proc := loadProc(t, `
name: custom
script: |
  State.set("n", 5)
  out := {"n": State.get("n")}
  out
specifications: |
  Feature: Custom steps
    Scenario: custom assertion
      When the procedure runs
      Then the answer should be 5
steps:
  - pattern: "the answer should be (\\d+)"
    script: "int(state[\"n\"]) == int(args[0])"
`)
	harness, err := NewHarness(proc, HarnessOptions{})
	require.NoError(t, err)

	report, err := harness.Test(context.Background(), TestOptions{})
	require.NoError(t, err)
	require.Zero(t, report.Failed, "failures: %v", report.Results[0].Failures)
}

func TestHarnessUnknownStep(t *testing.T) {
	proc := loadProc(t, `
name: unknown
script: |
  nil
specifications: |
  Feature: Unknown
    Scenario: no matching definition
      Then something completely unrecognised happens
`)
	harness, err := NewHarness(proc, HarnessOptions{})
	require.NoError(t, err)

	report, err := harness.Test(context.Background(), TestOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, report.Failed)
	require.Contains(t, report.Results[0].Failures[0], "no step definition")
}

func TestEvaluateConsistency(t *testing.T) {
	harness, err := NewHarness(loadProc(t, greeterYAML), HarnessOptions{})
	require.NoError(t, err)

	report, err := harness.Evaluate(context.Background(), EvalOptions{Runs: 10, Workers: 4})
	require.NoError(t, err)
	require.Len(t, report.Stats, 1)

	stats := report.Stats[0]
	require.Equal(t, 10, stats.Runs)
	require.Equal(t, 1.0, stats.SuccessRate)
	require.Equal(t, 1.0, stats.Consistency)
	require.GreaterOrEqual(t, stats.DurationMean, 0.0)

	require.Equal(t, tactus.EventEvaluationStarted, report.Events[0].Type)
	require.Equal(t, tactus.EventEvaluationEnded, report.Events[len(report.Events)-1].Type)
}

func TestScoreScenarioStats(t *testing.T) {
	results := []ScenarioResult{
		{Passed: true, Outcome: "a"},
		{Passed: true, Outcome: "a"},
		{Passed: false, Outcome: "b"},
		{Passed: true, Outcome: "a"},
	}
	stats := scoreScenario(Scenario{Name: "s"}, results)
	require.Equal(t, 4, stats.Runs)
	require.Equal(t, 0.75, stats.SuccessRate)
	require.Equal(t, 0.75, stats.Consistency)
}
