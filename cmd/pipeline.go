package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/audiolibrelab/meetcapture/internal/mix"
	"github.com/audiolibrelab/meetcapture/internal/play"
	"github.com/audiolibrelab/meetcapture/internal/service"
)

const validStepsHelp = "valid: r=record, e=export, p=play"

// executePipeline runs the pipeline steps that follow startStep on result
func executePipeline(svc service.Service, result *mix.Result, startStep rune) error {
	if pipeline == "" {
		return nil
	}

	steps := []rune(strings.ToLower(pipeline))
	startIndex := -1
	for i, step := range steps {
		if step == startStep {
			startIndex = i
			break
		}
	}
	if startIndex == -1 {
		return fmt.Errorf("step '%c' not found in pipeline '%s'", startStep, pipeline)
	}

	return runSteps(context.Background(), svc, result, steps[startIndex+1:])
}

func runSteps(ctx context.Context, svc service.Service, result *mix.Result, steps []rune) error {
	for i, step := range steps {
		fmt.Printf("Pipeline: executing step %d/%d: '%c'...\n", i+1, len(steps), step)

		switch step {
		case 'r':
			var err error
			result, err = recordSession(ctx, svc)
			if err != nil {
				return fmt.Errorf("pipeline record failed: %w", err)
			}
			if result == nil {
				return nil
			}

		case 'e':
			if result == nil || result.Fallback {
				return fmt.Errorf("pipeline export needs a mixed recording")
			}
			out, err := svc.Export(ctx, result.OutputPath)
			if err != nil {
				return fmt.Errorf("pipeline export failed: %w", err)
			}
			fmt.Printf("Pipeline: exported %s\n", out)

		case 'p':
			name := ""
			if result != nil && !result.Fallback {
				name = result.OutputPath
			}
			if err := play.New(svc.GetConfig()).Play(ctx, name); err != nil {
				return fmt.Errorf("pipeline play failed: %w", err)
			}

		default:
			return fmt.Errorf("unknown pipeline step: '%c' (%s)", step, validStepsHelp)
		}
	}
	return nil
}

// followUpSteps returns the pipeline steps that act on an existing recording
func followUpSteps() []rune {
	var steps []rune
	for _, step := range strings.ToLower(pipeline) {
		if step != 'r' {
			steps = append(steps, step)
		}
	}
	return steps
}

func validatePipeline() error {
	if pipeline == "" {
		return nil
	}

	validSteps := map[rune]bool{
		'r': true,
		'e': true,
		'p': true,
	}
	for _, step := range strings.ToLower(pipeline) {
		if !validSteps[step] {
			return fmt.Errorf("invalid pipeline step: '%c' (%s)", step, validStepsHelp)
		}
	}
	return nil
}
