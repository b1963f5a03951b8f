package config

import (
	"fmt"

	"github.com/a-essam23/go-collab/pkg/pipeline"
)

type StepFuncProvider func(name string) (pipeline.StepFunc, bool)

// CompilePipelines turns the configured steps of every event into
// executable pipeline steps. Unknown step names are a startup error.
func CompilePipelines(events map[string]EventConfig, provider StepFuncProvider) (map[string][]pipeline.Step, error) {
	out := make(map[string][]pipeline.Step, len(events))
	for eventName, eventCfg := range events {
		pipe := make([]pipeline.Step, 0, len(eventCfg.Steps))
		for _, stepCfg := range eventCfg.Steps {
			fn, ok := provider(stepCfg.Name)
			if !ok {
				return nil, fmt.Errorf("unknown step '%s' in event '%s'", stepCfg.Name, eventName)
			}
			pipe = append(pipe, pipeline.Step{
				Name:     stepCfg.Name,
				Function: fn,
				Params:   stepCfg.Params,
			})
		}
		out[eventName] = pipe
	}
	return out, nil
}
