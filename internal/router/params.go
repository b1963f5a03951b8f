package router

import (
	"fmt"
	"strings"

	"github.com/a-essam23/go-collab/pkg/pipeline"
	"github.com/tidwall/gjson"
)

// resolveParams expands step parameter templates:
//
//	{.payload}        the raw payload
//	{.payload.path}   a gjson path into the payload, "" when absent
//	{$name}           a registered resolver such as user.id
//
// Anything else is passed through as a literal.
func (r *EventRouter) resolveParams(pctx *pipeline.Cargo, templates []string) ([]string, error) {
	resolved := make([]string, len(templates))
	payloadStr := string(pctx.Payload)

	for i, tpl := range templates {
		switch {
		case strings.HasPrefix(tpl, "{$") && strings.HasSuffix(tpl, "}"):
			name := strings.TrimSuffix(strings.TrimPrefix(tpl, "{$"), "}")
			resolver, ok := r.registry.GetParamResolver(name)
			if !ok {
				return nil, fmt.Errorf("unknown param variable '%s'", name)
			}
			v, err := resolver(pctx)
			if err != nil {
				return nil, err
			}
			resolved[i] = v

		case strings.HasPrefix(tpl, "{.") && strings.HasSuffix(tpl, "}"):
			path := strings.TrimSuffix(strings.TrimPrefix(tpl, "{."), "}")
			if path == "payload" {
				resolved[i] = payloadStr
				continue
			}
			subPath, ok := strings.CutPrefix(path, "payload.")
			if !ok {
				return nil, fmt.Errorf("unrecognized template path '%s'", path)
			}
			resolved[i] = gjson.Get(payloadStr, subPath).String()

		default:
			resolved[i] = tpl
		}
	}
	return resolved, nil
}
