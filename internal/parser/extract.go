package parser

import (
	"strconv"

	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/registry"
)

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

// ExtractValue reads the value of one parameter from text.
func ExtractValue(spec registry.ParamSpec, text string) (any, bool) {
	toks := tokens(text)
	switch spec.Kind {
	case registry.ParamNumber:
		for _, t := range toks {
			if n, err := strconv.Atoi(t); err == nil && n >= 0 {
				return n, true
			}
			if n, ok := numberWords[t]; ok {
				return n, true
			}
		}
	case registry.ParamChoice:
		for _, option := range spec.Options {
			if hasWord(toks, option) {
				return option, true
			}
		}
	case registry.ParamFlag:
		keyword := spec.Keyword
		if keyword == "" {
			keyword = spec.Name
		}
		return hasWord(toks, keyword), true
	}
	return nil, false
}

// ExtractParams reads every parameter a descriptor declares from a clause, in
// declaration order. Parameters that are absent fall back to their default.
func ExtractParams(d registry.Descriptor, segment string) models.Parameters {
	var params models.Parameters
	for _, spec := range d.Params {
		if v, ok := ExtractValue(spec, segment); ok {
			params = params.Set(spec.Name, v)
			continue
		}
		if spec.Default != nil {
			params = params.Set(spec.Name, spec.Default)
		}
	}
	return params
}

// ApplyDefaults fills declared parameters the intent lacks.
func ApplyDefaults(d registry.Descriptor, params models.Parameters) models.Parameters {
	for _, spec := range d.Params {
		if !params.Has(spec.Name) && spec.Default != nil {
			params = params.Set(spec.Name, spec.Default)
		}
	}
	return params
}

// BuildTarget mirrors the clause and its choice parameters into the target.
func BuildTarget(d registry.Descriptor, segment string, params models.Parameters) map[string]any {
	target := map[string]any{"source": segment}
	for _, spec := range d.Params {
		if spec.Kind != registry.ParamChoice {
			continue
		}
		if v, ok := params.String(spec.Name); ok && v != "" {
			target[spec.Name] = v
		}
	}
	return target
}
