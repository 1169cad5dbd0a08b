package llmtool

// PromptPreset holds reusable constraints and rules for structured prompts.
type PromptPreset struct {
	Constraints []string
	Rules       []string
}

// ApplyPresets prepends preset constraints/rules to a structured prompt spec.
func ApplyPresets(spec StructuredPromptSpec, presets ...PromptPreset) StructuredPromptSpec {
	if len(presets) == 0 {
		return spec
	}
	var merged PromptPreset
	for _, p := range presets {
		merged.Constraints = append(merged.Constraints, p.Constraints...)
		merged.Rules = append(merged.Rules, p.Rules...)
	}
	spec.Constraints = append(merged.Constraints, spec.Constraints...)
	spec.Rules = append(merged.Rules, spec.Rules...)
	return spec
}

// PresetStrictJSON enforces strict JSON-only output.
func PresetStrictJSON() PromptPreset {
	return PromptPreset{
		Constraints: []string{
			"Return strict JSON only.",
			"Match the schema exactly; no extra fields.",
			"No markdown, comments, or trailing commas.",
		},
	}
}

// PresetNoInvent keeps copy grounded in the supplied facts.
func PresetNoInvent() PromptPreset {
	return PromptPreset{
		Constraints: []string{
			"Do not invent names, numbers, quotes, customers, or results; use only the facts in [INPUT].",
			"If a needed fact is missing, leave it out rather than approximating it.",
		},
	}
}

// PresetPlainVoice bans the register generic marketing copy falls into.
func PresetPlainVoice() PromptPreset {
	return PromptPreset{
		Rules: []string{
			"Write like a specific person talking to one reader; no hype, no filler adjectives.",
			"Prefer concrete nouns and numbers over claims.",
			"Use at most one exclamation mark and no em-dashes.",
		},
	}
}

// PresetStrictCritic tells a reviewer to fail anything that is not clearly good.
func PresetStrictCritic() PromptPreset {
	return PromptPreset{
		Rules: []string{
			"Be maximally strict: a criterion passes only if a skeptical editor would ship it unchanged.",
			"When unsure, fail the criterion and say exactly what to change.",
			"Quote the offending text verbatim in every failure.",
		},
	}
}
