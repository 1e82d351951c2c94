package recipe

import "fmt"

// ValidationError reports a structural problem with a recipe document,
// found before execution begins.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "recipe validation: " + e.Reason }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the structural invariants from the data model: name and
// version shape, flat-xor-staged, unique step ids, known depends_on targets,
// no self-dependency, reserved output names, and kind-specific required
// fields. It does not execute anything and does not consult the filesystem.
func (r *Recipe) Validate() error {
	if !nameRe.MatchString(r.Name) {
		return validationf("name %q must be alphanumeric plus '_-'", r.Name)
	}
	if !versionRe.MatchString(r.Version) {
		return validationf("version %q must be MAJOR.MINOR.PATCH", r.Version)
	}
	if len(r.Steps) > 0 && len(r.Stages) > 0 {
		return validationf("recipe %q declares both steps and stages; exactly one is required", r.Name)
	}
	if len(r.Steps) == 0 && len(r.Stages) == 0 {
		return validationf("recipe %q declares neither steps nor stages", r.Name)
	}

	if r.IsStaged() {
		seenStage := map[string]bool{}
		for _, st := range r.Stages {
			if st.Name == "" {
				return validationf("recipe %q has a stage with an empty name", r.Name)
			}
			if seenStage[st.Name] {
				return validationf("recipe %q has duplicate stage name %q", r.Name, st.Name)
			}
			seenStage[st.Name] = true
			if len(st.Steps) == 0 {
				return validationf("stage %q must have at least one step", st.Name)
			}
		}
	}

	allSteps := r.AllSteps()
	ids := map[string]bool{}
	for _, s := range allSteps {
		if s.ID == "" {
			return validationf("recipe %q has a step with an empty id", r.Name)
		}
		if ids[s.ID] {
			return validationf("duplicate step id %q", s.ID)
		}
		ids[s.ID] = true
	}
	for _, s := range allSteps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return validationf("step %q cannot depend on itself", s.ID)
			}
			if !ids[dep] {
				return validationf("step %q depends_on unknown step %q", s.ID, dep)
			}
		}
		if s.Output != "" && reservedOutputNames[s.Output] {
			return validationf("step %q cannot use reserved output name %q", s.ID, s.Output)
		}
		if err := s.validateKind(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Step) validateKind() error {
	switch s.Kind {
	case StepAgent:
		if s.Agent == "" {
			return validationf("agent step %q requires an agent name", s.ID)
		}
		if s.Prompt == "" {
			return validationf("agent step %q requires a prompt", s.ID)
		}
	case StepBash:
		if s.Command == "" {
			return validationf("bash step %q requires a command", s.ID)
		}
	case StepRecipe:
		if s.RecipePath == "" {
			return validationf("recipe step %q requires a recipe path", s.ID)
		}
	default:
		return validationf("step %q has unknown kind %q", s.ID, s.Kind)
	}
	return nil
}
