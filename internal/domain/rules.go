package domain

import (
	"math"
	"strings"
)

// ValidateCatFields checks the cat attributes that do not need the breed catalogue.
func ValidateCatFields(name string, experienceYears int, breed string, salary float64) error {
	if strings.TrimSpace(name) == "" {
		return Validationf("name is required")
	}
	if experienceYears < 0 {
		return Validationf("experience_years must be >= 0")
	}
	if strings.TrimSpace(breed) == "" {
		return Validationf("breed is required")
	}
	return validateSalary(salary)
}

func validateSalary(salary float64) error {
	if math.IsNaN(salary) || math.IsInf(salary, 0) {
		return Validationf("salary must be a finite number")
	}
	if salary < 0 {
		return Validationf("salary must be >= 0")
	}
	return nil
}

// SalaryUpdate returns the requested salary after rejecting changes to any other field.
func (p CatPatch) SalaryUpdate() (float64, error) {
	for _, f := range p.Fields {
		if f != "salary" {
			return 0, Validationf("only 'salary' field can be updated for a cat")
		}
	}
	if p.Name != nil || p.ExperienceYears != nil || p.Breed != nil || p.IsAvailable != nil {
		return 0, Validationf("only 'salary' field can be updated for a cat")
	}
	if p.Salary == nil {
		return 0, Validationf("salary is required")
	}
	if err := validateSalary(*p.Salary); err != nil {
		return 0, err
	}
	return *p.Salary, nil
}

// ValidateTargets enforces the mission cardinality and per-mission name uniqueness.
func ValidateTargets(specs []TargetSpec) error {
	if len(specs) < MinTargets || len(specs) > MaxTargets {
		return Validationf("a mission must have between %d and %d targets", MinTargets, MaxTargets)
	}
	seen := make(map[string]struct{}, len(specs))
	for i, s := range specs {
		if strings.TrimSpace(s.Name) == "" {
			return Validationf("targets[%d].name is required", i)
		}
		if strings.TrimSpace(s.Country) == "" {
			return Validationf("targets[%d].country is required", i)
		}
		if _, dup := seen[s.Name]; dup {
			return Validationf("duplicate target name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// CheckAssignable reports why cat cannot be put on mission, if it cannot.
func CheckAssignable(m Mission, c Cat) error {
	if !c.IsAvailable {
		return Conflictf("cat is already assigned to another mission")
	}
	if m.Assigned() {
		return Conflictf("mission is already assigned")
	}
	if m.IsCompleted {
		return Conflictf("mission is already completed")
	}
	return nil
}

// CheckNotesEditable rejects note changes once the target or its mission is done.
func CheckNotesEditable(t Target, m Mission) error {
	if t.IsCompleted {
		return Conflictf("notes cannot be updated, target is already completed")
	}
	if m.IsCompleted {
		return Conflictf("notes cannot be updated, mission is already completed")
	}
	return nil
}
