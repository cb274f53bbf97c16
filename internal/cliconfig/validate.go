package cliconfig

import (
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
)

const minKilocodeTokenLen = 10

type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return errors.New(strings.Join(r.Errors, "; "))
}

var configValidate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("provider_type", func(fl validator.FieldLevel) bool {
		return slices.Contains(KnownProviderTypes, fl.Field().String())
	})
	return v
}

// Validate never fails hard; problems are reported so the UI can boot degraded.
func Validate(cfg Config) ValidationResult {
	var problems []string
	if err := configValidate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				problems = append(problems, describeFieldError(fe))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}
	problems = append(problems, validateSelectedProvider(cfg)...)
	return ValidationResult{Valid: len(problems) == 0, Errors: problems}
}

func describeFieldError(fe validator.FieldError) string {
	path := fe.Namespace()
	if _, rest, ok := strings.Cut(path, "."); ok {
		path = rest
	}
	switch fe.Tag() {
	case "required":
		if fe.Field() == "provider" && strings.HasPrefix(path, "providers[") {
			return path + ": Provider type is required"
		}
		return path + " is required"
	case "provider_type":
		return fmt.Sprintf("%s: unknown provider type %q", path, fe.Value())
	case "min":
		return fmt.Sprintf("%s must contain at least %s entries", path, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", path, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", path, fe.Tag())
	}
}

func validateSelectedProvider(cfg Config) []string {
	if strings.TrimSpace(cfg.Provider) == "" {
		return nil
	}
	p, ok := cfg.ActiveProvider()
	if !ok {
		return []string{fmt.Sprintf("provider: selected provider %q not found", cfg.Provider)}
	}
	var problems []string
	for _, field := range providerRequiredFields[p.Type] {
		v, present := p.Fields[field]
		s, isString := v.(string)
		switch {
		case !present || v == nil:
			problems = append(problems, fmt.Sprintf("%s: %s is required", p.ID, field))
		case !isString:
			problems = append(problems, fmt.Sprintf("%s: %s must be a string", p.ID, field))
		case strings.TrimSpace(s) == "":
			problems = append(problems, fmt.Sprintf("%s: %s is required", p.ID, field))
		case field == "kilocodeToken" && len(s) < minKilocodeTokenLen:
			problems = append(problems, fmt.Sprintf("%s: kilocodeToken must be at least %d characters", p.ID, minKilocodeTokenLen))
		}
	}
	return problems
}
