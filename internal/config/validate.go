package config

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// Validate checks cfg against its `validate` struct tags, surfacing a
// CONFIG_* condition (spec.md §7: "surfaced by the wrapper, not the
// engine") before any image is ever constructed.
func Validate(cfg *Config) error {
	return validate.Struct(cfg)
}
