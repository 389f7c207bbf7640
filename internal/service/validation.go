package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/coverlab/api/internal/model"
)

// ValidationError is returned for malformed submissions. No job is created.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Fields))
	for f, tag := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s:%s", f, tag))
	}
	return fmt.Sprintf("%s (%s)", e.Message, strings.Join(parts, ", "))
}

// NewValidator returns a validator that knows the cover request rules and
// reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("youtube_url", func(fl validator.FieldLevel) bool {
		return model.IsYouTubeURL(fl.Field().String())
	})
	_ = v.RegisterValidation("character", func(fl validator.FieldLevel) bool {
		c, ok := model.LookupCharacter(fl.Field().String())
		return ok && c.Available
	})
	v.RegisterStructValidation(exactlyOneSource, model.CreateCoverRequest{})
	return v
}

func exactlyOneSource(sl validator.StructLevel) {
	req := sl.Current().Interface().(model.CreateCoverRequest)
	hasLink := strings.TrimSpace(req.SourceURL) != ""
	hasUpload := strings.TrimSpace(req.AudioURL) != ""
	if hasLink == hasUpload {
		sl.ReportError(req.SourceURL, "sourceUrl", "SourceURL", "exactly_one_source", "")
	}
}

// formatValidationErrors maps each failing field to the rule it broke
func formatValidationErrors(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	fields := make(map[string]string, len(validationErrors))
	for _, e := range validationErrors {
		fields[e.Field()] = e.Tag()
	}
	return fields
}
