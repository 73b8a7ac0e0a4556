package types

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

type Validater interface {
	Validate() map[string]string
}

var collectionNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,62}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("form"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("collection", func(fl validator.FieldLevel) bool {
		return ValidCollectionName(fl.Field().String())
	})
	return v
}

// ValidCollectionName reports whether name can be used as a collection
// partition. Names double as directory names, so path separators and
// leading dots are rejected.
func ValidCollectionName(name string) bool {
	return collectionNameRe.MatchString(name)
}

type EmbedParams struct {
	CollectionName string `form:"collection_name" validate:"omitempty,collection"`
	ProjectName    string `form:"project_name" validate:"required"`
}

type RetrieveParams struct {
	Query          string `json:"query" form:"query" query:"query" validate:"required"`
	CollectionName string `json:"collection_name" form:"collection_name" query:"collection_name" validate:"required,collection"`
	K              int    `json:"k" form:"k" query:"k" validate:"gte=0,lte=100"`
}

func Validate(v Validater) map[string]string {
	return v.Validate()
}

func (params *EmbedParams) Validate() map[string]string {
	return validateStruct(params)
}

func (params *RetrieveParams) Validate() map[string]string {
	return validateStruct(params)
}

func validateStruct(s any) map[string]string {
	if err := validate.Struct(s); err != nil {
		errs, ok := err.(validator.ValidationErrors)
		if !ok {
			return map[string]string{"request": err.Error()}
		}
		errors := make(map[string]string)
		for _, e := range errs {
			errors[e.Field()] = fmt.Sprintf("failed on '%s' tag", e.Tag())
		}
		return errors
	}
	return nil
}

type FailedFile struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

type EmbedResponse struct {
	Message         string       `json:"message"`
	SavedFiles      []string     `json:"saved_files"`
	Collection      string       `json:"collection"`
	DocumentsLoaded int          `json:"documents_loaded"`
	ChunksCreated   int          `json:"chunks_created"`
	Failed          []FailedFile `json:"failed"`
	Error           string       `json:"error,omitempty"`
}

type RetrieveResponse struct {
	Results string      `json:"results"`
	Docs    []SourceDoc `json:"docs"`
}

type SourceDoc struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
	Score    float64           `json:"score"`
}
