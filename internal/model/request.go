// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Attachment is a file carried with a chat request. Data is standard base64.
type Attachment struct {
	Type string `json:"type" validate:"required"`
	Name string `json:"name" validate:"required"`
	Data string `json:"data"`
}

// IsPDF reports whether the attachment declares a PDF payload.
func (a Attachment) IsPDF() bool {
	return a.Type == "application/pdf"
}

// IsImage reports whether the attachment declares an image payload.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.Type, "image/")
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Messages []Message    `json:"messages" validate:"required,min=1,dive"`
	Files    []Attachment `json:"files,omitempty" validate:"omitempty,dive"`
}

// ValidationError describes every field that failed the boundary check.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid chat request: " + strings.Join(e.Fields, "; ")
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the request shape: at least one message, only user and
// assistant roles, and a type and name on every attachment.
func (r *ChatRequest) Validate() error {
	err := requestValidator().Struct(r)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, describeFieldError(fe))
	}
	return out
}

func describeFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "ChatRequest.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
