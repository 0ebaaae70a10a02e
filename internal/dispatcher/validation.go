package dispatcher

import (
	"errors"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrEmptyMessage = errors.New("message content is empty")
)

var groupNamePattern = regexp.MustCompile(`^[A-Za-z0-9 ]+$`)

// ValidationError is a local pre-flight rejection. Nothing was sent.
type ValidationError struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(title, message, detail string) error {
	return &ValidationError{Title: title, Message: message, Detail: detail}
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("groupname", func(fl validator.FieldLevel) bool {
		return groupNamePattern.MatchString(fl.Field().String())
	})
	return v
}

func fieldErrors(err error) map[string]validator.FieldError {
	out := map[string]validator.FieldError{}
	var errs validator.ValidationErrors
	if errors.As(err, &errs) {
		for _, fe := range errs {
			if _, ok := out[fe.Field()]; !ok {
				out[fe.Field()] = fe
			}
		}
	}
	return out
}

// groupFormError reports member selection problems before name problems.
func groupFormError(err error) error {
	fields := fieldErrors(err)

	if _, ok := fields["Participants"]; ok {
		return invalid("Invalid Input", "Select at least one member.", "")
	}
	if fe, ok := fields["Name"]; ok {
		switch fe.Tag() {
		case "required":
			return invalid("Invalid Input", "Group name cannot be empty.", "")
		case "min":
			return invalid("Invalid Input", "Group name must be at least 3 characters.", "")
		case "max":
			return invalid("Invalid Input", "Group name cannot exceed 10 characters.", "")
		case "groupname":
			return invalid("Invalid Input", "Group name can only contain letters, numbers, and spaces.", "")
		}
	}
	return invalid("Invalid Input", "Please enter a group name and select at least one member", err.Error())
}

func pollFormError(err error) error {
	fields := fieldErrors(err)

	if fe, ok := fields["Question"]; ok {
		if fe.Tag() == "max" {
			return invalid("Invalid Poll", "Poll question is too long.", "")
		}
		return invalid("Invalid Poll", "Poll question cannot be empty.", "")
	}
	if fe, ok := fields["Options"]; ok {
		if fe.Tag() == "max" {
			return invalid("Invalid Poll", "A poll can have at most 10 options.", "")
		}
		return invalid("Invalid Poll", "A poll needs at least 2 options.", "")
	}
	return invalid("Invalid Poll", "Poll could not be created.", err.Error())
}
