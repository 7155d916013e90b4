package relay

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Contact is the payload accepted by the contact form endpoint.
type Contact struct {
	Name      string `json:"name" validate:"required,max=100"`
	Email     string `json:"email" validate:"required,email,max=254"`
	Subject   string `json:"subject,omitempty" validate:"max=200"`
	Message   string `json:"message" validate:"required,min=10,max=5000"`
	RequestID string `json:"requestId,omitempty"`
}

// ContactFromForm reads a Contact from submitted form values.
func ContactFromForm(data url.Values) Contact {
	return Contact{
		Name:      strings.TrimSpace(data.Get("name")),
		Email:     strings.TrimSpace(data.Get("email")),
		Subject:   strings.TrimSpace(data.Get("subject")),
		Message:   strings.TrimSpace(data.Get("message")),
		RequestID: data.Get("request_id"),
	}
}

// ValidationError lists the fields that failed validation.
type ValidationError struct {
	Fields  []string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationError(err error) error {
	fieldErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	var (
		fields   []string
		messages []string
	)
	for _, fe := range fieldErrors {
		fields = append(fields, fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", fe.Field()))
		case "email":
			messages = append(messages, fmt.Sprintf("%s must be a valid email address", fe.Field()))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s characters long", fe.Field(), fe.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s characters long", fe.Field(), fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return &ValidationError{Fields: fields, Message: strings.Join(messages, "; ")}
}
