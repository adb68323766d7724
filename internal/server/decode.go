package server

import (
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/fenggwsx/SlashLive/internal/protocol"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func payloadValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// decodePayload unmarshals and validates the data section of a request.
func decodePayload[T any](raw json.RawMessage) (T, error) {
	var payload T
	if err := protocol.DecodeData(raw, &payload); err != nil {
		return payload, invalidError("malformed payload", err)
	}
	if err := payloadValidator().Struct(payload); err != nil {
		return payload, invalidError(validationMessage(err), err)
	}
	return payload, nil
}

func validationMessage(err error) string {
	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return "invalid payload"
	}
	first := errs[0]
	return "invalid field " + first.Field() + ": failed " + first.Tag()
}
