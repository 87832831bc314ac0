package validation

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/staybook/realtime/internal/api/errors"
	"github.com/staybook/realtime/pkg/protocol"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 64 << 10

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// ParseAndValidate parses a JSON request body and validates it
func ParseAndValidate(r *http.Request, v Validator) error {
	if err := decode(r, v); err != nil {
		if stderrors.Is(err, io.EOF) {
			return errors.ValidationError("empty_request_body", "Request body is empty")
		}
		return err
	}
	return v.Validate()
}

// ParseOptional is ParseAndValidate for endpoints whose body may be omitted
func ParseOptional(r *http.Request, v Validator) error {
	if err := decode(r, v); err != nil && !stderrors.Is(err, io.EOF) {
		return err
	}
	return v.Validate()
}

func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return io.EOF
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if stderrors.Is(err, io.EOF) {
			return io.EOF
		}
		return errors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
	}
	return nil
}

// Required validates that a string is not empty
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.ValidationError(
			"required_field_missing",
			field+" is required",
		)
	}
	return nil
}

// MaxLength validates that a string is not longer than the specified max length
func MaxLength(field, value string, maxLen int) error {
	if len(value) > maxLen {
		return errors.ValidationError(
			"max_length_exceeded",
			field+" must be at most "+strconv.Itoa(maxLen)+" characters",
		)
	}
	return nil
}

// Min validates that a number is not less than the specified min value
func Min(field string, value, min int) error {
	if value < min {
		return errors.ValidationError(
			"min_value_not_met",
			field+" must be at least "+strconv.Itoa(min),
		)
	}
	return nil
}

// ChannelName validates a channel name and its prefix
func ChannelName(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if err := MaxLength(field, value, 200); err != nil {
		return err
	}
	if strings.ContainsAny(value, " \t\r\n,") {
		return errors.ValidationError("invalid_channel", field+" must not contain whitespace or commas")
	}
	for _, prefix := range []string{protocol.PrefixPrivate, protocol.PrefixPresence} {
		if value == prefix {
			return errors.ValidationError("invalid_channel", field+" has a prefix but no name")
		}
	}
	return nil
}
