package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	oapimiddleware "github.com/oapi-codegen/nethttp-middleware"

	"github.com/zenGate-Global/palmyra-agency/platform/go/problems"
)

// LoadSpec parses and validates an OpenAPI document.
func LoadSpec(ctx context.Context, data []byte) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx

	spec, err := loader.LoadFromData(data)
	if err != nil {
		return nil, fmt.Errorf("load openapi: %w", err)
	}
	if err := spec.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate openapi: %w", err)
	}
	// Host matching is left to the router; the document declares no servers.
	spec.Servers = nil
	return spec, nil
}

// OpenAPIValidator rejects requests that do not match spec with a problem details body.
func OpenAPIValidator(spec *openapi3.T) func(http.Handler) http.Handler {
	return oapimiddleware.OapiRequestValidatorWithOptions(spec, &oapimiddleware.Options{
		Options: openapi3filter.Options{
			AuthenticationFunc: ValidateBearerAuthentication,
		},
		ErrorHandler: func(w http.ResponseWriter, message string, statusCode int) {
			switch statusCode {
			case http.StatusUnauthorized:
				problems.Write(w, problems.New(statusCode, problems.TypeUnauthorized, "Unauthorized", "bearer token required"))
			case http.StatusNotFound:
				problems.Write(w, problems.New(statusCode, problems.TypeNotFound, "Not found", "route not found"))
			default:
				problems.Write(w, problems.Validation(message, nil))
			}
		},
	})
}

// ValidateBearerAuthentication enforces a Bearer Authorization header on operations declaring bearerAuth.
// Signature checks and role gates run in the JWT and RequirePlatform middleware.
func ValidateBearerAuthentication(_ context.Context, input *openapi3filter.AuthenticationInput) error {
	if input == nil || input.SecuritySchemeName != "bearerAuth" {
		return nil
	}
	r := input.RequestValidationInput.Request
	if r == nil {
		return errors.New("no request in validation input")
	}
	authz := r.Header.Get("Authorization")
	if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return errors.New("missing or invalid Authorization header")
	}
	return nil
}
