package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
)

const maxReportedBody = 300

// OpenAPIValidator checks ops API traffic against api/openapi/openapi.yaml.
// Paths outside /api/ (health, version) are not part of the contract and
// pass unchecked.
type OpenAPIValidator struct {
	router routers.Router
}

// NewOpenAPIValidator loads the contract or fails the test.
func NewOpenAPIValidator(t *testing.T, specPath string) *OpenAPIValidator {
	t.Helper()

	v, err := LoadOpenAPIValidator(specPath)
	if err != nil {
		t.Fatalf("load OpenAPI validator: %v", err)
	}
	return v
}

// LoadOpenAPIValidator loads and checks the contract itself. For TestMain.
func LoadOpenAPIValidator(specPath string) (*OpenAPIValidator, error) {
	doc, err := openapi3.NewLoader().LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", specPath, err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI document: %w", err)
	}

	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build OpenAPI router: %w", err)
	}
	return &OpenAPIValidator{router: router}, nil
}

// ValidateRequest reports a test error when req does not match the contract.
// The request body is restored afterwards.
func (v *OpenAPIValidator) ValidateRequest(t *testing.T, req *http.Request) {
	t.Helper()

	input, ok := v.input(t, req, req)
	if !ok {
		return
	}
	input.Options = &openapi3filter.Options{
		MultiError: true,
		// bearer tokens are checked by the auth middleware, not here
		AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
	}

	if err := openapi3filter.ValidateRequest(context.Background(), input); err != nil {
		t.Errorf("OpenAPI: request %s %s: %v", req.Method, req.URL.Path, err)
	}
}

// ValidateRecorder validates a response captured by httptest.
func (v *OpenAPIValidator) ValidateRecorder(t *testing.T, req *http.Request, rec *httptest.ResponseRecorder) {
	t.Helper()
	v.ValidateResponse(t, req, rec.Result())
}

// ValidateResponse reports a test error when resp does not match the
// contract for req. The response body stays readable.
func (v *OpenAPIValidator) ValidateResponse(t *testing.T, req *http.Request, resp *http.Response) {
	t.Helper()

	// route lookup only needs method and path; the server prefix is relative
	routeReq, err := http.NewRequest(req.Method, req.URL.Path, nil)
	if err != nil {
		t.Errorf("OpenAPI: build route request: %v", err)
		return
	}
	input, ok := v.input(t, req, routeReq)
	if !ok {
		return
	}

	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err != nil {
		t.Errorf("OpenAPI: read response body: %v", err)
		return
	}

	err = openapi3filter.ValidateResponse(context.Background(), &openapi3filter.ResponseValidationInput{
		RequestValidationInput: input,
		Status:                 resp.StatusCode,
		Header:                 resp.Header,
		Body:                   io.NopCloser(bytes.NewReader(body)),
		Options: &openapi3filter.Options{
			MultiError:            true,
			IncludeResponseStatus: true,
		},
	})
	if err != nil {
		t.Errorf("OpenAPI: response %s %s (%d): %v\nbody: %s",
			req.Method, req.URL.Path, resp.StatusCode, err, truncate(body))
	}
}

func (v *OpenAPIValidator) input(t *testing.T, req, routeReq *http.Request) (*openapi3filter.RequestValidationInput, bool) {
	t.Helper()

	if !strings.HasPrefix(req.URL.Path, "/api/") {
		return nil, false
	}

	route, params, err := v.router.FindRoute(routeReq)
	if err != nil {
		t.Errorf("OpenAPI: no route for %s %s: %v", req.Method, req.URL.Path, err)
		return nil, false
	}

	return &openapi3filter.RequestValidationInput{
		Request:    req,
		PathParams: params,
		Route:      route,
	}, true
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxReportedBody {
		return s[:maxReportedBody] + "..."
	}
	return s
}
