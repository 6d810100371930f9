package strategy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jzx17/goresilience/pkg/types"
)

// maxBodyBytes bounds how much of an *http.Response body is inspected.
const maxBodyBytes = 1 << 20

// ContentChecker inspects a response body extracted from an error.
type ContentChecker func(body []byte, err error) bool

// ResponseContent forces a retry when the response carried by an error
// signals a transient condition, even if the inner strategy would stop.
//
// The body is found by walking the error chain for one of
//
//	interface{ ResponseBody() []byte }
//	interface{ Body() string }
//	interface{ Response() *http.Response }
//
// A retry is forced when a pattern matches the raw body, when a JSON value at
// one of the dotted paths (gjson syntax) equals one of the error codes, or
// when the content checker returns true. Forced retries still respect the
// attempt limit.
type ResponseContent struct {
	inner      Strategy
	patterns   []*regexp.Regexp
	errorCodes map[string]struct{}
	codePaths  []string
	opts       decoratorOptions
}

// NewResponseContent wraps inner in a response content inspector
func NewResponseContent(inner Strategy, patterns []*regexp.Regexp, errorCodes, errorCodePaths []string, opts ...DecoratorOption) (*ResponseContent, error) {
	if inner == nil {
		return nil, fmt.Errorf("%w: response content requires an inner strategy", types.ErrInvalidStrategy)
	}
	codes := make(map[string]struct{}, len(errorCodes))
	for _, c := range errorCodes {
		codes[c] = struct{}{}
	}
	return &ResponseContent{
		inner:      inner,
		patterns:   append([]*regexp.Regexp(nil), patterns...),
		errorCodes: codes,
		codePaths:  append([]string(nil), errorCodePaths...),
		opts:       newDecoratorOptions(opts),
	}, nil
}

// Inner returns the wrapped strategy
func (r *ResponseContent) Inner() Strategy {
	return r.inner
}

// Delay implements Strategy
func (r *ResponseContent) Delay(attempt int) time.Duration {
	return r.inner.Delay(attempt)
}

// ShouldRetry implements Strategy
func (r *ResponseContent) ShouldRetry(attempt, maxAttempts int, lastErr error) bool {
	if lastErr != nil && allowed(attempt, maxAttempts) {
		if body, ok := ExtractBody(lastErr); ok && r.matches(body, lastErr) {
			return true
		}
	}
	return r.inner.ShouldRetry(attempt, maxAttempts, lastErr)
}

// OnSuccess implements SuccessObserver
func (r *ResponseContent) OnSuccess(attempt int) {
	NotifySuccess(r.inner, attempt)
}

func (r *ResponseContent) matches(body []byte, err error) bool {
	for _, p := range r.patterns {
		if p.Match(body) {
			return true
		}
	}
	if len(r.errorCodes) > 0 && len(r.codePaths) > 0 && gjson.ValidBytes(body) {
		for _, path := range r.codePaths {
			value := gjson.GetBytes(body, path)
			if !value.Exists() {
				continue
			}
			if _, ok := r.errorCodes[value.String()]; ok {
				return true
			}
		}
	}
	return r.opts.checker != nil && r.opts.checker(body, err)
}

// ExtractBody returns the first response body found in err's chain. Each
// error is asked for every body shape it implements before moving on to its
// cause.
func ExtractBody(err error) ([]byte, bool) {
	for ; err != nil; err = errors.Unwrap(err) {
		if body, ok := bodyOf(err); ok {
			return body, true
		}
	}
	return nil, false
}

func bodyOf(err error) ([]byte, bool) {
	if e, ok := err.(interface{ ResponseBody() []byte }); ok {
		if body := e.ResponseBody(); body != nil {
			return body, true
		}
	}
	if e, ok := err.(interface{ Body() string }); ok {
		return []byte(e.Body()), true
	}
	if e, ok := err.(interface{ Response() *http.Response }); ok {
		return readResponse(e.Response())
	}
	return nil, false
}

// readResponse reads resp's body and puts an equivalent reader back, so the
// caller can still consume it.
func readResponse(resp *http.Response) ([]byte, bool) {
	if resp == nil || resp.Body == nil {
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	rest := resp.Body
	resp.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(body), rest), rest}
	if err != nil {
		return nil, false
	}
	return body, true
}
