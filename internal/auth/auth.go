// Package auth implements the request authorization chain: named handler
// factories built from configuration, each returning authorized, denied
// (with the response to send), or not-applicable.
package auth

import (
	"fmt"

	"github.com/aircast/aircast/internal/config"
	"github.com/aircast/aircast/internal/httpmsg"
)

// Decision is one handler's verdict on a request.
type Decision int

const (
	// NotApplicable passes the request to the next handler in the chain.
	NotApplicable Decision = iota
	// Authorized serves the request; no further handlers run.
	Authorized
	// Denied rejects the request with the decision's response.
	Denied
)

// Result couples a Decision with the response to send on Denied.
type Result struct {
	Decision Decision
	Response *httpmsg.ResponseWriter
}

var (
	resultNotApplicable = Result{Decision: NotApplicable}
	resultAuthorized    = Result{Decision: Authorized}
)

func denied(response *httpmsg.ResponseWriter) Result {
	return Result{Decision: Denied, Response: response}
}

// Handler authorizes one request. Authorize may rewrite the request path
// (token URLs carry routing noise that must be stripped).
type Handler interface {
	Authorize(remoteAddr string, req *httpmsg.Request) Result
}

// Factory builds a Handler from the server configuration and the handler's
// own config entry.
type Factory func(cfg *config.Config, entry config.HandlerConfig) (Handler, error)

var factories = map[string]Factory{
	"basic": newBasic,
	"token": newToken,
}

// RegisterFactory installs a custom handler factory. Factories are a fixed
// registry consulted at (re)configuration time; there is no runtime code
// loading.
func RegisterFactory(name string, f Factory) {
	factories[name] = f
}

// Build constructs the authorization chain from configuration.
func Build(cfg *config.Config) ([]Handler, error) {
	handlers := make([]Handler, 0, len(cfg.Auth))
	for _, entry := range cfg.Auth {
		factory, ok := factories[entry.Handler]
		if !ok {
			return nil, fmt.Errorf("auth: unknown handler %q", entry.Handler)
		}
		h, err := factory(cfg, entry)
		if err != nil {
			return nil, fmt.Errorf("auth: %s: %w", entry.Handler, err)
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}

// Authorize runs the chain. With no handlers configured everything is
// allowed.
func Authorize(chain []Handler, remoteAddr string, req *httpmsg.Request) Result {
	for _, h := range chain {
		result := h.Authorize(remoteAddr, req)
		if result.Decision != NotApplicable {
			return result
		}
	}
	return resultAuthorized
}
