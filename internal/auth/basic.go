package auth

import (
	"encoding/base64"
	"strings"

	"github.com/aircast/aircast/internal/config"
	"github.com/aircast/aircast/internal/httpmsg"
)

func authRequest() *httpmsg.ResponseWriter {
	return httpmsg.NewResponse(401, "Unauthorized").
		Header("WWW-Authenticate", `Basic realm="aircast"`)
}

func authFailure() *httpmsg.ResponseWriter {
	return httpmsg.NewResponse(403, "Forbidden")
}

type credentials struct {
	user     string
	password string
}

func (c credentials) protected() bool { return c.user != "" || c.password != "" }

// basicPathAuth checks HTTP Basic credentials (RFC 2617) against per-path
// credentials with global defaults.
type basicPathAuth struct {
	global credentials
	paths  map[string]credentials
}

func newBasicPathAuth(cfg *config.Config, pick func(global *config.Config, mount *config.Mount) credentials) *basicPathAuth {
	a := &basicPathAuth{
		global: pick(cfg, nil),
		paths:  make(map[string]credentials),
	}
	for i := range cfg.Mounts {
		mount := &cfg.Mounts[i]
		a.paths[mount.Path] = pick(cfg, mount)
	}
	return a
}

func (a *basicPathAuth) credentialsFor(path string) credentials {
	if creds, ok := a.paths[path]; ok {
		return creds
	}
	return a.global
}

func (a *basicPathAuth) Authorize(remoteAddr string, req *httpmsg.Request) Result {
	creds := a.credentialsFor(req.Path)
	if !creds.protected() {
		return resultNotApplicable
	}
	header := req.Headers.Get("Authorization")
	if header == "" {
		return denied(authRequest())
	}
	encoded, ok := strings.CutPrefix(header, "Basic ")
	if !ok {
		// Only the Basic scheme is understood.
		return denied(authFailure())
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return denied(authFailure())
	}
	user, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return denied(authFailure())
	}
	if creds.user != "" && creds.user != user {
		return denied(authFailure())
	}
	if creds.password != "" && creds.password != password {
		return denied(authFailure())
	}
	return resultAuthorized
}

// basicAuth dispatches to source credentials for ingest verbs and client
// credentials for GET.
type basicAuth struct {
	source *basicPathAuth
	client *basicPathAuth
}

func newBasic(cfg *config.Config, _ config.HandlerConfig) (Handler, error) {
	return &basicAuth{
		source: newBasicPathAuth(cfg, func(global *config.Config, mount *config.Mount) credentials {
			creds := credentials{user: global.SourceUser, password: global.SourcePassword}
			if mount != nil {
				if mount.SourceUser != "" {
					creds.user = mount.SourceUser
				}
				if mount.SourcePassword != "" {
					creds.password = mount.SourcePassword
				}
			}
			return creds
		}),
		client: newBasicPathAuth(cfg, func(global *config.Config, mount *config.Mount) credentials {
			creds := credentials{user: global.User, password: global.Password}
			if mount != nil {
				if mount.User != "" {
					creds.user = mount.User
				}
				if mount.Password != "" {
					creds.password = mount.Password
				}
			}
			return creds
		}),
	}, nil
}

func (a *basicAuth) Authorize(remoteAddr string, req *httpmsg.Request) Result {
	switch req.Method {
	case "PUT", "SOURCE", "POST":
		return a.source.Authorize(remoteAddr, req)
	case "GET":
		return a.client.Authorize(remoteAddr, req)
	}
	return resultNotApplicable
}
