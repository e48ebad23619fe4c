package auth

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/aircast/aircast/internal/config"
	"github.com/aircast/aircast/internal/httpmsg"
)

type tokenParams struct {
	secret  string
	timeout int // seconds; 0 = tokens never expire
	prefix  string
}

// tokenAuth protects paths with signed URLs of the form
// <prefix>/<token>/<hex timestamp>/<path> where
// token = md5(secret + "/" + path + timestamp). On success the token and
// timestamp segments are stripped so routing sees the real mount path.
type tokenAuth struct {
	global tokenParams
	paths  map[string]tokenParams
}

func newToken(cfg *config.Config, entry config.HandlerConfig) (Handler, error) {
	global := tokenParams{
		secret:  entry.String("secret"),
		timeout: entry.Int("timeout"),
		prefix:  entry.String("prefix"),
	}
	a := &tokenAuth{global: global, paths: make(map[string]tokenParams)}
	for i := range cfg.Mounts {
		mount := &cfg.Mounts[i]
		params := global
		if mount.Secret != "" {
			params.secret = mount.Secret
		}
		if mount.TokenTimeout != 0 {
			params.timeout = mount.TokenTimeout
		}
		if mount.TokenPrefix != "" {
			params.prefix = mount.TokenPrefix
		}
		a.paths[mount.Path] = params
	}
	return a, nil
}

func (a *tokenAuth) paramsFor(path string) tokenParams {
	if params, ok := a.paths[path]; ok {
		return params
	}
	return a.global
}

func (a *tokenAuth) Authorize(remoteAddr string, req *httpmsg.Request) Result {
	params := a.paramsFor(req.Path)
	if params.secret == "" {
		return resultNotApplicable
	}
	path := req.Path
	if !strings.HasPrefix(path, params.prefix) {
		return denied(authFailure())
	}
	path = strings.Trim(strings.TrimPrefix(path, params.prefix), "/")
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 3 {
		// Not enough components to be a tokenized path.
		return denied(authFailure())
	}
	token, timestamp, rest := parts[0], parts[1], parts[2]

	sum := md5.Sum([]byte(params.secret + "/" + rest + timestamp))
	if token != hex.EncodeToString(sum[:]) {
		return denied(authFailure())
	}
	if params.timeout > 0 {
		issued, err := strconv.ParseInt(timestamp, 16, 64)
		if err != nil {
			return denied(authFailure())
		}
		if time.Now().Unix()-int64(params.timeout) > issued {
			return denied(authFailure())
		}
	}
	// Strip the token components so routing finds the mount.
	req.Path = params.prefix + "/" + rest
	return resultAuthorized
}
