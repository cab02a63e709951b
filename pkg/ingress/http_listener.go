package ingress

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/portreeve/pkg/log"
)

// ChallengeResolver answers an ACME HTTP-01 challenge lookup by token. It is
// satisfied by pkg/tlsmgr's in-memory challenge map.
type ChallengeResolver interface {
	KeyAuth(token string) (string, bool)
}

// HTTPListener serves port 80: ACME HTTP-01 challenges from challenges (with
// a webroot file fallback for challenges placed directly on disk), and a
// 301 redirect to HTTPS for everything else.
type HTTPListener struct {
	challenges ChallengeResolver
	webroot    string
	logger     zerolog.Logger
}

// NewHTTPListener builds an HTTPListener. webroot may be empty, in which
// case only the in-memory challenge map is consulted.
func NewHTTPListener(challenges ChallengeResolver, webroot string) *HTTPListener {
	return &HTTPListener{
		challenges: challenges,
		webroot:    webroot,
		logger:     log.WithComponent("ingress.http"),
	}
}

const acmeChallengePrefix = "/.well-known/acme-challenge/"

func (h *HTTPListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, acmeChallengePrefix) {
		token := strings.TrimPrefix(r.URL.Path, acmeChallengePrefix)
		if h.serveChallenge(w, token) {
			return
		}
		http.NotFound(w, r)
		return
	}

	target := "https://" + normalizeHost(r.Host) + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

func (h *HTTPListener) serveChallenge(w http.ResponseWriter, token string) bool {
	if h.challenges != nil {
		if keyAuth, ok := h.challenges.KeyAuth(token); ok {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = w.Write([]byte(keyAuth))
			return true
		}
	}

	if h.webroot == "" {
		return false
	}
	path := filepath.Join(h.webroot, ".well-known", "acme-challenge", token)
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write(data)
	return true
}
