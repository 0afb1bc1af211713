package ociauth

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oracle/oci-go-sdk/v65/common"

	"github.com/ocivoice/agent-plugins/internal/config"
	"github.com/ocivoice/agent-plugins/internal/voice"
)

// NewConfigurationProvider builds an OCI configuration provider from the
// config file and profile named in cfg. It fails fast with a config error
// when the file or profile is unusable, before any network call is made.
func NewConfigurationProvider(cfg *config.Config) (common.ConfigurationProvider, error) {
	path := expandHome(cfg.OCIConfigFile)

	if _, err := os.Stat(path); err != nil {
		return nil, voice.WrapError(voice.KindConfig, "ociauth.provider",
			"OCI config file not readable: "+path, err)
	}

	var provider common.ConfigurationProvider
	switch cfg.OCIAuthMode {
	case "session_token":
		provider = common.CustomProfileSessionTokenConfigProvider(path, cfg.OCIProfile)
	default:
		provider = common.CustomProfileConfigProvider(path, cfg.OCIProfile)
	}

	// KeyID resolution touches every field the signer needs; doing it here
	// turns a bad profile into a fail-fast config error.
	if _, err := provider.KeyID(); err != nil {
		return nil, voice.WrapError(voice.KindConfig, "ociauth.provider",
			"OCI profile "+cfg.OCIProfile+" is not usable", err)
	}

	return provider, nil
}

// NewRequestSigner returns a signer for hand-built HTTP requests (the chat
// SSE call and the realtime websocket handshake go outside the typed SDK
// clients).
func NewRequestSigner(provider common.ConfigurationProvider) common.HTTPRequestSigner {
	return common.DefaultRequestSigner(provider)
}

// SignedHeaders signs a synthetic GET request for the given https URL and
// returns the resulting authentication headers. The realtime speech service
// authenticates websocket sessions with these headers carried inside its
// CREDENTIALS message rather than on the upgrade request itself.
func SignedHeaders(signer common.HTTPRequestSigner, httpsURL string) (map[string]string, error) {
	req, err := http.NewRequest(http.MethodGet, httpsURL, nil)
	if err != nil {
		return nil, voice.WrapError(voice.KindConfig, "ociauth.sign", "invalid endpoint URL", err)
	}
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if err := signer.Sign(req); err != nil {
		return nil, voice.WrapError(voice.KindConfig, "ociauth.sign", "request signing failed", err)
	}

	headers := map[string]string{
		"Authorization": req.Header.Get("Authorization"),
		"Date":          req.Header.Get("Date"),
		"Host":          req.URL.Host,
	}
	return headers, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}
