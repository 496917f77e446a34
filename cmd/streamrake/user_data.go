package main

import (
	"encoding/base64"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/streamrake/streamrake/pkg/provider"
)

// userData is what users configure into their install URL, base64url-encoded
// JSON between the host and the route.
type userData struct {
	RDtoken     string   `json:"rdToken,omitempty"`
	ADkey       string   `json:"adKey,omitempty"`
	PMkey       string   `json:"pmKey,omitempty"`
	NewshostKey string   `json:"nhKey,omitempty"`
	Languages   []string `json:"languages,omitempty"`
	Resolutions []string `json:"resolutions,omitempty"`
	MinSizeGB   float64  `json:"minSizeGB,omitempty"`
	MaxSizeGB   float64  `json:"maxSizeGB,omitempty"`
	Remote      bool     `json:"remote,omitempty"`
}

func decodeUserData(data string, logger *zap.Logger) (userData, error) {
	logger.Debug("Decoding user data")

	// If there's padding, we remove it, so that the decoding works with both
	data = strings.TrimSuffix(data, "=")
	userDataDecoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(data)
	if err != nil {
		// We use WARN instead of ERROR because it's most likely an *encoding*
		// error on the client side
		logger.Warn("Couldn't decode user data", zap.Error(err))
		return userData{}, err
	}

	ud := userData{}
	if err := json.Unmarshal(userDataDecoded, &ud); err != nil {
		logger.Warn("Couldn't unmarshal user data", zap.Error(err))
		return userData{}, err
	}
	return ud, nil
}

// hasProvider reports whether any stream source is usable with this config.
func (ud userData) hasProvider() bool {
	return ud.RDtoken != "" || ud.ADkey != "" || ud.PMkey != "" || ud.NewshostKey != ""
}

// credential returns the user's credential for a provider name.
func (ud userData) credential(prov string) string {
	switch prov {
	case "realdebrid":
		return ud.RDtoken
	case "alldebrid":
		return ud.ADkey
	case "premiumize":
		return ud.PMkey
	case "newshost":
		return ud.NewshostKey
	}
	return ""
}

const bytesPerGB = 1 << 30

func (ud userData) toUserConfig() provider.UserConfig {
	creds := map[string]string{}
	for _, prov := range []string{"realdebrid", "alldebrid", "premiumize", "newshost"} {
		if cred := ud.credential(prov); cred != "" {
			creds[prov] = cred
		}
	}
	return provider.UserConfig{
		Credentials:   creds,
		Languages:     ud.Languages,
		Resolutions:   ud.Resolutions,
		MinSizeBytes:  int64(ud.MinSizeGB * bytesPerGB),
		MaxSizeBytes:  int64(ud.MaxSizeGB * bytesPerGB),
		RemoteTraffic: ud.Remote,
	}
}
