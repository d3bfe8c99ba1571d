package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
)

// ErrNotAuthorized means no usable token exists; run the auth command.
var ErrNotAuthorized = errors.New("google calendar: not authorized")

// oobRedirect lets the user paste the code back into the terminal.
const oobRedirect = "urn:ietf:wg:oauth:2.0:oob"

// OAuthConfig reads an installed-app client secret from credentialsFile.
func OAuthConfig(credentialsFile string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s not found: download OAuth client credentials from the Google Cloud Console", credentialsFile)
		}
		return nil, fmt.Errorf("read client secret file: %w", err)
	}
	cfg, err := google.ConfigFromJSON(b, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("parse client secret file: %w", err)
	}
	cfg.RedirectURL = oobRedirect
	return cfg, nil
}

// AuthCodeURL returns the consent page URL for cfg.
func AuthCodeURL(cfg *oauth2.Config) string {
	return cfg.AuthCodeURL("schedopt", oauth2.AccessTypeOffline)
}

// Exchange trades a pasted authorization code for a token.
func Exchange(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return tok, nil
}

// SaveToken writes tok to path with 0600 permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(tok)
}

// LoadToken reads a token saved by SaveToken.
func LoadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s missing", ErrNotAuthorized, path)
		}
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decode token %s: %w", path, err)
	}
	return tok, nil
}

// persistingSource saves refreshed tokens back to disk.
type persistingSource struct {
	src  oauth2.TokenSource
	path string
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		_ = SaveToken(p.path, tok)
	}
	return tok, nil
}

// authorizedClient builds an HTTP client from a service account key or,
// failing that, from an installed-app client secret plus a saved token.
func authorizedClient(ctx context.Context, credentialsFile, tokenFile string) (*http.Client, error) {
	b, err := os.ReadFile(credentialsFile)
	if err == nil {
		var probe struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(b, &probe) == nil && probe.Type == "service_account" {
			jwt, err := google.JWTConfigFromJSON(b, calendar.CalendarScope)
			if err != nil {
				return nil, fmt.Errorf("parse service account key: %w", err)
			}
			return jwt.Client(ctx), nil
		}
	}

	cfg, err := OAuthConfig(credentialsFile)
	if err != nil {
		return nil, err
	}
	tok, err := LoadToken(tokenFile)
	if err != nil {
		return nil, err
	}
	src := &persistingSource{src: cfg.TokenSource(ctx, tok), path: tokenFile, last: tok.AccessToken}
	return oauth2.NewClient(ctx, src), nil
}
