package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/losocloud/losocloud/internal/db"
)

// DiscordConfig holds Discord OAuth integration settings.
type DiscordConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	CookieDomain string
	FrontendURL  string // redirect target after login; empty = same origin
}

// discordEndpoint is Discord's OAuth2 authorization code endpoint pair.
var discordEndpoint = oauth2.Endpoint{
	AuthURL:  "https://discord.com/oauth2/authorize",
	TokenURL: "https://discord.com/api/oauth2/token",
}

const discordMeURL = "https://discord.com/api/users/@me"

// DiscordAuthenticator runs the Discord OAuth code flow and provisions
// local users on first login.
type DiscordAuthenticator struct {
	config DiscordConfig
	store  *db.Store
	oauth  *oauth2.Config
}

// NewDiscordAuthenticator creates the Discord OAuth integration.
func NewDiscordAuthenticator(config DiscordConfig, store *db.Store) *DiscordAuthenticator {
	return &DiscordAuthenticator{
		config: config,
		store:  store,
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURI,
			Scopes:       []string{"identify", "email"},
			Endpoint:     discordEndpoint,
		},
	}
}

// Enabled reports whether Discord OAuth is configured.
func (d *DiscordAuthenticator) Enabled() bool {
	return d.config.ClientID != "" && d.config.ClientSecret != ""
}

// Config returns the Discord configuration.
func (d *DiscordAuthenticator) Config() DiscordConfig {
	return d.config
}

// AuthCodeURL returns the Discord authorization URL for the given CSRF state.
func (d *DiscordAuthenticator) AuthCodeURL(state string) string {
	return d.oauth.AuthCodeURL(state)
}

// discordUser is the subset of Discord's /users/@me response we use.
type discordUser struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Email      string `json:"email"`
}

// Exchange trades an authorization code for the Discord user identity.
func (d *DiscordAuthenticator) Exchange(ctx context.Context, code string) (*discordUser, error) {
	token, err := d.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discordMeURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.oauth.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user lookup returned status %d", resp.StatusCode)
	}

	var user discordUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to decode user response: %w", err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("user response missing id")
	}
	return &user, nil
}

// ProvisionUser fetches or creates the local account for a Discord identity.
func (d *DiscordAuthenticator) ProvisionUser(ctx context.Context, du *discordUser) (*db.User, error) {
	if d.store == nil {
		return nil, fmt.Errorf("database not configured")
	}

	user, err := d.store.GetUserByDiscordID(ctx, du.ID)
	if err == nil {
		return user, nil
	}

	username := du.Username
	if username == "" {
		username = du.GlobalName
	}
	user, err = d.store.CreateUser(ctx, du.ID, username)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	log.Printf("auth: provisioned new user %s (discord %s)", user.ID, du.ID)
	return user, nil
}
