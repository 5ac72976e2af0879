package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	conductorerrors "github.com/cswenor/conductor-sub003/internal/errors"
)

// ExchangeOAuthCode trades a login callback code for a user access token.
// The token endpoint lives on the web host, not the API host, so this is a
// plain form POST rather than a go-github call.
func (c *Client) ExchangeOAuthCode(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"code":          {code},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.oauthBase+"/login/oauth/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", conductorerrors.ErrForgeTransient("oauth token exchange", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", conductorerrors.ErrForgeTransient("oauth token exchange", err)
	}
	if resp.StatusCode >= 500 {
		return "", conductorerrors.ErrForgeTransient("oauth token exchange",
			fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", conductorerrors.ErrForgePermanent("oauth token exchange", resp.StatusCode,
			fmt.Errorf("status %d", resp.StatusCode))
	}

	var result struct {
		AccessToken      string `json:"access_token"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse token response: %w", err)
	}
	// GitHub reports bad codes inside a 200 body.
	if result.Error != "" {
		return "", conductorerrors.ErrForgePermanent("oauth token exchange", resp.StatusCode,
			fmt.Errorf("%s: %s", result.Error, result.ErrorDescription))
	}
	if result.AccessToken == "" {
		return "", conductorerrors.ErrForgePermanent("oauth token exchange", resp.StatusCode,
			fmt.Errorf("no access token in response"))
	}
	return result.AccessToken, nil
}

// AuthenticatedUser fetches the identity behind a user access token.
func (c *Client) AuthenticatedUser(ctx context.Context, accessToken string) (*User, error) {
	u, _, err := c.api(c.httpClient).WithAuthToken(accessToken).Users.Get(ctx, "")
	if err != nil {
		return nil, classify("fetch authenticated user", err)
	}
	return &User{
		GithubID:  u.GetID(),
		Login:     u.GetLogin(),
		Name:      u.GetName(),
		Email:     u.GetEmail(),
		AvatarURL: u.GetAvatarURL(),
	}, nil
}
