package anaf

import (
	"context"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/vipul43/efactura-worker/internal/service"
)

// OAuth exchanges authorization codes and refresh tokens with the
// authority's identity provider. Client credentials travel as basic auth.
type OAuth struct {
	config     *oauth2.Config
	httpClient *http.Client
	logger     *zap.Logger
}

func NewOAuth(clientID, clientSecret, redirectURI, authURL, tokenURL string, logger *zap.Logger) *OAuth {
	return &OAuth{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
		httpClient: http.DefaultClient,
		logger:     logger,
	}
}

// AuthorizationURL is where an operator signs in with their certificate to
// obtain a code. The provider takes neither scope nor state.
func (o *OAuth) AuthorizationURL() string {
	return o.config.AuthCodeURL("", oauth2.SetAuthURLParam("token_content_type", "jwt"))
}

func (o *OAuth) ExchangeCode(ctx context.Context, code string) (*service.Grant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	token, err := o.config.Exchange(ctx, code, oauth2.SetAuthURLParam("token_content_type", "jwt"))
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}
	return o.grant(token), nil
}

func (o *OAuth) RefreshGrant(ctx context.Context, refreshToken string) (*service.Grant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	// An empty access token forces the source to refresh.
	source := o.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return o.grant(token), nil
}

func (o *OAuth) grant(token *oauth2.Token) *service.Grant {
	g := &service.Grant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
	}
	if scope, ok := token.Extra("scope").(string); ok {
		g.Scope = scope
	}
	g.Subject = subject(token.AccessToken, o.logger)
	return g
}

// subject reads the sub claim for audit. The signature is not checked; the
// token is only ever presented back to its issuer.
func subject(accessToken string, logger *zap.Logger) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		logger.Debug("access token is not a readable jwt", zap.Error(err))
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}
