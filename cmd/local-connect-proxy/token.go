package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"lds.li/oauth2ext/clitoken"
	"lds.li/oauth2ext/provider"
	"lds.li/oauth2ext/tokencache"
)

// newTokenSource returns the token source selected by the flags, or nil if
// neither -oidc-issuer nor -token is set.
func newTokenSource(ctx context.Context, opts *options) (oauth2.TokenSource, error) {
	switch {
	case opts.oidcIssuer != "":
		return createTokenSource(ctx, opts)
	case opts.token != "":
		return oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: opts.token,
			TokenType:   "Bearer",
		}), nil
	}
	return nil, nil
}

// createTokenSource creates an OAuth2 token source for OIDC authentication.
// Tokens are cached between runs and refreshed through the browser flow
// when the cache has nothing usable.
func createTokenSource(ctx context.Context, opts *options) (oauth2.TokenSource, error) {
	// Discover the OIDC provider
	p, err := provider.DiscoverOIDCProvider(ctx, opts.oidcIssuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	scopes := parseScopes(opts.oidcScopes)
	oauth2Config := oauth2.Config{
		ClientID:     opts.oidcClientID,
		ClientSecret: opts.oidcClientSecret,
		Endpoint:     p.Endpoint(),
		Scopes:       scopes,
	}

	// Create CLI token source with automatic browser flow
	cliConfig := &clitoken.Config{
		OAuth2Config: oauth2Config,
	}
	clitsrc, err := cliConfig.TokenSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create token source: %w", err)
	}

	ccfg := tokencache.Config{
		Issuer: opts.oidcIssuer,
		CacheKey: tokencache.IDTokenCacheKey{
			ClientID: opts.oidcClientID,
			Scopes:   scopes,
		}.Key(),
		WrappedSource: clitsrc,
		OAuth2Config:  &oauth2Config,
		Cache:         clitoken.BestCredentialCache(),
	}
	return ccfg.TokenSource(ctx)
}

// parseScopes splits a comma-separated scope list, dropping blanks.
func parseScopes(s string) []string {
	var scopes []string
	for _, scope := range strings.Split(s, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes = append(scopes, scope)
		}
	}
	return scopes
}

// tokenHeaders returns a ClientConfig.HeadersForRequest func that sends a
// bearer credential from ts in Proxy-Authorization. With useIDToken the
// OIDC ID token is sent instead of the access token.
func tokenHeaders(ts oauth2.TokenSource, useIDToken bool) func(*http.Request) (http.Header, error) {
	return func(req *http.Request) (http.Header, error) {
		token, err := ts.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to get token: %w", err)
		}
		credential := token.AccessToken
		if useIDToken {
			idToken, ok := token.Extra("id_token").(string)
			if !ok || idToken == "" {
				return nil, errors.New("no id_token in response")
			}
			credential = idToken
		}
		return http.Header{
			"Proxy-Authorization": []string{"Bearer " + credential},
		}, nil
	}
}
