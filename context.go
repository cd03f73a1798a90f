package ecash

import (
	"context"
)

type contextKey struct{}

var (
	clientContextKey = contextKey{}
)

// Client is the caller authenticated by the bearer token.
type Client struct {
	ID string `json:"id"`
}

func WithClient(ctx context.Context, client *Client) context.Context {
	return context.WithValue(ctx, clientContextKey, client)
}

func ClientFrom(ctx context.Context) (*Client, bool) {
	client, ok := ctx.Value(clientContextKey).(*Client)
	return client, ok
}

func clientID(ctx context.Context) string {
	if client, ok := ClientFrom(ctx); ok {
		return client.ID
	}

	return "anonymous"
}
