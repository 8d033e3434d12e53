package llm

import (
	"context"
	"fmt"
)

// MultiClient routes completions to the appropriate provider based on
// model name.
type MultiClient struct {
	clients  map[string]Invoker // provider name → client
	models   map[string]string  // model name → provider name
	fallback Invoker            // default client for unknown models
}

// NewMultiClient creates a client that routes to multiple providers.
func NewMultiClient(fallback Invoker) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Invoker),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Invoker) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

func (m *MultiClient) clientFor(model string) Invoker {
	if provider, ok := m.models[model]; ok {
		if client, ok := m.clients[provider]; ok {
			return client
		}
	}
	return m.fallback
}

// Complete sends the prompt to the provider configured for model.
func (m *MultiClient) Complete(ctx context.Context, model string, p Prompt) (string, error) {
	client := m.clientFor(model)
	if client == nil {
		return "", fmt.Errorf("no provider configured for model %q", model)
	}
	return client.Complete(ctx, model, p)
}

// Ping checks the fallback provider, if it supports it.
func (m *MultiClient) Ping(ctx context.Context) error {
	if p, ok := m.fallback.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
