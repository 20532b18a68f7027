// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

// TokenRouterName is the registered name of the token router filter.
const TokenRouterName = "token-router"

// ReasonTokenNotFound is the drop reason recorded when no endpoint carries
// the packet's routing token.
const ReasonTokenNotFound = "token_not_found"

type tokenRouterConfig struct {
	MetadataKey string `yaml:"metadata_key"`
	Token       string `yaml:"token"` // optional static token; overrides metadata
}

// tokenRouter routes a packet to the endpoint whose metadata carries the
// packet's routing token, usually placed there by a capture filter earlier in
// the chain. Packets without a token, or with a token no endpoint carries,
// are dropped.
type tokenRouter struct {
	key    string
	static []byte
}

func newTokenRouter(config map[string]any) (Filter, error) {
	cfg := tokenRouterConfig{MetadataKey: MetadataKeyToken}
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}

	f := &tokenRouter{key: cfg.MetadataKey}
	if cfg.Token != "" {
		f.static = []byte(cfg.Token)
	}
	return f, nil
}

func (f *tokenRouter) Name() string { return TokenRouterName }

func (f *tokenRouter) OnRead(pc *Context) error {
	token := f.static
	if token == nil {
		v, ok := pc.Metadata(f.key)
		if !ok {
			return Drop(ReasonTokenNotFound)
		}
		switch t := v.(type) {
		case []byte:
			token = t
		case string:
			token = []byte(t)
		default:
			return Drop(ReasonTokenNotFound)
		}
	}

	ep, err := pc.Clusters.ResolveToken(token)
	if err != nil {
		return Drop(ReasonTokenNotFound)
	}

	pc.SetDestination(ep)
	return nil
}

func (f *tokenRouter) OnWrite(pc *Context) error {
	return nil
}
