package ports

import "github.com/layer-3/woosh/core"

// Tokenizer converts between caller identities and bearer tokens
type Tokenizer interface {
	IdentityToToken(identity *core.Identity) (string, error)
	TokenToIdentity(token string) (*core.Identity, error)
}
