package cache

// Namespace prefixes for the cache's flat key-value store.
const (
	tokenByClientPrefix = "token:"
	tokenByIDPrefix     = "token_id:"
	credentialPrefix    = "credential:"
	revokedPrefix       = "revoked:"
)

func tokenClientKey(clientID string) string { return tokenByClientPrefix + clientID }
func tokenIDKey(tokenID string) string       { return tokenByIDPrefix + tokenID }
func credentialKey(clientID string) string   { return credentialPrefix + clientID }
func revokedKey(tokenID string) string       { return revokedPrefix + tokenID }
