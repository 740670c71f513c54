package client

// LoginStatus is the outcome of a login attempt.
type LoginStatus string

const (
	LoginSuccess       LoginStatus = "success"
	LoginPasswordReset LoginStatus = "password_reset"
	LoginUnauthorized  LoginStatus = "unauthorized"
	LoginUnknownServer LoginStatus = "unknown_server"
)

// LoginResult is the payload of LoginResult events.
type LoginResult struct {
	Status   LoginStatus `json:"status"`
	Server   string      `json:"server"`
	Username string      `json:"username,omitempty"`
	// Token is the access token on success.
	Token string `json:"token,omitempty"`
}

// TokenResponse is returned by the server's LiveKit token endpoint.
type TokenResponse struct {
	Token string `json:"token"`
	Room  string `json:"room"`
	URL   string `json:"url"`
}

// TokenGrant pairs a LiveKit token with the server it was issued by.
type TokenGrant struct {
	Server string `json:"server"`
	TokenResponse
}

// KeyType names the algorithm of a server's public key.
type KeyType string

const (
	KeyTypeRSA     KeyType = "rsa"
	KeyTypeEC      KeyType = "ec"
	KeyTypeEd25519 KeyType = "ed25519"
	KeyTypeEd448   KeyType = "ed448"
)

// Supported reports whether tokens signed with this key type can be verified.
func (k KeyType) Supported() bool {
	switch k {
	case KeyTypeRSA, KeyTypeEC, KeyTypeEd25519:
		return true
	}
	return false
}

// PubKeyResponse is the body of GET /pubkey.
type PubKeyResponse struct {
	KeyType KeyType `json:"key_type"`
	// PubKey is the base64 encoded DER public key.
	PubKey string `json:"pubkey"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Result string `json:"result"`
	Token  string `json:"token,omitempty"`
}
