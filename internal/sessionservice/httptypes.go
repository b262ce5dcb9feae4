package sessionservice

// OutgoingMessageList is the JSON body for PUT /v1/messages/{device}.
type OutgoingMessageList struct {
	Destination string            `json:"destination"`
	Timestamp   uint64            `json:"timestamp"`
	Messages    []OutgoingMessage `json:"messages"`
	Online      bool              `json:"online"`
	Urgent      bool              `json:"urgent"`
}

// OutgoingMessage is a single message in an OutgoingMessageList.
type OutgoingMessage struct {
	Type    int    `json:"type"`    // outgoing.Kind
	ID      string `json:"id"`      // stable across retries, lets the server dedupe
	Content string `json:"content"` // base64 of the encoded message
}

// PreKeyResponse is the JSON response from GET /v2/keys/{device}/*.
type PreKeyResponse struct {
	IdentityKey  string              `json:"identityKey"` // base64
	SignedPreKey *SignedPreKeyEntity `json:"signedPreKey"`
	PreKey       *PreKeyEntity       `json:"preKey,omitempty"`
}

// SignedPreKeyEntity is the JSON representation of a signed pre-key.
type SignedPreKeyEntity struct {
	KeyID     int    `json:"keyId"`
	PublicKey string `json:"publicKey"` // base64
	Signature string `json:"signature"` // base64
}

// PreKeyEntity is the JSON representation of a one-time pre-key.
type PreKeyEntity struct {
	KeyID     int    `json:"keyId"`
	PublicKey string `json:"publicKey"`
}

// staleSessionResponse is the 410 body: the server no longer accepts our
// session with the device.
type staleSessionResponse struct {
	Reason string `json:"reason"`
}
