package coval

import "encoding/json"

// Privacy selects whether a transaction's payload is stored as
// plaintext JSON ("trusting") or sealed under the group's active key
// epoch ("private").
type Privacy string

const (
	PrivacyTrusting Privacy = "trusting"
	PrivacyPrivate  Privacy = "private"
)

// Transaction is one atomic write to a CoValue from one session (§3).
// Changes holds the plaintext change list when Privacy is "trusting",
// or the sealed payload (a JSON object carrying the base64 nonce and
// ciphertext) when Privacy is "private" — the core decrypts it into the
// kind-specific change list before folding.
type Transaction struct {
	MadeAt  int64           `json:"madeAt"`
	Privacy Privacy         `json:"privacy"`
	Changes json.RawMessage `json:"changes"`
	KeyUsed string          `json:"keyUsed,omitempty"`
}
