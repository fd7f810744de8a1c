package msgcrypt

import (
	"encoding/hex"

	"pair_chat/internal/cryptographic/kdf"
)

var passphraseInfo = []byte("pair_chat conversation passphrase")

// Passphrase derives the (conversation, sender) passphrase. Every
// participant computes it independently; it is never stored or sent.
func Passphrase(conversationID, senderID string) string {
	out := make([]byte, 32)
	// HKDF-SHA256 cannot fail for a 32 byte output.
	_, _ = kdf.HKDF([]byte(senderID), []byte(conversationID), passphraseInfo, out)
	return hex.EncodeToString(out)
}
