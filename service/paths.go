package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Store layout
//
//	chats/{sessionID}                      session record
//	chats/{sessionID}/messages/{messageID} message record
//	chat_index/{pairKey}                   session id for an unordered user pair
//	users/{userID}/chats/{sessionID}       per-user chat entry

const chatsRoot = "chats"

func sessionPath(sessionID string) string {
	return chatsRoot + "/" + sessionID
}

func messagesPath(sessionID string) string {
	return chatsRoot + "/" + sessionID + "/messages"
}

func messagePath(sessionID, messageID string) string {
	return messagesPath(sessionID) + "/" + messageID
}

func userChatsPath(userID string) string {
	return "users/" + userID + "/chats"
}

func userChatPath(userID, sessionID string) string {
	return userChatsPath(userID) + "/" + sessionID
}

func pairIndexPath(a, b string) string {
	return "chat_index/" + pairKey(a, b)
}

// pairKey is the same for (a, b) and (b, a). NUL cannot appear in a user id
// coming from a JWT subject, so the join is unambiguous.
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte(a + "\x00" + b))
	return hex.EncodeToString(sum[:])
}

// parseMessagePath is the inverse of messagePath
func parseMessagePath(path string) (sessionID, messageID string, ok bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 4 || parts[0] != chatsRoot || parts[2] != "messages" {
		return "", "", false
	}
	return parts[1], parts[3], true
}
