// Package chatclient is the client-side core of talentchat realtime messaging.
//
// A Manager owns the single websocket connection of a process: it
// authenticates with a bearer token, rejoins the active conversation after
// every (re)connect and keeps the credential fresh without reconnecting.
// Conversation is the per-view state built on top of it: the ordered message
// log with duplicate suppression, typing indicators and read receipts.
//
// Construct one Manager at startup and pass it to consumers:
//
//	m, err := chatclient.New(chatclient.Config{URL: "wss://chat.example.com/ws", Tokens: src})
//	if err != nil { ... }
//	if err := m.Connect(ctx, token); err != nil { ... }
//	conv := m.Open(conversationID, userID)
//	defer conv.Close()
//	msg, err := conv.SendMessage(ctx, "hello")
package chatclient
