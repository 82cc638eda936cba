package channel

import (
	"context"
	"encoding/json"

	"github.com/gaspardpetit/lspbridge/internal/fssync"
)

// Filesystem channel message types.
const (
	TypeSyncFile = "syncFile"
	TypeReady    = "ready"
)

// FSMessage is the wire form of the filesystem channel. Content is base64
// encoded by encoding/json.
type FSMessage struct {
	Type        string `json:"type"`
	ResourceURI string `json:"resourceUri,omitempty"`
	Content     []byte `json:"content,omitempty"`
}

// FSSink sends sync traffic over a message writer.
type FSSink struct {
	W MessageWriter
}

func (s FSSink) SyncFile(ctx context.Context, msg fssync.SyncMessage) error {
	return s.send(ctx, FSMessage{Type: TypeSyncFile, ResourceURI: msg.ResourceURI, Content: msg.Content})
}

func (s FSSink) Ready(ctx context.Context) error {
	return s.send(ctx, FSMessage{Type: TypeReady})
}

func (s FSSink) send(ctx context.Context, m FSMessage) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.W.Write(ctx, b)
}
