package collab

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"go.uber.org/zap"
)

// ErrMalformedMessage wraps every inbound frame the document refuses to apply.
// The connection that sent it stays open.
var ErrMalformedMessage = errors.New("collab: malformed message")

// HandleMessage processes one inbound frame from peer: sync step 1 is answered
// with step 2, step 2 and updates are merged, awareness updates are applied.
func (d *Document) HandleMessage(peer Peer, frame []byte) error {
	message, err := codec.DecodeMessage(frame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	switch message.Type {
	case codec.MessageSync:
		return d.handleSync(peer, message)
	case codec.MessageAwareness:
		if _, err := d.ApplyAwareness(message.Payload, peer); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %w", ErrMalformedMessage, codec.ErrUnknownMessageType)
	}
}

func (d *Document) handleSync(peer Peer, message codec.Message) error {
	switch message.Sync {
	case codec.SyncStep1:
		d.mu.Lock()
		defer d.mu.Unlock()
		diff, err := d.replica.EncodeDiff(message.Payload)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		return d.sendLocked(peer, codec.EncodeSyncStep2(diff))
	case codec.SyncStep2, codec.SyncUpdate:
		applied, err := d.ApplyRemoteUpdate(message.Payload, peer)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
		}
		if applied {
			d.logger.Debug("update merged",
				zap.String("peer_id", peer.ID()),
				zap.Stringer("sync_type", message.Sync),
				zap.Int("bytes", len(message.Payload)))
		}
		return nil
	default:
		return fmt.Errorf("%w: %w", ErrMalformedMessage, codec.ErrUnknownSyncType)
	}
}
