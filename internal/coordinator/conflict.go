package coordinator

import (
	"encoding/json"
	"fmt"

	"github.com/taskdeck/offsync/internal/queue"
	"github.com/taskdeck/offsync/internal/remote"
)

// Resolution is a conflict policy's verdict.
type Resolution int

const (
	// ResolutionRetryMerged re-applies the change with the merged payload
	// returned by the policy. One retry; a second conflict dead-letters.
	ResolutionRetryMerged Resolution = iota

	// ResolutionDropLocal abandons the local change and lets the server's
	// version stand. The default policy never returns it; custom policies
	// that prefer silent convergence can.
	ResolutionDropLocal

	// ResolutionDeadLetter parks the change for manual resolution.
	ResolutionDeadLetter
)

// ConflictPolicy decides what happens when the server rejects a change
// because it holds a newer version of the entity.
type ConflictPolicy interface {
	// Resolve inspects the local change and the server's copy. The
	// returned payload is only meaningful for ResolutionRetryMerged.
	Resolve(local *queue.ChangeRecord, server *remote.ServerEntity) (Resolution, json.RawMessage, error)
}

// LastWriterWins resolves conflicts by timestamp: if the local change
// was made after the server's last modification, the local fields win
// and are re-applied on top of the server's data. Otherwise the change
// is dead-lettered so the user can inspect what the server overruled;
// nothing is discarded silently.
//
// An equal timestamp counts as the server being current.
type LastWriterWins struct{}

// Resolve implements ConflictPolicy.
func (LastWriterWins) Resolve(local *queue.ChangeRecord, server *remote.ServerEntity) (Resolution, json.RawMessage, error) {
	if server == nil {
		// No server copy to compare against; a human has to look.
		return ResolutionDeadLetter, nil, nil
	}

	if !local.CreatedAt.After(server.LastModified) {
		return ResolutionDeadLetter, nil, nil
	}

	merged, err := queue.MergePayloads(server.Data, local.Payload)
	if err != nil {
		return ResolutionDeadLetter, nil, fmt.Errorf("failed to merge payloads: %w", err)
	}
	return ResolutionRetryMerged, merged, nil
}
