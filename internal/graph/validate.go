package graph

// DropTargetError returns why an edge sourceID -> targetID may not be
// created, or nil when the edge is legal.
//
// Priority order (first match wins):
//  1. self connection
//  2. target is a trigger (a trigger as source is always fine)
//  3. circular: target already reaches source
//  4. already connected
//
// Callers that need a plain error should check the result against nil
// before converting, since a nil *DropError is not a nil error.
func DropTargetError(g Graph, sourceID, targetID string) *DropError {
	if sourceID == targetID {
		return newDropError(ErrCodeSelfConnection, MessageSelfConnection, sourceID, targetID)
	}

	if target, ok := g.Node(targetID); ok && target.Type == NodeTypeTrigger {
		return newDropError(ErrCodeTargetIsTrigger, MessageTargetIsTrigger, sourceID, targetID)
	}

	if IsUpstream(g, targetID, sourceID) {
		return newDropError(ErrCodeCircular, MessageCircular, sourceID, targetID)
	}

	if _, ok := IsChild(g, sourceID, targetID); ok {
		return newDropError(ErrCodeAlreadyConnected, MessageAlreadyConnected, sourceID, targetID)
	}

	return nil
}

// ValidateNewEdge is DropTargetError plus an endpoint existence check, for
// programmatic insertions where ids come from outside the graph.
func ValidateNewEdge(g Graph, sourceID, targetID string) error {
	if _, ok := g.Node(sourceID); !ok {
		return newDropError(ErrCodeUnknownNode, MessageUnknownNode, sourceID, targetID)
	}
	if _, ok := g.Node(targetID); !ok {
		return newDropError(ErrCodeUnknownNode, MessageUnknownNode, sourceID, targetID)
	}
	if de := DropTargetError(g, sourceID, targetID); de != nil {
		return de
	}
	return nil
}
