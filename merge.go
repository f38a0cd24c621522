package chatsync

// ============================================================================
// Reconciliation Merge
// ============================================================================

// mergeServer folds the authoritative server copy of a message into the
// optimistic local record. The rule is asymmetric:
//
//   - the local key is never replaced;
//   - status takes the maximum of both sides;
//   - media the server did not echo back is kept from the local record;
//   - every other field the server supplied wins.
//
// The send acknowledgement does not echo transient fields, so a plain field
// copy would drop locally known attachments.
func mergeServer(local *Message, server *Message) {
	if server.ID != "" {
		local.ID = server.ID
	}
	if server.SenderID != "" {
		local.SenderID = server.SenderID
	}
	if server.ReceiverID != "" {
		local.ReceiverID = server.ReceiverID
	}
	if server.Text != "" {
		local.Text = server.Text
	}
	if server.Media != nil {
		media := *server.Media
		local.Media = &media
	}
	if server.Poll != nil {
		local.Poll = server.Poll.clone()
	}
	if server.ScheduledAt != nil {
		at := *server.ScheduledAt
		local.ScheduledAt = &at
	}
	if !server.CreatedAt.IsZero() {
		local.CreatedAt = server.CreatedAt
	}
	if server.ReplyTo != nil {
		ref := *server.ReplyTo
		local.ReplyTo = &ref
	}
	if server.Reactions != nil {
		local.Reactions = normalizeReactions(server.Reactions)
	}
	local.Forwarded = local.Forwarded || server.Forwarded
	local.Pinned = server.Pinned
	local.Edited = local.Edited || server.Edited
	if local.Status != StatusFailed {
		local.Status = Merge(local.Status, server.Status)
	}
}

// MessagePatch is a partial update addressed to one message. Nil fields are
// left untouched.
type MessagePatch struct {
	Text      *string
	Edited    *bool
	Pinned    *bool
	Poll      *Poll
	Reactions *[]Reaction
	Status    *Status
	// StatusSource is consulted when Status is set.
	StatusSource Source
}

// touchesContent reports whether the patch edits or reacts to the message,
// which is not allowed once it has been deleted.
func (p MessagePatch) touchesContent() bool {
	return p.Text != nil || p.Reactions != nil || p.Poll != nil
}

// applyPatch merges p into m. It returns whether m changed and the status
// resolution error, if any.
func applyPatch(m *Message, p MessagePatch) (bool, error) {
	if m.Deleted() && p.touchesContent() {
		return false, ErrDeleted
	}
	changed := false
	if p.Text != nil && *p.Text != m.Text {
		m.Text = *p.Text
		changed = true
	}
	if p.Edited != nil && *p.Edited != m.Edited {
		m.Edited = *p.Edited
		changed = true
	}
	if p.Pinned != nil && *p.Pinned != m.Pinned {
		m.Pinned = *p.Pinned
		changed = true
	}
	if p.Poll != nil {
		m.Poll = p.Poll.clone()
		changed = true
	}
	if p.Reactions != nil {
		m.Reactions = normalizeReactions(*p.Reactions)
		if m.Reactions == nil {
			m.Reactions = []Reaction{}
		}
		changed = true
	}
	if p.Status != nil {
		next, err := Resolve(m.Status, *p.Status, p.StatusSource)
		if err != nil {
			return changed, err
		}
		if next != m.Status {
			m.Status = next
			changed = true
		}
	}
	return changed, nil
}
