package chat

// ResolveBatch resolves unresolved reply references against sibling
// messages in the same batch, in place. Resolution never reaches
// outside the batch: a reference whose target is absent stays an
// id-only stub, and a caller needing guaranteed resolution must fetch
// the target into the batch first.
//
// Resolved references are snapshots: the reply points at a copy of the
// sibling with its own reply pointer stripped, so previews are one
// level deep and cycles (a replying to b replying to a) cannot form.
func ResolveBatch(msgs []Message) {
	byID := make(map[string]int, len(msgs))
	for i, m := range msgs {
		if m.ID != "" {
			byID[m.ID] = i
		}
	}

	for i := range msgs {
		if !msgs[i].HasUnresolvedReply() {
			continue
		}

		idx, ok := byID[msgs[i].ReplyToID]
		if !ok || idx == i {
			continue
		}

		target := msgs[idx]
		target.ReplyTo = nil
		msgs[i].ReplyTo = &target
	}
}
