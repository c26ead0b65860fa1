package object

// CommitSigningPayload returns the canonical bytes a commit signature covers:
// the serialized commit with the signature field blanked.
func CommitSigningPayload(c *CommitObj) []byte {
	if c == nil {
		return nil
	}
	copyCommit := *c
	copyCommit.Signature = ""
	return MarshalCommit(&copyCommit)
}
