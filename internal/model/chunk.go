package model

// ChunkKind names a chunk variant.
type ChunkKind string

const (
	ChunkContent ChunkKind = "content"
	ChunkField   ChunkKind = "field"
	ChunkStatus  ChunkKind = "status"
)

// Chunk is one unit of a streamed assistant reply. The set of variants is
// closed: ContentChunk, FieldChunk and StatusChunk.
type Chunk interface {
	Kind() ChunkKind
	sealed()
}

// ContentChunk appends text to the draft assistant message.
type ContentChunk struct {
	Text string
}

// FieldChunk sets the draft's field attribution without touching its text.
type FieldChunk struct {
	FieldKey   string
	FieldValue string
}

// StatusChunk replaces the held ConversationState.
type StatusChunk struct {
	State ConversationState
}

func (ContentChunk) Kind() ChunkKind { return ChunkContent }
func (FieldChunk) Kind() ChunkKind   { return ChunkField }
func (StatusChunk) Kind() ChunkKind  { return ChunkStatus }

func (ContentChunk) sealed() {}
func (FieldChunk) sealed()   {}
func (StatusChunk) sealed()  {}
