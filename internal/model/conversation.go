package model

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Conversation struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Title  string `json:"title"`
	Ctime  int64  `json:"ctime"`
	Mtime  int64  `json:"mtime"`
}

type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Grounded       bool   `json:"grounded"`
	Ctime          int64  `json:"ctime"`
}

type SourceDocument struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Filename       string `json:"filename"`
	FileKey        string `json:"file_key"`
	ContentType    string `json:"content_type"`
	Size           int64  `json:"size"`
	ChunkCount     int    `json:"chunk_count"`
	Ctime          int64  `json:"ctime"`
}
