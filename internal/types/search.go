package types

// SearchEngine tags which index produced a search result.
type SearchEngine string

const (
	EngineMilvus        SearchEngine = "milvus"
	EngineElasticsearch SearchEngine = "elasticsearch"
	EngineGraph         SearchEngine = "graph_data"
)

// Visibility controls who may retrieve a file's derived records.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// SearchResult is the uniform item shape every retrieval engine returns.
// The orchestrator never merges ranks across engines; callers receive one
// list per engine.
type SearchResult struct {
	Title        string         `json:"title"`
	Content      string         `json:"content"`
	Score        float64        `json:"score"`
	Source       string         `json:"source"`
	SearchEngine SearchEngine   `json:"search_engine"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	FileDetail   *FileDetail    `json:"file_detail,omitempty"`
}

// FileDetail is the parsed metadata attached to retrieval hits.
type FileDetail struct {
	FileID   string `json:"file_id"`
	Title    string `json:"title,omitempty"`
	Summary  string `json:"summary,omitempty"`
	Authors  string `json:"authors,omitempty"`
	Category string `json:"category,omitempty"`
	TOC      string `json:"toc,omitempty"`
}
