package model

// Query classes assigned by the planner.
const (
	ClassFactual    = "factual"
	ClassProcedural = "procedural"
	ClassConceptual = "conceptual"
	ClassSearch     = "search"
)

// QueryPlan is the per-request retrieval configuration derived from the query
// text. DenseWeight and LexicalWeight always sum to 1.
type QueryPlan struct {
	QueryClass     string  `json:"queryClass"`
	DenseWeight    float64 `json:"denseWeight"`
	LexicalWeight  float64 `json:"lexicalWeight"`
	RetrieveK      int     `json:"retrieveK"`
	RerankK        int     `json:"rerankK"`
	UseExpansion   bool    `json:"useExpansion"`
	UseRerank      bool    `json:"useRerank"`
	PlanConfidence float64 `json:"planConfidence"`
}

// Candidate is a retrieval result flowing through fusion and reranking.
// FromDense/FromLexical record which search side produced it; an absent side
// contributes 0 to the fused score.
type Candidate struct {
	ChunkID      string            `json:"chunkId"`
	Text         string            `json:"text"`
	Metadata     map[string]string `json:"metadata"`
	DenseScore   float64           `json:"denseScore"`
	LexicalScore float64           `json:"lexicalScore"`
	FromDense    bool              `json:"fromDense"`
	FromLexical  bool              `json:"fromLexical"`
	FusedScore   float64           `json:"fusedScore"`
	RerankScore  float64           `json:"rerankScore,omitempty"`
	FinalScore   float64           `json:"finalScore,omitempty"`
}

// Citation maps an inline "Source N" marker back to the chunk shown to the
// model at position N.
type Citation struct {
	Index        int     `json:"index"` // 1-based source number
	ChunkID      string  `json:"chunkId"`
	Source       string  `json:"source"`
	SectionTitle string  `json:"sectionTitle,omitempty"`
	Page         int     `json:"page,omitempty"`
	Relevance    float64 `json:"relevance"`
}

// Answer is the output of the answering stage. LatencyBreakdown carries
// per-stage wall times in milliseconds keyed by stage name.
type Answer struct {
	Text             string             `json:"text"`
	Citations        []Citation         `json:"citations"`
	Confidence       float64            `json:"confidence"`
	TokenCount       int                `json:"tokenCount"`
	LatencyBreakdown map[string]float64 `json:"latencyBreakdown,omitempty"`
	Refused          bool               `json:"refused,omitempty"`
	RefusalReason    string             `json:"refusalReason,omitempty"`
	DeadlineExceeded bool               `json:"deadlineExceeded,omitempty"`
}
